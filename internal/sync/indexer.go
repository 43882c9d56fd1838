package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/larksync/larksync/internal/drive"
)

// listRemoteTree walks the remote folder tree rooted at rootToken and
// returns the file snapshot plus a map of relative folder path to folder
// token ("" maps to the root). The recycle folder is indexed as a folder but
// never descended into, and its contents never appear as files. A visited
// set guards against cycles should the API ever report one.
func (e *Engine) listRemoteTree(ctx context.Context, rootToken string) ([]RemoteFile, map[string]string, error) {
	var files []RemoteFile

	folders := map[string]string{"": rootToken}
	visited := map[string]bool{rootToken: true}

	var walk func(folderToken, prefix string) error
	walk = func(folderToken, prefix string) error {
		children, err := e.drv.ListFolder(ctx, folderToken)
		if err != nil {
			return fmt.Errorf("listing remote folder %s: %w", folderToken, err)
		}

		childFolders := map[string]string{}

		for _, item := range children {
			if item.Token == "" {
				continue
			}

			name := item.Name
			if name == "" {
				name = item.Token
			}

			path := name
			if prefix != "" {
				path = prefix + "/" + name
			}

			if item.IsFolder() {
				childFolders[name] = item.Token
				folders[path] = item.Token

				if e.inRecycleBin(path) {
					continue
				}

				if visited[item.Token] {
					e.logger.Warn("remote folder cycle detected",
						slog.String("path", path),
						slog.String("token", item.Token),
					)

					continue
				}

				visited[item.Token] = true

				if err := walk(item.Token, path); err != nil {
					return err
				}

				continue
			}

			if e.inRecycleBin(path) {
				continue
			}

			files = append(files, RemoteFile{
				Token:        item.Token,
				Name:         name,
				Type:         orDefault(item.Type, drive.TypeFile),
				Size:         parseSize(string(item.Size)),
				ModifiedTime: string(item.ModifiedTime),
				FolderToken:  folderToken,
				Path:         path,
			})
		}

		e.childCache[folderToken] = childFolders

		return nil
	}

	if err := walk(rootToken, ""); err != nil {
		return nil, nil, err
	}

	e.folderCache = folders

	return files, folders, nil
}

// inRecycleBin reports whether a remote path is the recycle folder or lies
// under it.
func (e *Engine) inRecycleBin(path string) bool {
	return path == e.opts.RecycleBinName || strings.HasPrefix(path, e.opts.RecycleBinName+"/")
}

// findChildFolder resolves a child folder token by name under parentToken,
// consulting the listing cache first.
func (e *Engine) findChildFolder(ctx context.Context, parentToken, name string) (string, error) {
	if cached, ok := e.childCache[parentToken]; ok {
		return cached[name], nil
	}

	children, err := e.drv.ListFolder(ctx, parentToken)
	if err != nil {
		return "", fmt.Errorf("listing remote folder %s: %w", parentToken, err)
	}

	folderMap := map[string]string{}

	for _, item := range children {
		if item.IsFolder() && item.Token != "" {
			name := item.Name
			if name == "" {
				name = item.Token
			}

			folderMap[name] = item.Token
		}
	}

	e.childCache[parentToken] = folderMap

	return folderMap[name], nil
}

// ensureRemoteFolder creates (or resolves) the remote folder chain for a
// relative directory and returns its token. The folder mapping is persisted
// for each segment.
func (e *Engine) ensureRemoteFolder(ctx context.Context, rootToken, relDir string) (string, error) {
	relDir = strings.Trim(relDir, "/")
	if relDir == "" || relDir == "." {
		return rootToken, nil
	}

	if tok, ok := e.folderCache[relDir]; ok {
		return tok, nil
	}

	current := rootToken
	currentRel := ""

	for _, part := range strings.Split(relDir, "/") {
		if currentRel == "" {
			currentRel = part
		} else {
			currentRel = currentRel + "/" + part
		}

		if tok, ok := e.folderCache[currentRel]; ok {
			current = tok
			continue
		}

		found, err := e.findChildFolder(ctx, current, part)
		if err != nil {
			return "", err
		}

		if found == "" {
			found, err = e.drv.CreateFolder(ctx, part, current)
			if err != nil {
				return "", fmt.Errorf("creating remote folder %q: %w", currentRel, err)
			}

			if cached, ok := e.childCache[current]; ok {
				cached[part] = found
			}
		}

		e.folderCache[currentRel] = found

		if err := e.store.UpsertFolderMapping(ctx, currentRel, found); err != nil {
			return "", err
		}

		current = found
	}

	return current, nil
}

// ensureRecycleBin resolves or creates the remote recycle folder.
func (e *Engine) ensureRecycleBin(ctx context.Context, rootToken string) (string, error) {
	if tok, ok := e.folderCache[e.opts.RecycleBinName]; ok {
		return tok, nil
	}

	found, err := e.findChildFolder(ctx, rootToken, e.opts.RecycleBinName)
	if err != nil {
		return "", err
	}

	if found == "" {
		found, err = e.drv.CreateFolder(ctx, e.opts.RecycleBinName, rootToken)
		if err != nil {
			return "", fmt.Errorf("creating recycle folder: %w", err)
		}
	}

	e.folderCache[e.opts.RecycleBinName] = found

	return found, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}

	return s
}

func parseSize(s string) int64 {
	if s == "" {
		return 0
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}

	return n
}
