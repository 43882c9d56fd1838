package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const hashChunkSize = 64 * 1024

// hashFile computes the streaming SHA-256 of a file, lowercase hex.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}

	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)

	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Scanner walks the local tree below root, producing the file and directory
// snapshots the engine reconciles against.
type Scanner struct {
	Root               string
	ExcludeDirs        []string
	ExcludeHiddenDirs  bool
	ExcludeHiddenFiles bool
	Logger             *slog.Logger
}

func (s *Scanner) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}

	return s.Logger
}

func (s *Scanner) excluded(name string) bool {
	for _, ex := range s.ExcludeDirs {
		if name == ex {
			return true
		}
	}

	return false
}

// normalizeRel converts a platform path to a slash-separated, NFC-normalized
// relative path. macOS reports NFD names; the mapping table and the remote
// side use NFC.
func normalizeRel(rel string) string {
	return norm.NFC.String(filepath.ToSlash(rel))
}

// ScanFiles returns the local file snapshot keyed by relative path, plus the
// number of entries skipped because they could not be read. A missing root
// yields an empty snapshot. Symlinks are skipped. An unreadable file or
// directory is logged and left out of the snapshot; it never aborts the walk.
func (s *Scanner) ScanFiles() (map[string]LocalFile, int, error) {
	files := map[string]LocalFile{}
	skipped := 0

	if _, err := os.Stat(s.Root); os.IsNotExist(err) {
		return files, 0, nil
	}

	err := filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.Root {
				return err
			}

			skipped++
			s.log().Warn("skipping unreadable entry",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)

			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if path == s.Root {
			return nil
		}

		name := d.Name()

		if d.IsDir() {
			if s.excluded(name) || (s.ExcludeHiddenDirs && strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		if s.ExcludeHiddenFiles && strings.HasPrefix(name, ".") {
			return nil
		}

		rel, err := filepath.Rel(s.Root, path)
		if err != nil {
			return fmt.Errorf("relativizing %s: %w", path, err)
		}

		info, err := d.Info()
		if err != nil {
			skipped++
			s.log().Warn("skipping unreadable file",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)

			return nil
		}

		hash, err := hashFile(path)
		if err != nil {
			skipped++
			s.log().Warn("skipping unreadable file",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)

			return nil
		}

		relPath := normalizeRel(rel)
		files[relPath] = LocalFile{
			RelPath:  relPath,
			FullPath: path,
			Hash:     hash,
			Mtime:    float64(info.ModTime().UnixNano()) / 1e9,
			Size:     info.Size(),
		}

		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("scanning local files: %w", err)
	}

	return files, skipped, nil
}

// ScanDirs returns all relative directory paths below root, including empty
// ones, sorted. The root itself is not included.
func (s *Scanner) ScanDirs() ([]string, error) {
	var dirs []string

	if _, err := os.Stat(s.Root); os.IsNotExist(err) {
		return dirs, nil
	}

	err := filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.Root {
				return err
			}

			s.log().Warn("skipping unreadable entry",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)

			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.IsDir() || path == s.Root {
			return nil
		}

		name := d.Name()
		if s.excluded(name) || (s.ExcludeHiddenDirs && strings.HasPrefix(name, ".")) {
			return filepath.SkipDir
		}

		rel, err := filepath.Rel(s.Root, path)
		if err != nil {
			return fmt.Errorf("relativizing %s: %w", path, err)
		}

		dirs = append(dirs, normalizeRel(rel))

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning local directories: %w", err)
	}

	sort.Strings(dirs)

	return dirs, nil
}

// sortedKeys returns the map's keys in lexical order so every pass over the
// snapshot is deterministic.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
