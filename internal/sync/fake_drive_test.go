package sync

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/larksync/larksync/internal/drive"
)

// fakeDrive is an in-memory Drive backend. Tokens are assigned
// sequentially; fault injection hooks let tests force failures per
// operation.
type fakeDrive struct {
	mu      sync.Mutex
	rootTok string
	nextID  int

	folders map[string]*fakeFolder
	files   map[string]*fakeFile

	// Fault injection.
	uploadErr    error
	downloadErr  map[string]error // token -> error
	renameErr    error
	renameCalled [][2]string // (token, newName) pairs

	uploadCalls int
}

type fakeFolder struct {
	name   string
	parent string // parent folder token, "" for the root itself
}

type fakeFile struct {
	name     string
	parent   string
	content  string
	modified string // provider-style epoch-second string
}

func newFakeDrive() *fakeDrive {
	d := &fakeDrive{
		folders:     map[string]*fakeFolder{},
		files:       map[string]*fakeFile{},
		downloadErr: map[string]error{},
	}

	d.rootTok = d.newToken("fld")
	d.folders[d.rootTok] = &fakeFolder{name: ""}

	return d
}

func (d *fakeDrive) newToken(prefix string) string {
	d.nextID++
	return fmt.Sprintf("%s-%03d", prefix, d.nextID)
}

// addFolder creates the folder chain for a slash path and returns the leaf
// token.
func (d *fakeDrive) addFolder(path string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.ensurePath(path)
}

func (d *fakeDrive) ensurePath(path string) string {
	current := d.rootTok

	if path == "" {
		return current
	}

	for _, part := range strings.Split(path, "/") {
		found := ""

		for tok, f := range d.folders {
			if f.parent == current && f.name == part {
				found = tok
				break
			}
		}

		if found == "" {
			found = d.newToken("fld")
			d.folders[found] = &fakeFolder{name: part, parent: current}
		}

		current = found
	}

	return current
}

// addFile places a file at a slash path, creating folders, and returns its
// token.
func (d *fakeDrive) addFile(path, content, modified string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	dir := ""
	name := path

	if i := strings.LastIndex(path, "/"); i >= 0 {
		dir, name = path[:i], path[i+1:]
	}

	parent := d.ensurePath(dir)
	tok := d.newToken("fil")
	d.files[tok] = &fakeFile{name: name, parent: parent, content: content, modified: modified}

	return tok
}

// pathOf returns the slash path of a file token, or "" if absent.
func (d *fakeDrive) pathOf(token string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.files[token]
	if !ok {
		return ""
	}

	parts := []string{f.name}
	cur := f.parent

	for cur != "" && cur != d.rootTok {
		fld := d.folders[cur]
		parts = append([]string{fld.name}, parts...)
		cur = fld.parent
	}

	return strings.Join(parts, "/")
}

// fileAt returns the token of the file at a slash path, or "".
func (d *fakeDrive) fileAt(path string) string {
	for tok := range d.files {
		if d.pathOf(tok) == path {
			return tok
		}
	}

	return ""
}

// folderAt returns the token of the folder at a slash path, or "".
func (d *fakeDrive) folderAt(path string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.rootTok

	for _, part := range strings.Split(path, "/") {
		found := ""

		for tok, f := range d.folders {
			if f.parent == current && f.name == part {
				found = tok
				break
			}
		}

		if found == "" {
			return ""
		}

		current = found
	}

	return current
}

func (d *fakeDrive) RootFolderToken(context.Context) (string, error) {
	return d.rootTok, nil
}

func (d *fakeDrive) ListFolder(_ context.Context, folderToken string) ([]drive.Item, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.folders[folderToken]; !ok {
		return nil, &drive.APIError{StatusCode: 404, Err: drive.ErrNotFound}
	}

	var items []drive.Item

	for tok, f := range d.folders {
		if f.parent == folderToken && tok != d.rootTok {
			items = append(items, drive.Item{
				Token: tok, Name: f.name, Type: drive.TypeFolder, ParentToken: folderToken,
			})
		}
	}

	for tok, f := range d.files {
		if f.parent == folderToken {
			items = append(items, drive.Item{
				Token:        tok,
				Name:         f.name,
				Type:         drive.TypeFile,
				ParentToken:  folderToken,
				ModifiedTime: drive.FlexString(f.modified),
				Size:         drive.FlexString(fmt.Sprint(len(f.content))),
			})
		}
	}

	return items, nil
}

func (d *fakeDrive) CreateFolder(_ context.Context, name, parentToken string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if parentToken == "" {
		parentToken = d.rootTok
	}

	tok := d.newToken("fld")
	d.folders[tok] = &fakeFolder{name: name, parent: parentToken}

	return tok, nil
}

func (d *fakeDrive) Upload(_ context.Context, localPath, parentToken, fileName string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.uploadCalls++

	if d.uploadErr != nil {
		return "", d.uploadErr
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}

	if parentToken == "" {
		parentToken = d.rootTok
	}

	tok := d.newToken("fil")
	d.files[tok] = &fakeFile{name: fileName, parent: parentToken, content: string(data), modified: "1700000000"}

	return tok, nil
}

func (d *fakeDrive) Download(_ context.Context, fileToken, destPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err, ok := d.downloadErr[fileToken]; ok {
		return err
	}

	f, ok := d.files[fileToken]
	if !ok {
		return &drive.APIError{StatusCode: 404, Err: drive.ErrNotFound}
	}

	return os.WriteFile(destPath, []byte(f.content), 0o644)
}

func (d *fakeDrive) FileMeta(_ context.Context, fileToken string) (drive.Item, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.files[fileToken]
	if !ok {
		return drive.Item{}, &drive.APIError{StatusCode: 404, Err: drive.ErrNotFound}
	}

	return drive.Item{
		Token:        fileToken,
		Name:         f.name,
		Type:         drive.TypeFile,
		ParentToken:  f.parent,
		ModifiedTime: drive.FlexString(f.modified),
		Size:         drive.FlexString(fmt.Sprint(len(f.content))),
	}, nil
}

func (d *fakeDrive) Rename(_ context.Context, fileToken, newName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.renameCalled = append(d.renameCalled, [2]string{fileToken, newName})

	if d.renameErr != nil {
		return d.renameErr
	}

	if f, ok := d.files[fileToken]; ok {
		f.name = newName
		return nil
	}

	if f, ok := d.folders[fileToken]; ok {
		f.name = newName
		return nil
	}

	return &drive.APIError{StatusCode: 404, Err: drive.ErrNotFound}
}

func (d *fakeDrive) Move(_ context.Context, fileToken, _, targetFolderToken string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if targetFolderToken == "" {
		targetFolderToken = d.rootTok
	}

	if f, ok := d.files[fileToken]; ok {
		f.parent = targetFolderToken
		return nil
	}

	if f, ok := d.folders[fileToken]; ok {
		f.parent = targetFolderToken
		return nil
	}

	return &drive.APIError{StatusCode: 404, Err: drive.ErrNotFound}
}

func (d *fakeDrive) Delete(_ context.Context, fileToken, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.files[fileToken]; ok {
		delete(d.files, fileToken)
		return nil
	}

	if _, ok := d.folders[fileToken]; ok {
		delete(d.folders, fileToken)
		return nil
	}

	return &drive.APIError{StatusCode: 404, Err: drive.ErrNotFound}
}
