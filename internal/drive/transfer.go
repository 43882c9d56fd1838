package drive

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

// downloadChunkSize is the copy buffer used when streaming downloads to
// disk.
const downloadChunkSize = 64 * 1024

// Upload sends the file at localPath to the Drive folder parentToken using
// the single-shot upload endpoint. An empty parentToken uploads to the root
// folder. It returns the new file's token.
func (c *Client) Upload(ctx context.Context, localPath, parentToken, fileName string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", localPath, err)
	}

	if info.IsDir() {
		return "", fmt.Errorf("uploading %s: is a directory", localPath)
	}

	parent := parentToken

	if parent == "" {
		root, err := c.RootFolderToken(ctx)
		if err != nil {
			return "", err
		}

		parent = root
	}

	name := fileName
	if name == "" {
		name = filepath.Base(localPath)
	}

	// The multipart body streams from disk and is rebuilt on every retry
	// attempt, so a half-sent body never poisons the next try.
	newBody := func() (io.Reader, string, error) {
		f, err := os.Open(localPath)
		if err != nil {
			return nil, "", fmt.Errorf("opening %s: %w", localPath, err)
		}

		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)

		go func() {
			defer f.Close()

			err := writeUploadForm(mw, f, name, parent, info.Size())
			if err != nil {
				pw.CloseWithError(err)
				return
			}

			pw.CloseWithError(mw.Close())
		}()

		return pr, mw.FormDataContentType(), nil
	}

	var data struct {
		FileToken string `json:"file_token"`
		Token     string `json:"token"`
	}

	if err := c.doJSON(ctx, http.MethodPost, "/drive/v1/files/upload_all", newBody, &data); err != nil {
		return "", fmt.Errorf("uploading %s: %w", localPath, err)
	}

	token := data.FileToken
	if token == "" {
		token = data.Token
	}

	if token == "" {
		return "", fmt.Errorf("uploading %s: %w: no file token in response", localPath, ErrAPIFailure)
	}

	return token, nil
}

func writeUploadForm(mw *multipart.Writer, f *os.File, name, parent string, size int64) error {
	fields := map[string]string{
		"file_name":   name,
		"parent_type": "explorer",
		"parent_node": parent,
		"size":        fmt.Sprint(size),
	}

	for key, val := range fields {
		if err := mw.WriteField(key, val); err != nil {
			return fmt.Errorf("writing form field %s: %w", key, err)
		}
	}

	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return fmt.Errorf("creating file part: %w", err)
	}

	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("streaming file content: %w", err)
	}

	return nil
}

// Download streams the file identified by fileToken into destPath, creating
// parent directories as needed. A missing remote file surfaces as
// ErrNotFound so callers can tombstone instead of retrying.
func (c *Client) Download(ctx context.Context, fileToken, destPath string) error {
	resp, err := c.Do(ctx, http.MethodGet, "/drive/v1/files/"+fileToken+"/download", nil)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", fileToken, err)
	}

	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("downloading %s: creating directory: %w", fileToken, err)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("downloading %s: creating file: %w", fileToken, err)
	}

	buf := make([]byte, downloadChunkSize)

	if _, err := io.CopyBuffer(f, resp.Body, buf); err != nil {
		f.Close()
		os.Remove(destPath)

		return fmt.Errorf("downloading %s: streaming content: %w", fileToken, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("downloading %s: closing file: %w", fileToken, err)
	}

	return nil
}
