// Package tokenfile persists the Feishu user token pair on disk. The file
// format mirrors what the authorization endpoints return: a flat JSON object
// with epoch-millisecond bookkeeping added at save time.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ExpiryMargin is subtracted from the token lifetime when judging validity,
// so callers refresh well before the upstream deadline.
const ExpiryMargin = 300 * time.Second

// ErrNotFound indicates no token file exists at the configured path.
var ErrNotFound = errors.New("token file not found")

// Token is the persisted user token pair.
type Token struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
	// CreatedAt is epoch milliseconds at the time the token was saved.
	CreatedAt int64 `json:"created_at"`
}

// Valid reports whether the access token is still usable at time now,
// keeping ExpiryMargin of headroom.
func (t *Token) Valid(now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}

	if t.ExpiresIn <= 0 || t.CreatedAt <= 0 {
		return false
	}

	created := time.UnixMilli(t.CreatedAt)
	deadline := created.Add(time.Duration(t.ExpiresIn) * time.Second).Add(-ExpiryMargin)

	return now.Before(deadline)
}

// RefreshValid reports whether the refresh token is still usable at now. A
// token without refresh bookkeeping is treated as refreshable so the caller
// can attempt it and surface the upstream error.
func (t *Token) RefreshValid(now time.Time) bool {
	if t == nil || t.RefreshToken == "" {
		return false
	}

	if t.RefreshExpiresIn <= 0 || t.CreatedAt <= 0 {
		return true
	}

	created := time.UnixMilli(t.CreatedAt)
	deadline := created.Add(time.Duration(t.RefreshExpiresIn) * time.Second).Add(-ExpiryMargin)

	return now.Before(deadline)
}

// Load reads the token at path. Returns ErrNotFound if the file is absent.
func Load(path string) (*Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("reading token file: %w", err)
	}

	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parsing token file: %w", err)
	}

	return &tok, nil
}

// Save writes the token to path atomically with 0600 permissions. CreatedAt
// is stamped if the caller left it zero.
func Save(path string, tok *Token) error {
	if tok.CreatedAt == 0 {
		tok.CreatedAt = time.Now().UnixMilli()
	}

	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".token-*.json")
	if err != nil {
		return fmt.Errorf("creating temp token file: %w", err)
	}

	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		return fmt.Errorf("setting token file permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing token file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing token file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing token file: %w", err)
	}

	success = true

	return nil
}
