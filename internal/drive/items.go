package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// listPageSize is the page size requested from the listing endpoint.
const listPageSize = 200

// RootFolderToken returns the token of the authenticated account's root
// Drive folder.
func (c *Client) RootFolderToken(ctx context.Context) (string, error) {
	var data struct {
		Token string `json:"token"`
	}

	if err := c.doJSON(ctx, http.MethodGet, "/drive/explorer/v2/root_folder/meta", nil, &data); err != nil {
		return "", fmt.Errorf("fetching root folder meta: %w", err)
	}

	if data.Token == "" {
		return "", fmt.Errorf("fetching root folder meta: %w: empty token", ErrAPIFailure)
	}

	return data.Token, nil
}

// listPage fetches one page of a folder listing.
func (c *Client) listPage(ctx context.Context, folderToken, pageToken string) ([]Item, string, error) {
	q := url.Values{}
	q.Set("page_size", fmt.Sprint(listPageSize))

	if folderToken != "" {
		q.Set("folder_token", folderToken)
	}

	if pageToken != "" {
		q.Set("page_token", pageToken)
	}

	var data struct {
		Files         []Item `json:"files"`
		NextPageToken string `json:"next_page_token"`
		PageToken     string `json:"page_token"`
	}

	if err := c.doJSON(ctx, http.MethodGet, "/drive/v1/files?"+q.Encode(), nil, &data); err != nil {
		return nil, "", fmt.Errorf("listing folder %s: %w", folderToken, err)
	}

	next := data.NextPageToken
	if next == "" {
		next = data.PageToken
	}

	return data.Files, next, nil
}

// ListFolder returns all immediate children of the given folder, following
// pagination. An empty folderToken lists the root.
func (c *Client) ListFolder(ctx context.Context, folderToken string) ([]Item, error) {
	var (
		items     []Item
		pageToken string
	)

	for {
		page, next, err := c.listPage(ctx, folderToken, pageToken)
		if err != nil {
			return nil, err
		}

		items = append(items, page...)

		if next == "" {
			return items, nil
		}

		pageToken = next
	}
}

// CreateFolder creates a folder under parentToken and returns its token. An
// empty parentToken creates under the root folder.
func (c *Client) CreateFolder(ctx context.Context, name, parentToken string) (string, error) {
	parent := parentToken

	if parent == "" {
		root, err := c.RootFolderToken(ctx)
		if err != nil {
			return "", err
		}

		parent = root
	}

	req := map[string]string{
		"name":         name,
		"folder_token": parent,
	}

	var data struct {
		Token string `json:"token"`
	}

	if err := c.doJSON(ctx, http.MethodPost, "/drive/v1/files/create_folder", jsonBody(req), &data); err != nil {
		return "", fmt.Errorf("creating folder %q: %w", name, err)
	}

	if data.Token == "" {
		return "", fmt.Errorf("creating folder %q: %w: no token in response", name, ErrAPIFailure)
	}

	return data.Token, nil
}

// Rename changes an item's name. Some gateways answer renames with an empty
// or bare-literal body instead of the usual envelope; those are treated as
// success.
func (c *Client) Rename(ctx context.Context, fileToken, newName string) error {
	req := map[string]string{"name": newName}

	resp, err := c.Do(ctx, http.MethodPatch, "/drive/v1/files/"+fileToken, jsonBody(req))
	if err != nil {
		return fmt.Errorf("renaming %s: %w", fileToken, err)
	}

	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("renaming %s: reading response: %w", fileToken, err)
	}

	text := strings.TrimSpace(string(raw))
	if text == "" || text == "true" || text == "null" {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("renaming %s: unexpected response %q", fileToken, truncate(text, 200))
	}

	if env.Code != 0 {
		return fmt.Errorf("renaming %s: %w", fileToken, &APIError{
			StatusCode: resp.StatusCode,
			Code:       env.Code,
			Message:    env.Msg,
			Err:        ErrAPIFailure,
		})
	}

	return nil
}

// Move relocates an item into targetFolderToken. An empty target moves to
// the root folder. fileType is the item's Drive type ("file" when unknown).
func (c *Client) Move(ctx context.Context, fileToken, fileType, targetFolderToken string) error {
	target := targetFolderToken

	if target == "" {
		root, err := c.RootFolderToken(ctx)
		if err != nil {
			return err
		}

		target = root
	}

	if fileType == "" {
		fileType = TypeFile
	}

	req := map[string]string{
		"type":         fileType,
		"folder_token": target,
	}

	if err := c.doJSON(ctx, http.MethodPost, "/drive/v1/files/"+fileToken+"/move", jsonBody(req), nil); err != nil {
		return fmt.Errorf("moving %s: %w", fileToken, err)
	}

	return nil
}

// Delete permanently removes an item.
func (c *Client) Delete(ctx context.Context, fileToken, fileType string) error {
	if fileType == "" {
		fileType = TypeFile
	}

	q := url.Values{}
	q.Set("type", fileType)

	if err := c.doJSON(ctx, http.MethodDelete, "/drive/v1/files/"+fileToken+"?"+q.Encode(), nil, nil); err != nil {
		return fmt.Errorf("deleting %s: %w", fileToken, err)
	}

	return nil
}

// FileMeta fetches fresh metadata for a single item. The metas endpoint
// nests file details under a "file" key on some deployments; both shapes
// are accepted.
func (c *Client) FileMeta(ctx context.Context, fileToken string) (Item, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/drive/v1/metas/"+fileToken, nil, &raw); err != nil {
		return Item{}, fmt.Errorf("fetching meta for %s: %w", fileToken, err)
	}

	var nested struct {
		File *Item `json:"file"`
	}

	if err := json.Unmarshal(raw, &nested); err == nil && nested.File != nil {
		return *nested.File, nil
	}

	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return Item{}, fmt.Errorf("fetching meta for %s: decoding: %w", fileToken, err)
	}

	return item, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n]
}
