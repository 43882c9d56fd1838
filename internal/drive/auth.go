package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/larksync/larksync/internal/tokenfile"
)

// tenantExpiryMargin is how early a cached tenant token is considered
// expired.
const tenantExpiryMargin = 300 * time.Second

// Authenticator produces bearer tokens for Drive requests, preferring the
// delegated user token (refreshing it in place when stale) and falling back
// to the app's tenant token. It also implements the interactive OAuth
// helpers used by the auth commands.
type Authenticator struct {
	appID         string
	appSecret     string
	tokenFilePath string
	baseURL       string
	httpClient    *http.Client
	logger        *slog.Logger
	now           func() time.Time

	mu           sync.Mutex
	tenantToken  string
	tenantExpiry time.Time
}

// NewAuthenticator creates an Authenticator. tokenFilePath may be empty when
// only tenant credentials are configured.
func NewAuthenticator(appID, appSecret, tokenFilePath string, httpClient *http.Client, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Authenticator{
		appID:         appID,
		appSecret:     appSecret,
		tokenFilePath: tokenFilePath,
		baseURL:       BaseURL,
		httpClient:    httpClient,
		logger:        logger,
		now:           time.Now,
	}
}

// Token returns a usable bearer token, trying the user token first and the
// tenant token second. Returns ErrNoToken when neither credential works.
func (a *Authenticator) Token(ctx context.Context) (string, error) {
	if tok, err := a.userAccessToken(ctx); err == nil && tok != "" {
		return tok, nil
	} else if err != nil && !errors.Is(err, tokenfile.ErrNotFound) {
		a.logger.Debug("user token unavailable", slog.String("error", err.Error()))
	}

	tok, err := a.tenantAccessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoToken, err)
	}

	return tok, nil
}

// userAccessToken returns a valid user access token, refreshing through the
// stored refresh token when the access token is stale.
func (a *Authenticator) userAccessToken(ctx context.Context) (string, error) {
	if a.tokenFilePath == "" {
		return "", tokenfile.ErrNotFound
	}

	tok, err := tokenfile.Load(a.tokenFilePath)
	if err != nil {
		return "", err
	}

	now := a.now()
	if tok.Valid(now) {
		return tok.AccessToken, nil
	}

	if !tok.RefreshValid(now) {
		return "", fmt.Errorf("user refresh token expired")
	}

	refreshed, err := a.refreshUserToken(ctx, tok.RefreshToken)
	if err != nil {
		return "", err
	}

	return refreshed.AccessToken, nil
}

// tenantAccessToken returns the app's tenant token, serving a cached value
// until it nears expiry.
func (a *Authenticator) tenantAccessToken(ctx context.Context) (string, error) {
	if a.appID == "" || a.appSecret == "" {
		return "", fmt.Errorf("app credentials not configured")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.tenantToken != "" && a.now().Before(a.tenantExpiry) {
		return a.tenantToken, nil
	}

	req := map[string]string{
		"app_id":     a.appID,
		"app_secret": a.appSecret,
	}

	// The tenant endpoint puts its fields at the top level rather than
	// under data.
	var resp struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int64  `json:"expire"`
	}

	if err := a.postJSON(ctx, "/auth/v3/tenant_access_token/internal", req, &resp); err != nil {
		return "", fmt.Errorf("requesting tenant token: %w", err)
	}

	if resp.Code != 0 {
		return "", &APIError{Code: resp.Code, Message: resp.Msg, Err: ErrAPIFailure}
	}

	if resp.TenantAccessToken == "" {
		return "", fmt.Errorf("requesting tenant token: %w: empty token", ErrAPIFailure)
	}

	a.tenantToken = resp.TenantAccessToken
	a.tenantExpiry = a.now().Add(time.Duration(resp.Expire)*time.Second - tenantExpiryMargin)

	return a.tenantToken, nil
}

// AuthorizeURL builds the browser URL that starts the user consent flow.
func (a *Authenticator) AuthorizeURL(redirectURI, state string) (string, error) {
	if a.appID == "" {
		return "", fmt.Errorf("app_id not configured")
	}

	if redirectURI == "" {
		return "", fmt.Errorf("redirect URI required")
	}

	if state == "" {
		return "", fmt.Errorf("state required")
	}

	q := url.Values{}
	q.Set("app_id", a.appID)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)

	return a.baseURL + "/authen/v1/index?" + q.Encode(), nil
}

// ExchangeCode trades an authorization code for a user token pair and
// persists it to the token file.
func (a *Authenticator) ExchangeCode(ctx context.Context, code string) (*tokenfile.Token, error) {
	if a.appID == "" || a.appSecret == "" {
		return nil, fmt.Errorf("app credentials not configured")
	}

	if code == "" {
		return nil, fmt.Errorf("authorization code required")
	}

	req := map[string]string{
		"grant_type": "authorization_code",
		"code":       code,
		"app_id":     a.appID,
		"app_secret": a.appSecret,
	}

	var env envelope
	if err := a.postJSON(ctx, "/authen/v1/access_token", req, &env); err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}

	if env.Code != 0 {
		return nil, &APIError{Code: env.Code, Message: env.Msg, Err: ErrAPIFailure}
	}

	return a.saveTokenData(env.Data)
}

// RefreshUserToken refreshes the stored user token. With force false a
// still-valid access token is returned unchanged.
func (a *Authenticator) RefreshUserToken(ctx context.Context, force bool) (*tokenfile.Token, error) {
	if a.tokenFilePath == "" {
		return nil, tokenfile.ErrNotFound
	}

	tok, err := tokenfile.Load(a.tokenFilePath)
	if err != nil {
		return nil, err
	}

	if !force && tok.Valid(a.now()) {
		return tok, nil
	}

	return a.refreshUserToken(ctx, tok.RefreshToken)
}

func (a *Authenticator) refreshUserToken(ctx context.Context, refreshToken string) (*tokenfile.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token missing")
	}

	if a.appID == "" || a.appSecret == "" {
		return nil, fmt.Errorf("app credentials not configured")
	}

	req := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"app_id":        a.appID,
		"app_secret":    a.appSecret,
	}

	var env envelope
	if err := a.postJSON(ctx, "/authen/v1/refresh_access_token", req, &env); err != nil {
		return nil, fmt.Errorf("refreshing user token: %w", err)
	}

	if env.Code != 0 {
		return nil, fmt.Errorf("refreshing user token: %w",
			&APIError{Code: env.Code, Message: env.Msg, Err: ErrAPIFailure})
	}

	tok, err := a.saveTokenData(env.Data)
	if err != nil {
		return nil, err
	}

	a.logger.Info("user token refreshed")

	return tok, nil
}

// saveTokenData decodes a token payload, stamps it, and persists it.
func (a *Authenticator) saveTokenData(data json.RawMessage) (*tokenfile.Token, error) {
	var tok tokenfile.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decoding token payload: %w", err)
	}

	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: token payload missing access_token", ErrAPIFailure)
	}

	tok.CreatedAt = a.now().UnixMilli()

	if a.tokenFilePath != "" {
		if err := tokenfile.Save(a.tokenFilePath, &tok); err != nil {
			return nil, err
		}
	}

	return &tok, nil
}

// postJSON sends an unauthenticated JSON POST to the auth endpoints.
func (a *Authenticator) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(raw),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}
