package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/larksync/larksync/internal/config"
	"github.com/larksync/larksync/internal/drive"
)

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage user authorization",
	}

	cmd.AddCommand(newAuthURLCmd())
	cmd.AddCommand(newAuthExchangeCmd())
	cmd.AddCommand(newAuthRefreshCmd())

	return cmd
}

// newAuthenticator builds just the pieces the auth commands need; no state
// store is opened.
func newAuthenticator() (*config.Config, *drive.Authenticator, error) {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return nil, nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := buildLogger(cfg)

	httpClient := &http.Client{Timeout: defaultHTTPTimeout}
	if cfg.Auth.TimeoutSec > 0 {
		httpClient.Timeout = time.Duration(cfg.Auth.TimeoutSec) * time.Second
	}

	auth := drive.NewAuthenticator(cfg.Auth.AppID, cfg.Auth.AppSecret, cfg.Auth.UserTokenFile, httpClient, logger)

	return cfg, auth, nil
}

// authStatePath is where the one-shot OAuth state value is kept between
// `auth url` and `auth exchange`.
func authStatePath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Auth.UserTokenFile), "auth_state")
}

func newAuthURLCmd() *cobra.Command {
	var redirectURI string

	cmd := &cobra.Command{
		Use:   "url",
		Short: "Print the authorization URL to open in a browser",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, auth, err := newAuthenticator()
			if err != nil {
				return err
			}

			buf := make([]byte, 16)
			if _, err := rand.Read(buf); err != nil {
				return fmt.Errorf("generating auth state: %w", err)
			}

			oauthState := hex.EncodeToString(buf)

			authURL, err := auth.AuthorizeURL(redirectURI, oauthState)
			if err != nil {
				return err
			}

			statePath := authStatePath(cfg)
			if err := os.MkdirAll(filepath.Dir(statePath), 0o755); err != nil {
				return fmt.Errorf("creating auth state directory: %w", err)
			}

			if err := os.WriteFile(statePath, []byte(oauthState), 0o600); err != nil {
				return fmt.Errorf("writing auth state: %w", err)
			}

			fmt.Println(authURL)

			return nil
		},
	}

	cmd.Flags().StringVar(&redirectURI, "redirect-uri", "", "OAuth redirect URI registered with the app")
	_ = cmd.MarkFlagRequired("redirect-uri")

	return cmd
}

func newAuthExchangeCmd() *cobra.Command {
	var (
		code       string
		oauthState string
	)

	cmd := &cobra.Command{
		Use:   "exchange",
		Short: "Exchange an authorization code for user tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, auth, err := newAuthenticator()
			if err != nil {
				return err
			}

			statePath := authStatePath(cfg)

			saved, err := os.ReadFile(statePath)
			if err != nil {
				return fmt.Errorf("reading auth state (run `auth url` first): %w", err)
			}

			if strings.TrimSpace(string(saved)) != oauthState {
				return fmt.Errorf("auth state mismatch; restart the flow with `auth url`")
			}

			tok, err := auth.ExchangeCode(cmd.Context(), code)
			if err != nil {
				return err
			}

			// The state value is one-shot.
			if err := os.Remove(statePath); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: removing auth state failed: %v\n", err)
			}

			fmt.Printf("Authorized. Access token valid for %ds, saved to %s\n",
				tok.ExpiresIn, cfg.Auth.UserTokenFile)

			return nil
		},
	}

	cmd.Flags().StringVar(&code, "code", "", "authorization code from the redirect")
	cmd.Flags().StringVar(&oauthState, "state", "", "state value from the redirect")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("state")

	return cmd
}

func newAuthRefreshCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the stored user token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, auth, err := newAuthenticator()
			if err != nil {
				return err
			}

			tok, err := auth.RefreshUserToken(cmd.Context(), force)
			if err != nil {
				return err
			}

			fmt.Printf("Token refreshed. Access token valid for %ds, saved to %s\n",
				tok.ExpiresIn, cfg.Auth.UserTokenFile)

			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "refresh even if the current token is still valid")

	return cmd
}
