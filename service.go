package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/larksync/larksync/internal/config"
	"github.com/larksync/larksync/internal/drive"
	"github.com/larksync/larksync/internal/state"
	filesync "github.com/larksync/larksync/internal/sync"
	"github.com/larksync/larksync/internal/trigger"
)

// defaultHTTPTimeout bounds each remote request when the configuration does
// not say otherwise.
const defaultHTTPTimeout = 30 * time.Second

// service is the assembled application: configuration, state store, drive
// client, engine, and the run coordinator shared by every trigger.
type service struct {
	cfg    *config.Config
	warn   *config.ScopeWarning
	logger *slog.Logger

	store   *state.Store
	auth    *drive.Authenticator
	client  *drive.Client
	engine  *filesync.Engine
	history *filesync.History
	coord   *trigger.Coordinator
}

// newService loads the configuration and wires every component together.
func newService() (*service, error) {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	warn := cfg.EnforceScope()
	logger := buildLogger(cfg)

	if warn != nil {
		logger.Warn("configured local root is out of scope, using the fixed root",
			slog.String("requested", warn.RequestedLocalRoot),
			slog.String("applied", warn.AppliedLocalRoot),
		)
	}

	httpClient := &http.Client{Timeout: defaultHTTPTimeout}
	if cfg.Auth.TimeoutSec > 0 {
		httpClient.Timeout = time.Duration(cfg.Auth.TimeoutSec) * time.Second
	}

	auth := drive.NewAuthenticator(cfg.Auth.AppID, cfg.Auth.AppSecret, cfg.Auth.UserTokenFile, httpClient, logger)
	client := drive.NewClient(drive.BaseURL, httpClient, auth, logger)

	runtimeDir := filepath.Dir(cfg.Database.Path)
	if err := os.MkdirAll(runtimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating runtime directory: %w", err)
	}

	store, err := state.NewStore(cfg.Database.Path, logger)
	if err != nil {
		return nil, err
	}

	history := filesync.NewHistory(runtimeDir)
	engine := filesync.NewEngine(filesync.EngineOptions(cfg, warn), store, client, history, logger)

	return &service{
		cfg:     cfg,
		warn:    warn,
		logger:  logger,
		store:   store,
		auth:    auth,
		client:  client,
		engine:  engine,
		history: history,
		coord:   &trigger.Coordinator{},
	}, nil
}

func (s *service) Close() {
	if err := s.store.Close(); err != nil {
		s.logger.Error("closing state database failed", slog.String("error", err.Error()))
	}
}
