package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/larksync/larksync/internal/config"
	"github.com/larksync/larksync/internal/state"
)

// Options carries the per-deployment knobs the engine needs. Built from the
// loaded configuration by the caller.
type Options struct {
	LocalRoot       string
	RemoteRootToken string

	Direction       string
	InitialStrategy string

	RecycleBinName   string
	LocalTrashDir    string
	RemoteDeleteMode string

	ExcludeDirs        []string
	ExcludeHiddenDirs  bool
	ExcludeHiddenFiles bool

	MaxRetry int

	CleanupEmptyRemoteDirs            bool
	CleanupRemoteMissingDirsRecursive bool

	ScopeWarning *config.ScopeWarning
}

// EngineOptions derives engine Options from a validated configuration.
func EngineOptions(cfg *config.Config, warn *config.ScopeWarning) Options {
	return Options{
		LocalRoot:                         cfg.Sync.LocalRoot,
		RemoteRootToken:                   cfg.Sync.RemoteFolderToken,
		Direction:                         cfg.Sync.DefaultSyncDirection,
		InitialStrategy:                   cfg.Sync.InitialSyncStrategy,
		RecycleBinName:                    cfg.Sync.RemoteRecycleBin,
		LocalTrashDir:                     cfg.Sync.LocalTrashDir,
		RemoteDeleteMode:                  cfg.Sync.RemoteDeleteMode,
		ExcludeDirs:                       cfg.Sync.ExcludeDirs,
		ExcludeHiddenDirs:                 cfg.Sync.ExcludeHiddenDirs,
		ExcludeHiddenFiles:                cfg.Sync.ExcludeHiddenFiles,
		MaxRetry:                          cfg.Sync.MaxRetry,
		CleanupEmptyRemoteDirs:            cfg.Sync.CleanupEmptyRemoteDirs,
		CleanupRemoteMissingDirsRecursive: cfg.Sync.CleanupRemoteMissingDirsRecursive,
		ScopeWarning:                      warn,
	}
}

// Engine executes reconciliation runs. It is not safe for concurrent runs;
// the trigger layer serializes access through the run lock.
type Engine struct {
	opts    Options
	store   *state.Store
	drv     Drive
	history *History
	logger  *slog.Logger
	now     func() time.Time

	// Per-run caches, reset at the start of each run.
	folderCache map[string]string            // relative dir -> folder token
	childCache  map[string]map[string]string // folder token -> child name -> token
}

// NewEngine creates an Engine. history and logger may be nil.
func NewEngine(opts Options, store *state.Store, drv Drive, history *History, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 5
	}

	return &Engine{
		opts:    opts,
		store:   store,
		drv:     drv,
		history: history,
		logger:  logger,
		now:     time.Now,
	}
}

// Run executes one full reconciliation pass. runType labels the trigger
// ("manual", "scheduler", "webhook") in the run history. The returned
// summary is always non-nil; a fatal failure is reported inside it rather
// than as an error so triggers can publish partial progress.
func (e *Engine) Run(ctx context.Context, runType string) *Summary {
	e.folderCache = map[string]string{}
	e.childCache = map[string]map[string]string{}

	started := e.now()

	runID, err := e.store.InsertSyncRun(ctx, runType, started)
	if err != nil {
		// Without a run row there is nothing durable to attach to; report
		// and bail.
		e.logger.Error("recording run start failed", slog.String("error", err.Error()))

		return &Summary{
			RunType:    runType,
			LocalRoot:  e.opts.LocalRoot,
			Errors:     1,
			FatalError: err.Error(),
		}
	}

	summary := &Summary{
		RunID:        runID,
		RunType:      runType,
		LocalRoot:    e.opts.LocalRoot,
		ScopeWarning: e.opts.ScopeWarning,
		StartedAt:    started.UTC().Format(time.RFC3339),
	}

	if err := e.runPhases(ctx, summary); err != nil {
		summary.Errors++
		summary.FatalError = err.Error()
	}

	e.finish(ctx, summary)

	return summary
}

// runPhases performs the phase sequence; a returned error is fatal for the
// run (per-item failures are counted and retried instead).
func (e *Engine) runPhases(ctx context.Context, summary *Summary) error {
	rootToken := e.opts.RemoteRootToken

	if rootToken == "" {
		var err error

		rootToken, err = e.drv.RootFolderToken(ctx)
		if err != nil {
			return fmt.Errorf("resolving remote root: %w", err)
		}
	}

	summary.RemoteRootToken = rootToken
	e.noteRootToken(ctx, rootToken)

	if err := os.MkdirAll(e.opts.LocalRoot, 0o755); err != nil {
		return fmt.Errorf("creating local root: %w", err)
	}

	if err := e.store.UpsertFolderMapping(ctx, "", rootToken); err != nil {
		return err
	}

	// Retries drain before the snapshots are taken so their effects are
	// visible to every later phase.
	e.processDueRetries(ctx, rootToken, summary)

	scanner := &Scanner{
		Root:               e.opts.LocalRoot,
		ExcludeDirs:        e.opts.ExcludeDirs,
		ExcludeHiddenDirs:  e.opts.ExcludeHiddenDirs,
		ExcludeHiddenFiles: e.opts.ExcludeHiddenFiles,
		Logger:             e.logger,
	}

	localDirs, err := scanner.ScanDirs()
	if err != nil {
		return err
	}

	localFiles, skipped, err := scanner.ScanFiles()
	if err != nil {
		return err
	}

	// Unreadable local files are skipped, not fatal; they surface in the
	// error counter only.
	summary.Errors += skipped

	summary.LocalTotal = len(localFiles)

	remoteFiles, _, err := e.listRemoteTree(ctx, rootToken)
	if err != nil {
		return err
	}

	summary.RemoteTotal = len(remoteFiles)

	// Same-name siblings break path-based sync; collapse them before
	// anything else looks at paths.
	if err := e.dedupRemoteSameName(ctx, rootToken); err != nil {
		summary.Errors++
		e.logger.Warn("remote dedup failed", slog.String("error", err.Error()))
	} else {
		remoteFiles, _, err = e.listRemoteTree(ctx, rootToken)
		if err != nil {
			return err
		}

		summary.RemoteTotal = len(remoteFiles)
	}

	for _, relDir := range localDirs {
		if _, err := e.ensureRemoteFolder(ctx, rootToken, relDir); err != nil {
			summary.Errors++
			e.logger.Error("ensuring remote folder failed",
				slog.String("dir", relDir),
				slog.String("error", err.Error()),
			)
		}
	}

	// Initial-sync guard: with no mappings at all there is no basis for
	// deciding deletions, so one side is declared the source of truth.
	total, err := e.store.TotalFileMappings(ctx)
	if err != nil {
		return err
	}

	initialDryRun := false

	if total == 0 {
		switch e.opts.InitialStrategy {
		case config.InitialLocalWins:
			remoteFiles = nil
			summary.RemoteTotal = 0
		case config.InitialRemoteWins:
			localFiles = map[string]LocalFile{}
			summary.LocalTotal = 0
		case config.InitialDryRun:
			initialDryRun = true
		}
	}

	if err := e.detectRenames(ctx, localFiles, remoteFiles, summary); err != nil {
		return err
	}

	remoteFiles, err = e.reconcileMappings(ctx, rootToken, localFiles, remoteFiles, initialDryRun, summary)
	if err != nil {
		return err
	}

	handled, err := e.discoverNewLocal(ctx, rootToken, localFiles, remoteFiles, summary)
	if err != nil {
		return err
	}

	if err := e.discoverNewRemote(ctx, localFiles, remoteFiles, handled, summary); err != nil {
		return err
	}

	if e.opts.CleanupEmptyRemoteDirs || e.opts.CleanupRemoteMissingDirsRecursive {
		e.cleanupRemoteDirs(ctx, rootToken, localDirs, summary)
	}

	return nil
}

// rootTokenSetting is the settings key remembering which remote root the
// mappings were built against.
const rootTokenSetting = "remote_root_token"

// noteRootToken records the resolved remote root and warns when it differs
// from the one previous runs synced against; the stored mappings carry tokens
// from the old tree and a silent switch would misread them all as deletions.
func (e *Engine) noteRootToken(ctx context.Context, rootToken string) {
	prev, err := e.store.GetSetting(ctx, rootTokenSetting)
	if err != nil {
		e.logger.Error("reading stored root token failed", slog.String("error", err.Error()))
		return
	}

	if prev == rootToken {
		return
	}

	if prev != "" {
		e.logger.Warn("remote root changed since last run",
			slog.String("previous", prev),
			slog.String("current", rootToken),
		)
	}

	if err := e.store.SetSetting(ctx, rootTokenSetting, rootToken); err != nil {
		e.logger.Error("storing root token failed", slog.String("error", err.Error()))
	}
}

// finish records the run outcome in the sync_runs table and the history
// files.
func (e *Engine) finish(ctx context.Context, summary *Summary) {
	summary.FinishedAt = e.now().UTC().Format(time.RFC3339)

	status := state.RunSuccess

	switch {
	case summary.FatalError != "":
		status = state.RunFailed
	case summary.Errors > 0:
		status = state.RunWarning
	}

	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		summaryJSON = []byte("{}")
	}

	if err := e.store.FinishSyncRun(ctx, summary.RunID, status, e.now(), string(summaryJSON)); err != nil {
		e.logger.Error("recording run finish failed", slog.String("error", err.Error()))
	}

	if e.history != nil {
		if err := e.history.Record(summary); err != nil {
			e.logger.Error("writing run history failed", slog.String("error", err.Error()))
		}
	}

	level := slog.LevelInfo
	if status == state.RunFailed {
		level = slog.LevelError
	}

	e.logger.Log(ctx, level, "run finished",
		slog.Int64("run_id", summary.RunID),
		slog.String("status", status),
		slog.Int("uploaded", summary.Uploaded),
		slog.Int("downloaded", summary.Downloaded),
		slog.Int("renamed", summary.Renamed),
		slog.Int("conflicts", summary.Conflicts),
		slog.Int("errors", summary.Errors),
	)
}

// DryRun scans the local side only and reports what a run would see, with
// all remote counters at zero. No remote call, no state mutation.
func (e *Engine) DryRun(ctx context.Context) (*Summary, error) {
	scanner := &Scanner{
		Root:               e.opts.LocalRoot,
		ExcludeDirs:        e.opts.ExcludeDirs,
		ExcludeHiddenDirs:  e.opts.ExcludeHiddenDirs,
		ExcludeHiddenFiles: e.opts.ExcludeHiddenFiles,
		Logger:             e.logger,
	}

	localFiles, skipped, err := scanner.ScanFiles()
	if err != nil {
		return nil, err
	}

	return &Summary{
		RunType:      "manual",
		LocalRoot:    e.opts.LocalRoot,
		LocalTotal:   len(localFiles),
		Errors:       skipped,
		Note:         "dry_run_skips_remote_operations",
		ScopeWarning: e.opts.ScopeWarning,
	}, nil
}
