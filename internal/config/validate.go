package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Validate checks the configuration for values the engine cannot operate
// with. It returns the first problem found.
func (c *Config) Validate() error {
	if c.Sync.LocalRoot == "" {
		return fmt.Errorf("sync.local_root must be set")
	}

	if !filepath.IsAbs(c.Sync.LocalRoot) {
		return fmt.Errorf("sync.local_root must be an absolute path, got %q", c.Sync.LocalRoot)
	}

	switch c.Sync.DefaultSyncDirection {
	case DirectionRemoteWins, DirectionLocalWins, DirectionBidirectional:
	default:
		return fmt.Errorf("sync.default_sync_direction must be one of remote_wins, local_wins, bidirectional; got %q",
			c.Sync.DefaultSyncDirection)
	}

	switch c.Sync.InitialSyncStrategy {
	case InitialLocalWins, InitialRemoteWins, InitialDryRun:
	default:
		return fmt.Errorf("sync.initial_sync_strategy must be one of local_wins, remote_wins, dry_run; got %q",
			c.Sync.InitialSyncStrategy)
	}

	switch c.Sync.RemoteDeleteMode {
	case DeleteModeRecycleBin, DeleteModeHardDelete:
	default:
		return fmt.Errorf("sync.remote_delete_mode must be recycle_bin or hard_delete; got %q",
			c.Sync.RemoteDeleteMode)
	}

	if c.Sync.MaxRetry < 0 {
		return fmt.Errorf("sync.max_retry must not be negative")
	}

	if c.Sync.LocalTrashDir == "" {
		return fmt.Errorf("sync.local_trash_dir must be set")
	}

	if strings.Contains(c.Sync.LocalTrashDir, "/") || strings.Contains(c.Sync.LocalTrashDir, "\\") {
		return fmt.Errorf("sync.local_trash_dir must be a single directory name, got %q", c.Sync.LocalTrashDir)
	}

	if c.Sync.EventDebounceSec < MinEventDebounceSec || c.Sync.EventDebounceSec > MaxEventDebounceSec {
		return fmt.Errorf("sync.event_debounce_sec must be in [%d, %d], got %d",
			MinEventDebounceSec, MaxEventDebounceSec, c.Sync.EventDebounceSec)
	}

	if c.Sync.EventCallbackEnabled && c.Sync.EventVerifyToken == "" {
		return fmt.Errorf("sync.event_verify_token must be set when sync.event_callback_enabled is true")
	}

	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be in [0, 65535], got %d", c.Web.Port)
	}

	if c.Auth.TimeoutSec <= 0 {
		return fmt.Errorf("auth.timeout_sec must be positive, got %d", c.Auth.TimeoutSec)
	}

	return nil
}
