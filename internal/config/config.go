// Package config implements YAML configuration loading, validation, and
// local-root scope enforcement for larksync. The persisted document is a
// single YAML file; unrecognized keys are preserved across load/save
// round-trips so external tooling can annotate the file freely.
package config

// AuthConfig holds the Feishu application credentials and token storage.
type AuthConfig struct {
	AppID         string `yaml:"app_id"`
	AppSecret     string `yaml:"app_secret"`
	UserTokenFile string `yaml:"user_token_file"`
	TimeoutSec    int    `yaml:"timeout_sec"`
}

// Sync direction and strategy enums as stored in the config file.
const (
	DirectionRemoteWins    = "remote_wins"
	DirectionLocalWins     = "local_wins"
	DirectionBidirectional = "bidirectional"

	InitialLocalWins  = "local_wins"
	InitialRemoteWins = "remote_wins"
	InitialDryRun     = "dry_run"

	DeleteModeRecycleBin = "recycle_bin"
	DeleteModeHardDelete = "hard_delete"
)

// Scheduler interval bounds. A configured interval of 0 disables the
// scheduler; anything else is clamped into this range.
const (
	MinPollIntervalSec = 10
	MaxPollIntervalSec = 86400
)

// Webhook debounce bounds.
const (
	MinEventDebounceSec = 0
	MaxEventDebounceSec = 3600
)

// SyncConfig controls the reconciliation engine and its triggers.
type SyncConfig struct {
	LocalRoot         string `yaml:"local_root"`
	RemoteFolderToken string `yaml:"remote_folder_token"`
	PollIntervalSec   int    `yaml:"poll_interval_sec"`

	DefaultSyncDirection string `yaml:"default_sync_direction"`
	InitialSyncStrategy  string `yaml:"initial_sync_strategy"`

	RemoteRecycleBin string `yaml:"remote_recycle_bin"`
	LocalTrashDir    string `yaml:"local_trash_dir"`
	RemoteDeleteMode string `yaml:"remote_delete_mode"`

	CleanupEmptyRemoteDirs            bool `yaml:"cleanup_empty_remote_dirs"`
	CleanupRemoteMissingDirsRecursive bool `yaml:"cleanup_remote_missing_dirs_recursive"`

	ExcludeDirs        []string `yaml:"exclude_dirs"`
	ExcludeHiddenDirs  bool     `yaml:"exclude_hidden_dirs"`
	ExcludeHiddenFiles bool     `yaml:"exclude_hidden_files"`

	MaxRetry int `yaml:"max_retry"`

	EventCallbackEnabled    bool     `yaml:"event_callback_enabled"`
	EventVerifyToken        string   `yaml:"event_verify_token"`
	EventEncryptKey         string   `yaml:"event_encrypt_key"`
	EventDebounceSec        int      `yaml:"event_debounce_sec"`
	EventTriggerTypes       []string `yaml:"event_trigger_types"`
	EventLockWaitTimeoutSec int      `yaml:"event_lock_wait_timeout_sec"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DatabaseConfig locates the embedded state database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// WebConfig locates the webhook listener.
type WebConfig struct {
	BindHost string `yaml:"bind_host"`
	Port     int    `yaml:"port"`
}

// Config is the full persisted configuration document. Extra carries any
// top-level keys the schema does not recognize so they survive a save.
type Config struct {
	Auth     AuthConfig     `yaml:"auth"`
	Sync     SyncConfig     `yaml:"sync"`
	Logging  LoggingConfig  `yaml:"logging"`
	Database DatabaseConfig `yaml:"database"`
	Web      WebConfig      `yaml:"web"`

	Extra map[string]any `yaml:"-"`
}

// DefaultEventTriggerTypes lists the Drive event types that schedule a sync
// when no explicit list is configured.
var DefaultEventTriggerTypes = []string{
	"drive.file.edit_v1",
	"drive.file.title_updated_v1",
	"drive.file.created_in_folder_v1",
	"drive.file.deleted_v1",
	"drive.file.trashed_v1",
	"drive.file.bitable_record_changed_v1",
	"drive.file.bitable_field_changed_v1",
}

// Default returns a Config populated with all default values.
func Default() *Config {
	return &Config{
		Auth: AuthConfig{
			TimeoutSec: 30,
		},
		Sync: SyncConfig{
			LocalRoot:            FixedLocalRoot,
			PollIntervalSec:      300,
			DefaultSyncDirection: DirectionRemoteWins,
			InitialSyncStrategy:  InitialLocalWins,
			RemoteRecycleBin:     "SyncRecycleBin",
			LocalTrashDir:        ".sync_trash",
			RemoteDeleteMode:     DeleteModeRecycleBin,
			ExcludeDirs: []string{
				".git", ".sync_trash", ".sync_quarantine", ".local_state",
			},
			MaxRetry:                5,
			EventDebounceSec:        15,
			EventTriggerTypes:       append([]string(nil), DefaultEventTriggerTypes...),
			EventLockWaitTimeoutSec: 120,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "runtime/service.log",
		},
		Database: DatabaseConfig{
			Path: "runtime/service.db",
		},
		Web: WebConfig{
			BindHost: "127.0.0.1",
			Port:     8765,
		},
	}
}

// EffectivePollInterval clamps the configured interval into the allowed
// range. Zero (disabled) passes through unchanged.
func (c *SyncConfig) EffectivePollInterval() int {
	if c.PollIntervalSec <= 0 {
		return 0
	}

	if c.PollIntervalSec < MinPollIntervalSec {
		return MinPollIntervalSec
	}

	if c.PollIntervalSec > MaxPollIntervalSec {
		return MaxPollIntervalSec
	}

	return c.PollIntervalSec
}

// EffectiveDebounce clamps the webhook debounce window.
func (c *SyncConfig) EffectiveDebounce() int {
	if c.EventDebounceSec < MinEventDebounceSec {
		return MinEventDebounceSec
	}

	if c.EventDebounceSec > MaxEventDebounceSec {
		return MaxEventDebounceSec
	}

	return c.EventDebounceSec
}

// TriggerTypes returns the configured event-type patterns, falling back to
// the defaults when the list is empty.
func (c *SyncConfig) TriggerTypes() []string {
	out := make([]string, 0, len(c.EventTriggerTypes))

	for _, t := range c.EventTriggerTypes {
		if t != "" {
			out = append(out, t)
		}
	}

	if len(out) == 0 {
		return append([]string(nil), DefaultEventTriggerTypes...)
	}

	return out
}
