package config

// Config is the on-disk configuration. JSON, YAML and TOML files share these
// field names; all durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	API       APIConfig       `json:"api"`

	// Notifier may be omitted; reports are then sent to telegram.ops_chat_id
	// when that is set.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is the long-poll timeout for updates.
	PollTimeout string `json:"poll_timeout,omitempty"`
	// OpsChatID receives operator reports and mirrored warnings.
	OpsChatID int64 `json:"ops_chat_id,omitempty"`
	// OwnerUserIDs may use the ops commands.
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the job store.
//
//	"storage": { "driver": "sqlite", "path": "./pewcast.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls polling, claiming and housekeeping.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "5s"
//   - batch_size: 25
//   - lease: "10m"
//   - shutdown_grace: "15s"
//   - default_timezone: "America/Los_Angeles"
//   - max_store_failures: 0 (never fatal)
//   - retention: "720h"
//   - housekeeping: "@daily"
type SchedulerConfig struct {
	Enabled          bool   `json:"enabled"`
	PollInterval     string `json:"poll_interval,omitempty"`
	BatchSize        int    `json:"batch_size,omitempty"`
	Lease            string `json:"lease,omitempty"`
	ShutdownGrace    string `json:"shutdown_grace,omitempty"`
	DefaultTimezone  string `json:"default_timezone,omitempty"`
	MaxStoreFailures int    `json:"max_store_failures,omitempty"`
	Retention        string `json:"retention,omitempty"`
	Housekeeping     string `json:"housekeeping,omitempty"`
}

// DispatchConfig sizes the execution pool and the per-execution fan-out.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 64
//   - concurrency: 4
//   - min_send_interval: "350ms"
//   - max_attempts: 3
//   - retry_base: "500ms"
//   - retry_max_delay: "15s"
//   - max_retry_after: "5m" (longer flood waits fail the target at once)
//   - max_queue_delay: "0s" (disabled)
type DispatchConfig struct {
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	Concurrency     int    `json:"concurrency,omitempty"`
	MinSendInterval string `json:"min_send_interval,omitempty"`
	MaxAttempts     int    `json:"max_attempts,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	MaxRetryAfter   string `json:"max_retry_after,omitempty"`
	MaxQueueDelay   string `json:"max_queue_delay,omitempty"`
}

// APIConfig controls the HTTP control API.
//
// Prefer binding to localhost. A non-loopback addr requires a token.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8087"
	Token   string `json:"token,omitempty"` // bearer token (do not log)
	// Pprof mounts net/http/pprof under /debug.
	Pprof bool `json:"pprof,omitempty"`
}

// NotifierConfig controls operator execution reports.
type NotifierConfig struct {
	Enabled      bool   `json:"enabled"`
	ChatID       int64  `json:"chat_id,omitempty"` // default: telegram.ops_chat_id
	ThreadID     int    `json:"thread_id,omitempty"`
	OnlyFailures bool   `json:"only_failures,omitempty"`
	RatePerSec   int    `json:"rate_per_sec,omitempty"`
	RetryMax     int    `json:"retry_max,omitempty"`
	DedupWindow  string `json:"dedup_window,omitempty"`
}
