package config

import (
	"net"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"pewcast/internal/recurrence"
)

// ErrInvalid marks a config that failed Validate.
var ErrInvalid = errors.New("invalid config")

// Validate checks cfg without side effects. Every problem found is listed
// in the returned error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.Wrap(ErrInvalid, "config is nil")
	}
	var probs []string
	add := func(err error) {
		if err != nil {
			probs = append(probs, err.Error())
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		probs = append(probs, "telegram.token is required")
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	switch lv := strings.ToLower(strings.TrimSpace(cfg.Logging.Level)); lv {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		probs = append(probs, "logging.level: unknown level "+lv)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		probs = append(probs, "logging.file.path is required when logging.file.enabled")
	}
	if cfg.Logging.Telegram.Enabled && cfg.Telegram.OpsChatID == 0 {
		probs = append(probs, "logging.telegram requires telegram.ops_chat_id")
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			probs = append(probs, "storage.path is required when storage.driver=sqlite")
		}
	case "", "memory":
	default:
		probs = append(probs, "storage.driver: unknown driver "+d)
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	sc := cfg.Scheduler
	dur("scheduler.poll_interval", sc.PollInterval)
	dur("scheduler.lease", sc.Lease)
	dur("scheduler.shutdown_grace", sc.ShutdownGrace)
	dur("scheduler.retention", sc.Retention)
	if sc.BatchSize < 0 {
		probs = append(probs, "scheduler.batch_size must be >= 0")
	}
	if sc.MaxStoreFailures < 0 {
		probs = append(probs, "scheduler.max_store_failures must be >= 0")
	}
	if tz := strings.TrimSpace(sc.DefaultTimezone); tz != "" {
		if _, err := recurrence.LoadLocation(tz); err != nil {
			probs = append(probs, "scheduler.default_timezone: unknown zone "+tz)
		}
	}
	if hk := strings.TrimSpace(sc.Housekeeping); hk != "" {
		if _, err := cron.ParseStandard(hk); err != nil {
			add(errors.Wrapf(err, "scheduler.housekeeping %q", hk))
		}
	}

	dc := cfg.Dispatch
	dur("dispatch.min_send_interval", dc.MinSendInterval)
	dur("dispatch.retry_base", dc.RetryBase)
	dur("dispatch.retry_max_delay", dc.RetryMaxDelay)
	dur("dispatch.max_retry_after", dc.MaxRetryAfter)
	dur("dispatch.max_queue_delay", dc.MaxQueueDelay)
	if dc.Workers < 0 || dc.QueueSize < 0 || dc.Concurrency < 0 || dc.MaxAttempts < 0 {
		probs = append(probs, "dispatch: workers, queue_size, concurrency and max_attempts must be >= 0")
	}

	if cfg.API.Enabled {
		addr := strings.TrimSpace(cfg.API.Addr)
		if addr != "" && !isLoopback(addr) && strings.TrimSpace(cfg.API.Token) == "" {
			probs = append(probs, "api.token is required when api.addr is not loopback")
		}
	}

	if n := cfg.Notifier; n != nil {
		dur("notifier.dedup_window", n.DedupWindow)
		if n.Enabled && n.ChatID == 0 && cfg.Telegram.OpsChatID == 0 {
			probs = append(probs, "notifier.chat_id or telegram.ops_chat_id is required when notifier.enabled")
		}
	}

	if len(probs) == 0 {
		return nil
	}
	err := errors.Wrapf(ErrInvalid, "%d problem(s):\n  - %s", len(probs), strings.Join(probs, "\n  - "))
	return errors.WithHint(err, "run `pewcast check --config <file>` after editing")
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
