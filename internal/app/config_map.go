package app

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"pewcast/internal/api"
	"pewcast/internal/config"
	"pewcast/internal/dispatch"
	"pewcast/internal/notifier"
	"pewcast/internal/storage"
	"pewcast/internal/task/engine"
	"pewcast/internal/task/scheduler"
	logx "pewcast/pkg/logx"
)

const (
	defaultRetention     = 720 * time.Hour
	defaultShutdownGrace = 15 * time.Second
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.OpsChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if driver != "memory" && path == "" {
		return storage.Config{}, errors.Newf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	poll, err := config.ParseDurationField("scheduler.poll_interval", sc.PollInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	lease, err := config.ParseDurationField("scheduler.lease", sc.Lease)
	if err != nil {
		return scheduler.Config{}, err
	}
	// An omitted retention keeps 30 days; "0s" disables pruning.
	retention := defaultRetention
	if strings.TrimSpace(sc.Retention) != "" {
		if retention, err = config.ParseDurationField("scheduler.retention", sc.Retention); err != nil {
			return scheduler.Config{}, err
		}
	}
	return scheduler.Config{
		Enabled:          sc.Enabled,
		PollInterval:     poll,
		BatchSize:        sc.BatchSize,
		Lease:            lease,
		DefaultTimezone:  strings.TrimSpace(sc.DefaultTimezone),
		MaxStoreFailures: sc.MaxStoreFailures,
		Retention:        retention,
		Housekeeping:     strings.TrimSpace(sc.Housekeeping),
	}, nil
}

func mapShutdownGrace(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("scheduler.shutdown_grace", cfg.Scheduler.ShutdownGrace, defaultShutdownGrace)
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	dc := cfg.Dispatch
	delay, err := config.ParseDurationField("dispatch.max_queue_delay", dc.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:       dc.Workers,
		QueueSize:     dc.QueueSize,
		MaxQueueDelay: delay,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	def := dispatch.DefaultConfig()
	interval, err := config.ParseDurationOrDefault("dispatch.min_send_interval", dc.MinSendInterval, def.MinSendInterval)
	if err != nil {
		return dispatch.Config{}, err
	}
	base, err := config.ParseDurationOrDefault("dispatch.retry_base", dc.RetryBase, def.RetryBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("dispatch.retry_max_delay", dc.RetryMaxDelay, def.RetryMaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	maxWait, err := config.ParseDurationOrDefault("dispatch.max_retry_after", dc.MaxRetryAfter, def.MaxRetryAfter)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Concurrency:     dc.Concurrency,
		MinSendInterval: interval,
		MaxAttempts:     dc.MaxAttempts,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		MaxRetryAfter:   maxWait,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg.Notifier == nil {
		// Reports follow the ops chat when the section is omitted.
		return notifier.Config{Enabled: cfg.Telegram.OpsChatID != 0, ChatID: cfg.Telegram.OpsChatID}, nil
	}
	nc := *cfg.Notifier
	dedup, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	chat := nc.ChatID
	if chat == 0 {
		chat = cfg.Telegram.OpsChatID
	}
	return notifier.Config{
		Enabled:      nc.Enabled,
		ChatID:       chat,
		ThreadID:     nc.ThreadID,
		OnlyFailures: nc.OnlyFailures,
		RatePerSec:   float64(nc.RatePerSec),
		RetryMax:     nc.RetryMax,
		DedupWindow:  dedup,
	}, nil
}

func mapAPIConfig(cfg *config.Config) api.Config {
	return api.Config{
		Enabled:     cfg.API.Enabled,
		Addr:        strings.TrimSpace(cfg.API.Addr),
		Token:       strings.TrimSpace(cfg.API.Token),
		Pprof:       cfg.API.Pprof,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 2 * time.Minute,
	}
}
