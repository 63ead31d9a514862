package config

import (
	"slices"
	"sort"
	"strings"

	logx "pewcast/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Tokens are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)
	trim := strings.TrimSpace

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if trim(ot.Token) != trim(nt.Token) ||
		trim(ot.PollTimeout) != trim(nt.PollTimeout) ||
		ot.OpsChatID != nt.OpsChatID ||
		!slices.Equal(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", trim(ot.Token) != trim(nt.Token)),
			logx.String("telegram.poll_timeout", trim(nt.PollTimeout)),
			logx.Bool("telegram.ops_chat_set", nt.OpsChatID != 0),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", trim(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", trim(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", trim(newCfg.Storage.BusyTimeout)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		sc := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", sc.Enabled),
			logx.String("scheduler.poll_interval", trim(sc.PollInterval)),
			logx.Int("scheduler.batch_size", sc.BatchSize),
			logx.String("scheduler.lease", trim(sc.Lease)),
			logx.String("scheduler.default_timezone", trim(sc.DefaultTimezone)),
			logx.String("scheduler.retention", trim(sc.Retention)),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		dc := newCfg.Dispatch
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", dc.Workers),
			logx.Int("dispatch.queue_size", dc.QueueSize),
			logx.Int("dispatch.concurrency", dc.Concurrency),
			logx.String("dispatch.min_send_interval", trim(dc.MinSendInterval)),
			logx.Int("dispatch.max_attempts", dc.MaxAttempts),
		)
	}

	oa, na := oldCfg.API, newCfg.API
	if oa.Enabled != na.Enabled || trim(oa.Addr) != trim(na.Addr) || trim(oa.Token) != trim(na.Token) {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", na.Enabled),
			logx.String("api.addr", trim(na.Addr)),
			logx.Bool("api.token_set", trim(na.Token) != ""),
		)
	}

	on, nn := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if (oldCfg.Notifier == nil) != (newCfg.Notifier == nil) || on != nn {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.present", newCfg.Notifier != nil),
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.Bool("notifier.only_failures", nn.OnlyFailures),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

// RequiresRestart lists the changed settings that only take effect on the
// next start.
func RequiresRestart(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	trim := strings.TrimSpace
	var out []string
	if trim(oldCfg.Telegram.Token) != trim(newCfg.Telegram.Token) {
		out = append(out, "telegram.token")
	}
	if trim(oldCfg.Telegram.PollTimeout) != trim(newCfg.Telegram.PollTimeout) {
		out = append(out, "telegram.poll_timeout")
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	if oldCfg.API != newCfg.API {
		out = append(out, "api")
	}
	if oldCfg.Dispatch.Workers != newCfg.Dispatch.Workers || oldCfg.Dispatch.QueueSize != newCfg.Dispatch.QueueSize {
		out = append(out, "dispatch.workers/queue_size")
	}
	return out
}
