package storage

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	logx "pewcast/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	switch driver {
	case "", "none":
		return nil, ErrDisabled
	case "memory":
		return NewMemory(cfg.Now), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}
