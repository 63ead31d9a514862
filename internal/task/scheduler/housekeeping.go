package scheduler

import (
	"context"
	"time"

	humanize "github.com/dustin/go-humanize"

	logx "pewcast/pkg/logx"
)

// Housekeep prunes deliveries and finished executions older than the
// retention window.
func (s *Service) Housekeep(ctx context.Context) (int64, error) {
	cfg := s.config()
	if cfg.Retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-cfg.Retention)
	start := time.Now()
	n, err := s.store.Prune(ctx, cutoff)
	if err != nil {
		s.log.Error("housekeeping failed", logx.Err(err))
		return 0, err
	}
	s.log.Info("housekeeping pruned history",
		logx.Int64("rows", n),
		logx.String("older_than", humanize.Time(cutoff)),
		logx.Duration("took", time.Since(start)),
	)
	return n, nil
}
