// Package targets resolves a job's destinations and keeps the registry of
// chats the bot can post to.
package targets

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"

	"pewcast/internal/job"
)

// Lister reads the target registry.
type Lister interface {
	ListTargets(ctx context.Context, activeOnly bool) ([]job.Target, error)
}

type Resolver struct {
	store Lister
}

func NewResolver(store Lister) *Resolver { return &Resolver{store: store} }

// Resolve returns the destinations of j. Mode all reads every active target;
// explicit ids are used as configured, without a liveness filter, since a
// chat may have become reachable after the registry last heard from it.
func (r *Resolver) Resolve(ctx context.Context, j *job.Job) ([]int64, error) {
	switch j.TargetsMode {
	case job.TargetsExplicit:
		ids := slices.Clone(j.TargetIDs)
		slices.Sort(ids)
		return slices.Compact(ids), nil
	case job.TargetsAll:
		ts, err := r.store.ListTargets(ctx, true)
		if err != nil {
			return nil, errors.Wrap(err, "resolve targets")
		}
		ids := make([]int64, 0, len(ts))
		for _, t := range ts {
			ids = append(ids, t.ChatID)
		}
		slices.Sort(ids)
		return slices.Compact(ids), nil
	default:
		return nil, errors.Newf("job %s: unknown targets mode %q", j.ID, j.TargetsMode)
	}
}
