package targets

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"pewcast/internal/job"
	"pewcast/internal/storage"
	"pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

// Registry records chats from transport updates. Private chats are ignored.
type Registry struct {
	store storage.TargetStore
	log   logx.Logger
	now   func() time.Time
}

func NewRegistry(store storage.TargetStore, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{store: store, log: log.With(logx.String("comp", "targets")), now: time.Now}
}

// Run consumes updates until ctx is done or in is closed.
func (r *Registry) Run(ctx context.Context, in <-chan transport.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-in:
			if !ok {
				return nil
			}
			if err := r.Apply(ctx, u); err != nil {
				r.log.Warn("target update failed", logx.Int64("chat_id", u.Chat.ID), logx.Err(err))
			}
		}
	}
}

// Apply folds one update into the registry.
func (r *Registry) Apply(ctx context.Context, u transport.Update) error {
	if u.Chat.ID == 0 || u.Chat.Type == "private" {
		return nil
	}
	at := u.At
	if at.IsZero() {
		at = r.now()
	}
	t := job.Target{ChatID: u.Chat.ID, Title: u.Chat.Title, Type: u.Chat.Type, LastSeenAt: at.UTC()}
	switch u.Kind {
	case transport.UpdateMembership:
		t.Active = u.Active
		if !u.Active {
			r.log.Info("target left", logx.Int64("chat_id", u.Chat.ID), logx.String("title", u.Chat.Title))
		}
	case transport.UpdateActivity:
		// Seeing traffic in a group means the bot is still a member.
		t.Active = true
	default:
		return nil
	}
	return r.store.UpsertTarget(ctx, t)
}

// Deactivate marks a chat unreachable after a permanent delivery failure.
// Unknown chats are not an error.
func (r *Registry) Deactivate(ctx context.Context, chatID int64) error {
	err := r.store.SetTargetActive(ctx, chatID, false)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err == nil {
		r.log.Info("target deactivated", logx.Int64("chat_id", chatID))
	}
	return err
}
