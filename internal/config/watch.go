package config

import (
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	logx "pewcast/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond

	rewatchMin = 250 * time.Millisecond
	rewatchMax = 5 * time.Second
)

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

var errWatcherClosed = errors.New("watcher channels closed")

// Watch keeps the config in step with the file until ctx is done. The
// parent directory is watched so editors that save by rename are seen.
// Bursts of events collapse into one reload after reloadDebounce. A
// watcher that fails is recreated with jittered exponential backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	log := m.log.With(logx.String("dir", dir))
	jitter := rand.New(rand.NewSource(time.Now().UnixNano()))
	delay := rewatchMin

	for {
		started, err := m.watchDir(ctx, dir)
		if ctx.Err() != nil {
			return nil
		}
		if started {
			delay = rewatchMin
		}
		wait := delay + time.Duration(jitter.Int63n(int64(delay/2)+1))
		delay = min(2*delay, rewatchMax)
		log.Warn("config watcher down; retrying", logx.Err(err), logx.Duration("in", wait))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// watchDir runs one watcher until it breaks or ctx ends. started reports
// whether the watcher was registered at all.
func (m *ConfigManager) watchDir(ctx context.Context, dir string) (started bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, errors.Wrap(err, "new watcher")
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return false, errors.Wrapf(err, "watch %s", dir)
	}

	name := filepath.Base(m.path)
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	// pending is nil until an event arms the debounce timer.
	var (
		debounce *time.Timer
		pending  <-chan time.Time
	)
	arm := func() {
		if debounce == nil {
			debounce = time.NewTimer(reloadDebounce)
		} else {
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(reloadDebounce)
		}
		pending = debounce.C
	}
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case <-pending:
			pending = nil
			m.refresh(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return true, errWatcherClosed
			}
			if ev.Op&relevantOps != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				arm()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, errWatcherClosed
			}
			if errors.Is(werr, fsnotify.ErrEventOverflow) {
				// Events were lost; the file may have changed.
				arm()
				continue
			}
			m.log.Warn("config watch error", logx.Err(werr))
		}
	}
}
