// Package sdnotify reports service state to systemd. Every call is a no-op
// when the process was not started by systemd.
package sdnotify

import (
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "pewcast/pkg/logx"
)

type Notifier struct {
	log      logx.Logger
	interval time.Duration
	last     atomic.Int64
	notify   func(state string) (bool, error)
}

// New reads the watchdog interval from the environment.
func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{
		log: log.With(logx.String("comp", "sdnotify")),
		notify: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
	}
	if d, err := daemon.SdWatchdogEnabled(false); err == nil && d > 0 {
		n.interval = d
	}
	return n
}

func (n *Notifier) send(state string) {
	ok, err := n.notify(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if ok {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (n *Notifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Watchdog pings at most twice per watchdog interval. Callers invoke it
// after each healthy poll.
func (n *Notifier) Watchdog() {
	if n.interval <= 0 {
		return
	}
	now := time.Now().UnixNano()
	last := n.last.Load()
	if last != 0 && time.Duration(now-last) < n.interval/2 {
		return
	}
	if n.last.CompareAndSwap(last, now) {
		n.send(daemon.SdNotifyWatchdog)
	}
}

// WatchdogInterval is zero when the watchdog is off.
func (n *Notifier) WatchdogInterval() time.Duration { return n.interval }
