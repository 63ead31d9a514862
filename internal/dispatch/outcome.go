package dispatch

import (
	"time"

	"pewcast/internal/job"
	"pewcast/internal/transport"
)

type targetState uint8

const (
	stateDone targetState = iota
	// stateAbandoned: not sent (or outcome unknown) because of shutdown.
	stateAbandoned
	// stateUnrecorded: the ledger could not be read or written.
	stateUnrecorded
)

type targetResult struct {
	chatID   int64
	state    targetState
	status   job.DeliveryStatus
	attempts int
	replayed bool
	err      error
}

// Outcome aggregates one execution.
type Outcome struct {
	Status job.Status `json:"status"`

	Targets    int `json:"targets"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Replayed   int `json:"replayed"` // targets skipped because the ledger already had them
	Abandoned  int `json:"abandoned"`
	Unrecorded int `json:"unrecorded"`

	// FirstError is the first per-target failure, for the job's last_error.
	FirstError string `json:"first_error,omitempty"`
	// Failures lists targets whose recorded status is not sent.
	Failures []int64 `json:"failures,omitempty"`
}

// Complete reports whether every target reached a recorded terminal state.
// An incomplete execution must be replayed under the same execution id.
func (o Outcome) Complete() bool { return o.Abandoned == 0 && o.Unrecorded == 0 }

// Skipped counts targets this run did not deliver to itself.
func (o Outcome) Skipped() int { return o.Replayed + o.Abandoned + o.Unrecorded }

func (o *Outcome) add(r targetResult) {
	switch r.state {
	case stateAbandoned:
		o.Abandoned++
		return
	case stateUnrecorded:
		o.Unrecorded++
		if o.FirstError == "" && r.err != nil {
			o.FirstError = r.err.Error()
		}
		return
	}
	if r.replayed {
		o.Replayed++
	}
	if r.status == job.DeliverySent {
		o.Sent++
		return
	}
	o.Failed++
	o.Failures = append(o.Failures, r.chatID)
	if o.FirstError == "" && r.err != nil {
		o.FirstError = r.err.Error()
	}
}

// aggregate: sent if any target succeeded, error if at least one was
// attempted and none succeeded, no_targets if nothing was resolved.
func aggregate(o Outcome) job.Status {
	switch {
	case o.Targets == 0:
		return job.StatusNoTargets
	case o.Sent > 0:
		return job.StatusSent
	default:
		return job.StatusError
	}
}

// backoff returns the delay before retry number attempt+1: RetryBase
// doubled per attempt, capped at RetryMaxDelay, spread by RetryJitter. A
// transport retry-after hint is honored in full; jitter only lengthens it.
func (d *Dispatcher) backoff(cfg Config, attempt int, err error) time.Duration {
	d.rngMu.Lock()
	u := d.rng.Float64()
	d.rngMu.Unlock()

	if hint, ok := transport.RetryAfterOf(err); ok {
		return hint + time.Duration(float64(hint)*cfg.RetryJitter*u)
	}

	delay := cfg.RetryBase
	for i := 1; i < attempt && delay < cfg.RetryMaxDelay; i++ {
		delay *= 2
	}
	delay = min(delay, cfg.RetryMaxDelay)
	delay = time.Duration(float64(delay) * (1 + (2*u-1)*cfg.RetryJitter))
	return min(max(delay, 0), cfg.RetryMaxDelay)
}
