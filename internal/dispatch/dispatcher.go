// Package dispatch fans one job execution out to its targets.
//
// Each target is sent at most once per execution id: the delivery ledger is
// consulted before sending and written before the target is considered
// done. Per-target sends run concurrently under a limit and share one rate
// limiter so a large execution cannot trip the platform's flood control.
package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"pewcast/internal/job"
	"pewcast/internal/storage"
	"pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

type Config struct {
	// Concurrency bounds parallel sends within one execution.
	Concurrency     int
	MinSendInterval time.Duration
	MaxAttempts     int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	RetryJitter     float64
	// MaxRetryAfter bounds how long a platform-requested wait is honored.
	// A longer wait fails the target as transient without sleeping.
	MaxRetryAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MinSendInterval < 0 {
		c.MinSendInterval = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.MaxRetryAfter <= 0 {
		c.MaxRetryAfter = 5 * time.Minute
	}
	return c
}

// DefaultConfig matches the platform's documented group limits.
func DefaultConfig() Config {
	return Config{MinSendInterval: 350 * time.Millisecond}.withDefaults()
}

// UnreachableFunc is told about targets that failed with transport.Unreachable.
type UnreachableFunc func(ctx context.Context, chatID int64)

type Dispatcher struct {
	sender transport.Sender
	ledger storage.Ledger
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	rngMu sync.Mutex
	rng   *rand.Rand

	onUnreachable UnreachableFunc
	sleep         func(ctx context.Context, drain <-chan struct{}, d time.Duration) bool
}

type Option func(*Dispatcher)

// WithUnreachable registers a callback for permanently unreachable targets.
func WithUnreachable(fn UnreachableFunc) Option {
	return func(d *Dispatcher) { d.onUnreachable = fn }
}

func New(sender transport.Sender, ledger storage.Ledger, cfg Config, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		sender: sender,
		ledger: ledger,
		log:    log.With(logx.String("comp", "dispatch")),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  sleepOrDrain,
	}
	d.Apply(cfg)
	for _, o := range opts {
		o(d)
	}
	return d
}

// Apply swaps the retry and throttle settings. Executions already running
// keep the limiter they started with.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	var lim *rate.Limiter
	if cfg.MinSendInterval > 0 {
		lim = rate.NewLimiter(rate.Every(cfg.MinSendInterval), 1)
	}
	d.mu.Lock()
	d.cfg = cfg
	d.limiter = lim
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot() (Config, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.limiter
}

// Request describes one execution.
type Request struct {
	Job         *job.Job
	ExecutionID string
	Targets     []int64
	// Drain, when closed, stops new sends from starting. Sends already on
	// the wire complete under ctx.
	Drain <-chan struct{}
}

// Execute delivers req.Job to every target and aggregates the outcome.
func (d *Dispatcher) Execute(ctx context.Context, req Request) Outcome {
	out := Outcome{Targets: len(req.Targets)}
	if len(req.Targets) == 0 {
		out.Status = job.StatusNoTargets
		return out
	}

	cfg, lim := d.snapshot()
	content := job.Render(req.Job)
	log := d.log.With(logx.String("job", req.Job.ID), logx.String("exec", req.ExecutionID))

	results := make([]targetResult, len(req.Targets))
	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	for i, chatID := range req.Targets {
		i, chatID := i, chatID
		if drained(req.Drain) || ctx.Err() != nil {
			results[i] = targetResult{chatID: chatID, state: stateAbandoned}
			continue
		}
		g.Go(func() error {
			results[i] = d.deliver(ctx, cfg, lim, log, req, chatID, content)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		out.add(r)
	}
	out.Status = aggregate(out)
	return out
}

func (d *Dispatcher) deliver(ctx context.Context, cfg Config, lim *rate.Limiter, log logx.Logger, req Request, chatID int64, content transport.Content) targetResult {
	res := targetResult{chatID: chatID}
	jobID := req.Job.ID

	prev, ok, err := d.ledger.LookupDelivery(ctx, jobID, req.ExecutionID, chatID)
	if err != nil {
		log.Error("ledger lookup failed", logx.Int64("chat_id", chatID), logx.Err(err))
		res.state, res.err = stateUnrecorded, err
		return res
	}
	if ok {
		res.state, res.status, res.replayed = stateDone, prev.Status, true
		log.Debug("delivery already recorded", logx.Int64("chat_id", chatID), logx.String("status", string(prev.Status)))
		return res
	}

	var ref transport.MessageRef
	for attempt := 1; ; attempt++ {
		if drained(req.Drain) && attempt == 1 {
			res.state = stateAbandoned
			return res
		}
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				res.state = stateAbandoned
				return res
			}
		}
		res.attempts = attempt
		ref, err = d.sender.Send(ctx, chatID, content)
		if err == nil {
			res.status = job.DeliverySent
			break
		}
		if ctx.Err() != nil {
			// The send may or may not have landed; a replay decides.
			res.state, res.err = stateAbandoned, err
			return res
		}
		res.err = err
		if transport.IsPermanent(err) {
			res.status = job.DeliveryFailedPermanent
			break
		}
		if attempt >= cfg.MaxAttempts {
			res.status = job.DeliveryFailedTransient
			break
		}
		if wait, ok := transport.RetryAfterOf(err); ok && wait > cfg.MaxRetryAfter {
			log.Warn("flood wait too long; giving up on target", logx.Int64("chat_id", chatID), logx.Duration("retry_after", wait))
			res.status = job.DeliveryFailedTransient
			break
		}
		delay := d.backoff(cfg, attempt, err)
		log.Debug("send retry scheduled", logx.Int64("chat_id", chatID), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		if !d.sleep(ctx, req.Drain, delay) {
			res.state = stateAbandoned
			return res
		}
	}

	rec := job.Delivery{
		JobID:       jobID,
		ExecutionID: req.ExecutionID,
		TargetID:    chatID,
		Status:      res.status,
		Attempts:    res.attempts,
		MessageIDs:  ref.MessageIDs,
	}
	if res.err != nil {
		rec.Error = res.err.Error()
	}
	// Record even if ctx was cancelled after a successful send.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.ledger.RecordDelivery(wctx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			log.Warn("delivery recorded concurrently", logx.Int64("chat_id", chatID))
		} else {
			log.Error("ledger write failed", logx.Int64("chat_id", chatID), logx.String("status", string(res.status)), logx.Err(err))
			res.state, res.err = stateUnrecorded, err
			return res
		}
	}
	res.state = stateDone

	switch res.status {
	case job.DeliverySent:
		log.Debug("delivered", logx.Int64("chat_id", chatID), logx.Int("attempts", res.attempts))
	case job.DeliveryFailedPermanent:
		log.Warn("delivery failed permanently", logx.Int64("chat_id", chatID), logx.Err(res.err))
		if transport.IsUnreachable(res.err) && d.onUnreachable != nil {
			d.onUnreachable(wctx, chatID)
		}
	default:
		log.Warn("delivery failed after retries", logx.Int64("chat_id", chatID), logx.Int("attempts", res.attempts), logx.Err(res.err))
	}
	return res
}

func drained(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func sleepOrDrain(ctx context.Context, drain <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil && !drained(drain)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-drain:
		return false
	case <-t.C:
		return true
	}
}
