package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/claudette-home/internal/config"
	"github.com/loqalabs/claudette-home/internal/device"
	"github.com/loqalabs/claudette-home/internal/homestate"
	"github.com/loqalabs/claudette-home/internal/intent"
)

type Status string

const (
	StatusApplied Status = "applied"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped_stale_context"
)

// relative services change state based on the current state, so a retry after
// an ambiguous failure could apply them twice.
var relative = map[string]bool{
	"toggle":         true,
	"volume_up":      true,
	"volume_down":    true,
	"increase_speed": true,
	"decrease_speed": true,
}

// Retryable reports whether a failed call to service may be sent again.
func Retryable(service string) bool { return !relative[service] }

// Result is the outcome of one action.
type Result struct {
	Action   intent.Action
	Status   Status
	Err      error
	Attempts int
}

// Context is the part of the context store the dispatcher needs.
type Context interface {
	Fresh(now time.Time) (*homestate.Snapshot, error)
	Invalidate()
}

// Dispatcher executes validated actions on the device plane. Transient
// failures are retried with the same idempotency key; an applied key is
// remembered so redispatching it never reaches the plane again.
type Dispatcher struct {
	plane       device.Plane
	store       Context
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	concurrency int
	ttl         time.Duration
	log         *slog.Logger
	clock       func() time.Time

	mu      sync.Mutex
	applied map[string]appliedEntry
}

type appliedEntry struct {
	result Result
	at     time.Time
}

func New(plane device.Plane, store Context, cfg config.DispatchConfig, logger *slog.Logger) *Dispatcher {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Dispatcher{
		plane:       plane,
		store:       store,
		maxAttempts: attempts,
		backoff:     time.Duration(cfg.BackoffMS) * time.Millisecond,
		maxBackoff:  time.Duration(cfg.MaxBackoffMS) * time.Millisecond,
		concurrency: concurrency,
		ttl:         time.Duration(cfg.IdempotencyTTLMS) * time.Millisecond,
		log:         logger.With(slog.String("component", "dispatcher")),
		clock:       time.Now,
		applied:     make(map[string]appliedEntry),
	}
}

// Dispatch executes one action and reports its outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, action intent.Action) Result {
	if !action.Kind.Mutating() {
		return Result{Action: action, Status: StatusFailed, Err: fmt.Errorf("%w: kind %s is not dispatchable", intent.ErrActionRejected, action.Kind)}
	}
	if action.IdempotencyKey == "" {
		return Result{Action: action, Status: StatusFailed, Err: errors.New("action has no idempotency key")}
	}
	if prev, ok := d.recall(action.IdempotencyKey); ok {
		d.log.Debug("idempotency key already applied", slog.String("key", action.IdempotencyKey))
		return prev
	}
	if d.store != nil {
		if _, err := d.store.Fresh(d.clock()); err != nil {
			return Result{Action: action, Status: StatusSkipped, Err: err}
		}
	}

	call := device.Call{
		Domain:         action.Domain(),
		Service:        action.ServiceName(),
		EntityIDs:      action.EntityIDs,
		Data:           action.Params,
		IdempotencyKey: action.IdempotencyKey,
	}
	attempts := d.maxAttempts
	if !Retryable(call.Service) {
		attempts = 1
	}
	backoff := d.backoff
	var err error
	attempt := 0
	for attempt < attempts {
		attempt++
		err = d.plane.Call(ctx, call)
		if err == nil {
			res := Result{Action: action, Status: StatusApplied, Attempts: attempt}
			d.remember(action.IdempotencyKey, res)
			if d.store != nil {
				d.store.Invalidate()
			}
			return res
		}
		if !errors.Is(err, device.ErrTransient) || ctx.Err() != nil || attempt == attempts {
			break
		}
		d.log.Warn("transient dispatch failure, retrying",
			slog.String("key", action.IdempotencyKey),
			slog.String("service", action.Service),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		if backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				err = fmt.Errorf("%w (after %v)", ctx.Err(), err)
				return Result{Action: action, Status: StatusFailed, Err: err, Attempts: attempt}
			case <-timer.C:
			}
			backoff *= 2
			if d.maxBackoff > 0 && backoff > d.maxBackoff {
				backoff = d.maxBackoff
			}
		}
	}
	d.log.Warn("dispatch failed",
		slog.String("key", action.IdempotencyKey),
		slog.String("service", action.Service),
		slog.Int("attempts", attempt),
		slog.String("error", err.Error()))
	return Result{Action: action, Status: StatusFailed, Err: err, Attempts: attempt}
}

// DispatchAll runs actions concurrently. Results keep the input order and one
// failure never cancels its siblings. Each result is also recorded in progress
// as soon as it is known; progress may be nil.
func (d *Dispatcher) DispatchAll(ctx context.Context, actions []intent.Action, progress *Progress) []Result {
	if progress == nil {
		progress = NewProgress(actions)
	}
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, a := range actions {
		i, a := i, a
		g.Go(func() error {
			progress.set(i, d.Dispatch(ctx, a))
			return nil
		})
	}
	_ = g.Wait()
	return progress.Results(nil)
}

// Progress collects per-action results of a batch while it runs, so a caller
// that stops waiting can still report what already finished.
type Progress struct {
	mu      sync.Mutex
	results []Result
	done    []bool
}

func NewProgress(actions []intent.Action) *Progress {
	p := &Progress{
		results: make([]Result, len(actions)),
		done:    make([]bool, len(actions)),
	}
	for i, a := range actions {
		p.results[i] = Result{Action: a}
	}
	return p
}

func (p *Progress) set(i int, r Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[i] = r
	p.done[i] = true
}

// Results returns a copy of the batch. Actions still in flight are reported
// failed with unfinished as the error.
func (p *Progress) Results(unfinished error) []Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Result, len(p.results))
	copy(out, p.results)
	for i, ok := range p.done {
		if !ok {
			out[i].Status = StatusFailed
			out[i].Err = unfinished
		}
	}
	return out
}

func (d *Dispatcher) recall(key string) (Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.applied[key]
	if !ok {
		return Result{}, false
	}
	if d.ttl > 0 && d.clock().Sub(entry.at) > d.ttl {
		delete(d.applied, key)
		return Result{}, false
	}
	return entry.result, true
}

func (d *Dispatcher) remember(key string, res Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock()
	d.applied[key] = appliedEntry{result: res, at: now}
	if d.ttl <= 0 {
		return
	}
	for k, e := range d.applied {
		if now.Sub(e.at) > d.ttl {
			delete(d.applied, k)
		}
	}
}
