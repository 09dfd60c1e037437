package homestate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/claudette-home/internal/config"
	"github.com/loqalabs/claudette-home/internal/device"
)

// ErrContextStale is returned when the live snapshot is older than the
// staleness bound or no snapshot has been fetched yet.
var ErrContextStale = errors.New("home context is stale")

// Store owns the single live snapshot. One goroutine refreshes it; any number
// of readers load it without locking.
type Store struct {
	plane     device.Plane
	rooms     map[string][]string
	interval  time.Duration
	staleness time.Duration
	timeout   time.Duration
	log       *slog.Logger
	clock     func() time.Time

	current    atomic.Pointer[Snapshot]
	refreshMu  sync.Mutex
	nextVer    uint64
	invalidate chan struct{}
	failures   atomic.Int64
}

func NewStore(plane device.Plane, cfg config.HomeConfig, logger *slog.Logger) *Store {
	return &Store{
		plane:      plane,
		rooms:      cfg.Rooms,
		interval:   time.Duration(cfg.RefreshIntervalMS) * time.Millisecond,
		staleness:  time.Duration(cfg.StalenessMS) * time.Millisecond,
		timeout:    time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		log:        logger.With(slog.String("component", "context-store")),
		clock:      time.Now,
		invalidate: make(chan struct{}, 1),
	}
}

// Run refreshes on the interval and on invalidation until ctx ends.
func (s *Store) Run(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil {
		s.log.Warn("initial context refresh failed", slog.String("error", err.Error()))
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.invalidate:
		}
		if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("context refresh failed", slog.String("error", err.Error()))
		}
	}
}

// Refresh pulls full state and publishes a new snapshot. On failure the last
// good snapshot stays live with its original FetchedAt.
func (s *Store) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	states, err := s.plane.States(ctx)
	if err != nil {
		s.failures.Add(1)
		return fmt.Errorf("fetch home state: %w", err)
	}
	s.nextVer++
	snap := build(states, s.rooms, s.nextVer, s.clock())
	s.current.Store(snap)
	s.log.Debug("context refreshed",
		slog.Uint64("version", snap.Version),
		slog.Int("entities", len(snap.Entities)))
	return nil
}

// Invalidate asks the refresh loop for an early refresh. It never blocks.
func (s *Store) Invalidate() {
	select {
	case s.invalidate <- struct{}{}:
	default:
	}
}

// Current returns the live snapshot, which may be nil before the first fetch.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Fresh returns the live snapshot if it is within the staleness bound.
func (s *Store) Fresh(now time.Time) (*Snapshot, error) {
	snap := s.current.Load()
	if snap == nil {
		return nil, ErrContextStale
	}
	if s.IsStale(snap, now) {
		return snap, fmt.Errorf("%w: age %s", ErrContextStale, snap.Age(now).Round(time.Millisecond))
	}
	return snap, nil
}

// IsStale applies the staleness bound to any snapshot.
func (s *Store) IsStale(snap *Snapshot, now time.Time) bool {
	return snap == nil || snap.Age(now) > s.staleness
}

func (s *Store) RefreshFailures() int64 { return s.failures.Load() }
