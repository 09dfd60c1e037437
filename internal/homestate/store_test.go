package homestate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/claudette-home/internal/config"
	"github.com/loqalabs/claudette-home/internal/device"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) (*Store, *device.MockPlane, *time.Time) {
	t.Helper()
	plane := device.NewMockPlane()
	plane.Seed(device.DemoEntities()...)
	plane.Seed(device.Entity{ID: "light.pantry", State: "on"})
	cfg := config.HomeConfig{
		RefreshIntervalMS: 30000,
		StalenessMS:       90000,
		RequestTimeoutMS:  1000,
		Rooms:             map[string][]string{"kitchen": {"light.pantry"}, "living_room": nil},
	}
	store := NewStore(plane, cfg, discardLogger())
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	store.clock = func() time.Time { return now }
	return store, plane, &now
}

func TestRefreshBuildsSnapshot(t *testing.T) {
	store, _, _ := testStore(t)
	if store.Current() != nil {
		t.Fatalf("expected no snapshot before refresh")
	}
	if err := store.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	snap := store.Current()
	if snap.Version != 1 || len(snap.Entities) != 7 {
		t.Fatalf("unexpected snapshot version=%d entities=%d", snap.Version, len(snap.Entities))
	}
	if e, _ := snap.Entity("light.pantry"); e.Room != "kitchen" {
		t.Fatalf("configured room mapping not applied: %+v", e)
	}
	if e, _ := snap.Entity("cover.living_room_shutter"); e.Room != "living_room" {
		t.Fatalf("expected room from entity naming, got %q", e.Room)
	}
	if len(snap.People) != 1 || snap.People[0] != "Alex" {
		t.Fatalf("unexpected people %v", snap.People)
	}
	if got := snap.InRoom("living_room"); len(got) != 2 {
		t.Fatalf("expected living room light and shutter, got %v", got)
	}
}

func TestRefreshFailureKeepsLastGoodSnapshot(t *testing.T) {
	store, plane, now := testStore(t)
	if err := store.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	fetched := store.Current().FetchedAt

	plane.FailStates(errors.New("hub offline"))
	*now = now.Add(time.Minute)
	if err := store.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	snap := store.Current()
	if snap.Version != 1 || !snap.FetchedAt.Equal(fetched) {
		t.Fatalf("failed refresh must keep last snapshot with its true age")
	}
	if store.RefreshFailures() != 1 {
		t.Fatalf("expected failure counted")
	}
}

func TestFreshAppliesStalenessBound(t *testing.T) {
	store, _, now := testStore(t)
	if _, err := store.Fresh(*now); !errors.Is(err, ErrContextStale) {
		t.Fatalf("missing snapshot must count as stale, got %v", err)
	}
	if err := store.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Fresh(now.Add(90 * time.Second)); err != nil {
		t.Fatalf("snapshot at the bound is still fresh: %v", err)
	}
	snap, err := store.Fresh(now.Add(91 * time.Second))
	if !errors.Is(err, ErrContextStale) || snap == nil {
		t.Fatalf("expected stale error with snapshot, got %v", err)
	}
}

func TestVersionsIncreaseUnderConcurrentRefresh(t *testing.T) {
	store, _, _ := testStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Refresh(context.Background())
		}()
	}

	stop := make(chan struct{})
	readerErr := make(chan error, 1)
	go func() {
		var last uint64
		for {
			select {
			case <-stop:
				readerErr <- nil
				return
			default:
			}
			if snap := store.Current(); snap != nil {
				if snap.Version < last {
					readerErr <- errors.New("observed older snapshot")
					return
				}
				last = snap.Version
			}
		}
	}()
	wg.Wait()
	close(stop)
	if err := <-readerErr; err != nil {
		t.Fatal(err)
	}
	if store.Current().Version != 8 {
		t.Fatalf("expected version 8, got %d", store.Current().Version)
	}
}

func TestInvalidateTriggersRefresh(t *testing.T) {
	store, plane, _ := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		store.Run(ctx)
		close(done)
	}()

	waitVersion := func(v uint64) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if snap := store.Current(); snap != nil && snap.Version >= v {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("timed out waiting for version %d", v)
	}
	waitVersion(1)

	if err := plane.Call(ctx, device.Call{Domain: "light", Service: "turn_on", EntityIDs: []string{"light.kitchen"}}); err != nil {
		t.Fatal(err)
	}
	store.Invalidate()
	waitVersion(2)
	if e, _ := store.Current().Entity("light.kitchen"); e.State != "on" {
		t.Fatalf("expected refreshed state, got %s", e.State)
	}
	cancel()
	<-done
}

func TestRecentScenesOrdered(t *testing.T) {
	base := time.Date(2026, 1, 1, 20, 0, 0, 0, time.UTC)
	snap := build([]device.Entity{
		{ID: "scene.morning", State: "scening", LastChanged: base.Add(-12 * time.Hour)},
		{ID: "scene.movie_night", State: "scening", LastChanged: base},
		{ID: "scene.never"},
	}, nil, 1, base)
	if len(snap.RecentScenes) != 2 || snap.RecentScenes[0] != "movie night" {
		t.Fatalf("unexpected scenes %v", snap.RecentScenes)
	}
}
