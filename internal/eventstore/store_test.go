package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/claudette-home/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenEphemeral(t *testing.T) {
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if es.Enabled() {
		t.Fatalf("expected ephemeral store to be disabled")
	}
	if err := es.OpenSession(context.Background(), Session{ID: "s1", DeviceID: "kitchen"}); err != nil {
		t.Fatalf("open session on ephemeral store: %v", err)
	}
	events, err := es.ListSessionEvents(context.Background(), "s1", 10)
	if err != nil || events != nil {
		t.Fatalf("expected nothing recorded, got %v %v", events, err)
	}
}

func TestSessionTimeline(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "session",
	}
	es, err := Open(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { es.Close() })

	start := time.Now().Add(-time.Second)
	if err := es.OpenSession(ctx, Session{ID: "session-1", DeviceID: "kitchen", Room: "kitchen", Privacy: "personal", StartedAt: start}); err != nil {
		t.Fatalf("open session: %v", err)
	}
	for i, state := range []string{"capturing", "transcribing", "resolving"} {
		evt := Event{
			SessionID: "session-1",
			Type:      state,
			Payload:   []byte(`{"step":"` + state + `"}`),
			CreatedAt: start.Add(time.Duration(i) * time.Millisecond * 10),
		}
		if err := es.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("append %s: %v", state, err)
		}
	}
	if err := es.CloseSession(ctx, "session-1", "inform", time.Now()); err != nil {
		t.Fatalf("close session: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "session-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != "capturing" || events[2].Type != "resolving" {
		t.Fatalf("unexpected event order: %+v", events)
	}
	if string(events[1].Payload) != `{"step":"transcribing"}` {
		t.Fatalf("unexpected payload %s", events[1].Payload)
	}

	sessions, err := es.RecentSessions(ctx, 5)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].Outcome != "inform" || sessions[0].EndedAt.IsZero() {
		t.Fatalf("expected closed session, got %+v", sessions[0])
	}
	if sessions[0].Room != "kitchen" {
		t.Fatalf("expected room kitchen, got %q", sessions[0].Room)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "persistent",
		RetentionDays: 1,
		MaxSessions:   2,
	}
	es, err := Open(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { es.Close() })

	now := time.Now()
	old := now.Add(-48 * time.Hour)
	if err := es.OpenSession(ctx, Session{ID: "old-session", DeviceID: "kitchen", StartedAt: old}); err != nil {
		t.Fatalf("open old session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: "capturing", CreatedAt: old}); err != nil {
		t.Fatalf("append old event: %v", err)
	}
	for i, id := range []string{"a", "b", "c"} {
		if err := es.OpenSession(ctx, Session{ID: id, DeviceID: "kitchen", StartedAt: now.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("open session %s: %v", id, err)
		}
	}

	es.clock = func() time.Time { return now.Add(time.Hour) }
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := es.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "c" || sessions[1].ID != "b" {
		t.Fatalf("expected newest two sessions kept, got %+v", sessions)
	}
}
