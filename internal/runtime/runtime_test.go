package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/loqalabs/claudette-home/internal/bus/bustest"
	"github.com/loqalabs/claudette-home/internal/config"
	"github.com/loqalabs/claudette-home/internal/eventstore"
	"github.com/loqalabs/claudette-home/internal/protocol"
	"github.com/loqalabs/claudette-home/internal/satellite"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	cfg.EventStore.Path = t.TempDir() + "/events.db"
	rt := New(cfg, logger)
	rt.bus = bustest.Connect(t)

	var err error
	rt.events, err = eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { rt.events.Close() })

	rt.satellites, err = satellite.NewRegistry(ctx, cfg.Node, rt.bus, logger)
	if err != nil {
		t.Fatalf("satellite registry: %v", err)
	}
	t.Cleanup(rt.satellites.Close)

	rt.pipeline, err = buildPipeline(ctx, cfg, rt.bus, rt.satellites, rt.events, logger)
	if err != nil {
		t.Fatalf("build pipeline: %v", err)
	}
	t.Cleanup(rt.pipeline.close)
	rt.home = rt.pipeline.home
	return rt
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	rt := newTestRuntime(t)
	rec := get(t, rt.routes(), "/healthz")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestReadyRequiresFreshContext(t *testing.T) {
	rt := newTestRuntime(t)
	rt.ready.Store(true)
	h := rt.routes()

	rec := get(t, h, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before the first refresh, got %d", rec.Code)
	}

	if err := rt.home.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	rec = get(t, h, "/readyz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d %q", rec.Code, rec.Body.String())
	}

	rt.ready.Store(false)
	rec = get(t, h, "/readyz")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "starting") {
		t.Fatalf("expected not ready while stopping, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestSessionsListsRecent(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	now := time.Now()
	for i, id := range []string{"s1", "s2", "s3"} {
		err := rt.events.OpenSession(ctx, eventstore.Session{
			ID:        id,
			DeviceID:  "kitchen-satellite",
			Room:      "kitchen",
			StartedAt: now.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("open session: %v", err)
		}
	}

	rec := get(t, rt.routes(), "/sessions?limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var sessions []eventstore.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "s3" || sessions[1].ID != "s2" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestWakeTuneOverBus(t *testing.T) {
	rt := newTestRuntime(t)
	sub, err := rt.bus.Conn().Subscribe(protocol.SubjectWakeTune, rt.handleWakeTune)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	data, _ := json.Marshal(protocol.WakeTune{Threshold: 0.8})
	msg, err := rt.bus.Conn().Request(protocol.SubjectWakeTune, data, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	// No device has streamed audio yet, so no listener is running.
	if string(msg.Data) != "0" {
		t.Fatalf("unexpected reply %q", msg.Data)
	}
}

func TestUnknownAudioSourceIsRejected(t *testing.T) {
	rt := newTestRuntime(t)
	rt.pipeline.cfg.Audio.Source = "carrier-pigeon"
	if err := rt.pipeline.listen(context.Background()); err == nil {
		t.Fatalf("expected an error for an unknown audio source")
	}
}

func TestMetricsEndpointExportsInstruments(t *testing.T) {
	cfg := config.Default()
	shutdown, handler, err := setupTelemetry(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	counter, err := otel.Meter("test").Int64Counter("claudette.test.wakes")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 3)

	rec := get(t, handler, "/metrics")
	body := rec.Body.String()
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	found := false
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "claudette_test_wakes_total") && strings.HasSuffix(line, " 3") {
			found = true
		}
	}
	if !found {
		t.Fatalf("metric missing from scrape:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("runtime collectors missing from scrape")
	}
}
