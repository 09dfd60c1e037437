package device

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/claudette-home/internal/config"
)

func TestMockPlaneAppliesServices(t *testing.T) {
	m := NewMockPlane()
	m.Seed(DemoEntities()...)
	ctx := context.Background()

	if err := m.Call(ctx, Call{Domain: "light", Service: "turn_on", EntityIDs: []string{"light.living_room"}, Data: map[string]any{"brightness_pct": 40}}); err != nil {
		t.Fatalf("turn on: %v", err)
	}
	e, _ := m.Entity("light.living_room")
	if e.State != "on" || e.Attributes["brightness_pct"] != 40 {
		t.Fatalf("unexpected light %+v", e)
	}
	if err := m.Call(ctx, Call{Domain: "cover", Service: "close_cover", EntityIDs: []string{"cover.living_room_shutter"}}); err != nil {
		t.Fatalf("close: %v", err)
	}
	if e, _ := m.Entity("cover.living_room_shutter"); e.State != "closed" {
		t.Fatalf("expected closed shutter, got %s", e.State)
	}
	if err := m.Call(ctx, Call{Domain: "light", Service: "turn_on", EntityIDs: []string{"light.garage"}}); err == nil {
		t.Fatalf("expected unknown entity error")
	}
}

func TestMockPlaneIdempotencyKey(t *testing.T) {
	m := NewMockPlane()
	m.Seed(Entity{ID: "light.desk", State: "off"})
	ctx := context.Background()
	call := Call{Domain: "light", Service: "toggle", EntityIDs: []string{"light.desk"}, IdempotencyKey: "s-0"}
	for i := 0; i < 2; i++ {
		if err := m.Call(ctx, call); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if e, _ := m.Entity("light.desk"); e.State != "on" {
		t.Fatalf("toggle applied twice, state %s", e.State)
	}
	if len(m.Calls()) != 2 {
		t.Fatalf("expected both calls recorded")
	}
}

func TestMockPlaneInjectedFailures(t *testing.T) {
	m := NewMockPlane()
	m.Seed(Entity{ID: "cover.shutter", State: "open"})
	m.Fail("cover.shutter", ErrTransient, 1)
	ctx := context.Background()
	call := Call{Domain: "cover", Service: "close_cover", EntityIDs: []string{"cover.shutter"}}
	if err := m.Call(ctx, call); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if err := m.Call(ctx, call); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}

	m.FailStates(errors.New("hub offline"))
	if _, err := m.States(ctx); err == nil {
		t.Fatalf("expected states failure")
	}
}

func TestNewPlaneLoadsStatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "states.yaml")
	body := `- entity_id: light.office
  state: "off"
  attributes:
    friendly_name: Office Lamp
- entity_id: fan.bedroom
  state: "on"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	plane, err := NewPlane(config.HomeConfig{Plane: "mock", MockStatesFile: path}, logger)
	if err != nil {
		t.Fatalf("new plane: %v", err)
	}
	states, err := plane.States(context.Background())
	if err != nil {
		t.Fatalf("states: %v", err)
	}
	if len(states) != 2 || states[1].FriendlyName() != "Office Lamp" {
		t.Fatalf("unexpected states %+v", states)
	}
}
