package device

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// MockPlane is an in-memory home. Services change entity state the way Home
// Assistant would, failures can be injected per entity, and calls carrying an
// already applied idempotency key are acknowledged without effect.
type MockPlane struct {
	mu        sync.Mutex
	entities  map[string]Entity
	failures  map[string]injectedFailure
	applied   map[string]struct{}
	calls     []Call
	statesErr error
	delay     time.Duration
}

type injectedFailure struct {
	err       error
	remaining int // <0 means forever
}

func NewMockPlane() *MockPlane {
	return &MockPlane{
		entities: make(map[string]Entity),
		failures: make(map[string]injectedFailure),
		applied:  make(map[string]struct{}),
	}
}

func (m *MockPlane) Seed(entities ...Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entities {
		if e.Attributes == nil {
			e.Attributes = map[string]any{}
		}
		m.entities[e.ID] = e
	}
}

// LoadFile seeds entities from a YAML (or JSON) list.
func (m *MockPlane) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read mock states: %w", err)
	}
	var entities []Entity
	if err := yaml.Unmarshal(data, &entities); err != nil {
		return fmt.Errorf("parse mock states: %w", err)
	}
	m.Seed(entities...)
	return nil
}

func (m *MockPlane) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entities)
}

// Fail makes the next n calls touching entityID return err. n < 0 fails forever.
func (m *MockPlane) Fail(entityID string, err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[entityID] = injectedFailure{err: err, remaining: n}
}

// FailStates makes States return err until cleared with nil.
func (m *MockPlane) FailStates(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statesErr = err
}

// SetDelay slows every call, for deadline tests.
func (m *MockPlane) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

func (m *MockPlane) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

func (m *MockPlane) Entity(id string) (Entity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	return e, ok
}

func (m *MockPlane) States(ctx context.Context) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statesErr != nil {
		return nil, m.statesErr
	}
	out := make([]Entity, 0, len(m.entities))
	for _, e := range m.entities {
		out = append(out, cloneEntity(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockPlane) Call(ctx context.Context, call Call) error {
	m.mu.Lock()
	delay := m.delay
	m.mu.Unlock()
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)

	for _, id := range call.EntityIDs {
		f, ok := m.failures[id]
		if !ok || f.remaining == 0 {
			continue
		}
		if f.remaining > 0 {
			f.remaining--
			m.failures[id] = f
		}
		return f.err
	}
	if call.IdempotencyKey != "" {
		if _, done := m.applied[call.IdempotencyKey]; done {
			return nil
		}
	}
	for _, id := range call.EntityIDs {
		e, ok := m.entities[id]
		if !ok {
			return fmt.Errorf("entity %s not found", id)
		}
		m.entities[id] = applyService(e, call.Service, call.Data)
	}
	if call.IdempotencyKey != "" {
		m.applied[call.IdempotencyKey] = struct{}{}
	}
	return nil
}

func applyService(e Entity, service string, data map[string]any) Entity {
	e = cloneEntity(e)
	switch service {
	case "turn_on":
		e.State = "on"
		if e.Domain() == "scene" {
			e.State = "scening"
		}
	case "turn_off":
		e.State = "off"
	case "toggle":
		if e.State == "on" {
			e.State = "off"
		} else {
			e.State = "on"
		}
	case "open_cover":
		e.State = "open"
		e.Attributes["current_position"] = 100
	case "close_cover":
		e.State = "closed"
		e.Attributes["current_position"] = 0
	case "set_cover_position":
		if pos, ok := data["position"]; ok {
			e.Attributes["current_position"] = pos
			e.State = "open"
			if n, ok := toFloat(pos); ok && n == 0 {
				e.State = "closed"
			}
		}
	case "set_temperature":
		if temp, ok := data["temperature"]; ok {
			e.Attributes["temperature"] = temp
		}
	}
	for _, key := range []string{"brightness", "brightness_pct", "percentage", "volume_level"} {
		if v, ok := data[key]; ok {
			e.Attributes[key] = v
		}
	}
	e.LastChanged = time.Now().UTC()
	return e
}

func cloneEntity(e Entity) Entity {
	attrs := make(map[string]any, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	e.Attributes = attrs
	return e
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
