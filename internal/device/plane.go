package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/claudette-home/internal/config"
)

// ErrTransient marks a failure worth retrying with the same idempotency key.
var ErrTransient = errors.New("transient device plane failure")

// Entity is one controllable or observable thing as the plane reports it.
type Entity struct {
	ID          string         `json:"entity_id" yaml:"entity_id"`
	State       string         `json:"state" yaml:"state"`
	Attributes  map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	LastChanged time.Time      `json:"last_changed,omitempty" yaml:"last_changed,omitempty"`
}

// Domain is the entity id prefix, e.g. "light" for light.kitchen.
func (e Entity) Domain() string {
	domain, _, _ := strings.Cut(e.ID, ".")
	return domain
}

// FriendlyName falls back to the object id with underscores as spaces.
func (e Entity) FriendlyName() string {
	if name, ok := e.Attributes["friendly_name"].(string); ok && name != "" {
		return name
	}
	_, object, _ := strings.Cut(e.ID, ".")
	return strings.ReplaceAll(object, "_", " ")
}

// Call invokes a named service on a set of entities.
type Call struct {
	Domain         string
	Service        string
	EntityIDs      []string
	Data           map[string]any
	IdempotencyKey string
}

// Plane is the external device-control system. The core never speaks device
// protocols itself.
type Plane interface {
	States(ctx context.Context) ([]Entity, error)
	Call(ctx context.Context, call Call) error
}

func NewPlane(cfg config.HomeConfig, logger *slog.Logger) (Plane, error) {
	switch cfg.Plane {
	case "homeassistant":
		timeout := time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
		return NewHomeAssistant(cfg.URL, cfg.Token, timeout), nil
	case "mock", "":
		plane := NewMockPlane()
		if cfg.MockStatesFile != "" {
			if err := plane.LoadFile(cfg.MockStatesFile); err != nil {
				return nil, err
			}
		} else {
			plane.Seed(DemoEntities()...)
		}
		logger.Info("using mock device plane", slog.Int("entities", plane.Len()))
		return plane, nil
	default:
		return nil, fmt.Errorf("unknown device plane %q", cfg.Plane)
	}
}

// DemoEntities is a small home used when no states file is configured.
func DemoEntities() []Entity {
	return []Entity{
		{ID: "light.living_room", State: "off", Attributes: map[string]any{"friendly_name": "Living Room Light"}},
		{ID: "light.kitchen", State: "off", Attributes: map[string]any{"friendly_name": "Kitchen Light"}},
		{ID: "cover.living_room_shutter", State: "open", Attributes: map[string]any{"friendly_name": "Living Room Shutter", "current_position": 100}},
		{ID: "climate.hallway", State: "heat", Attributes: map[string]any{"friendly_name": "Hallway Thermostat", "current_temperature": 20.5, "temperature": 21}},
		{ID: "person.alex", State: "home", Attributes: map[string]any{"friendly_name": "Alex"}},
		{ID: "scene.movie_night", State: "scening", Attributes: map[string]any{"friendly_name": "Movie Night"}},
	}
}
