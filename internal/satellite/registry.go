package satellite

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/claudette-home/internal/bus"
	"github.com/loqalabs/claudette-home/internal/config"
	"github.com/loqalabs/claudette-home/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Info is what the registry knows about one voice satellite.
type Info struct {
	DeviceID   string    `json:"device_id"`
	Room       string    `json:"room"`
	Voice      string    `json:"voice,omitempty"`
	Microphone bool      `json:"microphone"`
	Speaker    bool      `json:"speaker"`
	LastSeen   time.Time `json:"last_seen"`
	Healthy    bool      `json:"healthy"`
}

// Registry tracks satellites (input and output devices) and the room each
// one sits in. The local node announces itself and heartbeats; remote
// satellites do the same over the bus.
type Registry struct {
	cfg       config.NodeConfig
	log       *slog.Logger
	bus       *bus.Client
	clock     func() time.Time
	mu        sync.RWMutex
	devices   map[string]*Info
	heartbeat *time.Ticker
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	meter     metric.Meter
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:     cfg,
		log:     log.With(slog.String("component", "satellite-registry")),
		bus:     busClient,
		clock:   time.Now,
		devices: make(map[string]*Info),
		meter:   otel.Meter("github.com/loqalabs/claudette-home/satellite"),
		cancel:  cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if busClient != nil {
		if err := r.subscribe(); err != nil {
			r.cancel()
			return nil, err
		}
		r.heartbeat = time.NewTicker(time.Duration(cfg.HeartbeatInterval) * time.Millisecond)
		go r.runHeartbeat(ctx)
	}
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce satellite", slog.String("error", err.Error()))
	}
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectSatelliteAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectSatelliteBeat+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := protocol.SatelliteAnnounce{
		DeviceID:   r.cfg.ID,
		Room:       r.cfg.Room,
		Voice:      r.cfg.Voice,
		Microphone: true,
		Speaker:    true,
		Timestamp:  r.clock().UTC(),
	}
	r.update(msg, true)
	if r.bus == nil {
		return nil
	}
	return r.bus.PublishJSON(protocol.SubjectSatelliteAnnounce, msg)
}

func (r *Registry) publishHeartbeat() error {
	msg := protocol.SatelliteHeartbeat{DeviceID: r.cfg.ID, Timestamp: r.clock().UTC()}
	return r.bus.PublishJSON(protocol.DeviceSubject(protocol.SubjectSatelliteBeat, r.cfg.ID), msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.SatelliteAnnounce
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.DeviceID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.clock().UTC()
	}
	r.update(announcement, true)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.SatelliteHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.devices[hb.DeviceID]; ok {
		info.LastSeen = hb.Timestamp
		info.Healthy = true
	}
}

// Register adds or refreshes a satellite directly, without the bus.
func (r *Registry) Register(a protocol.SatelliteAnnounce) {
	if a.Timestamp.IsZero() {
		a.Timestamp = r.clock().UTC()
	}
	r.update(a, true)
}

func (r *Registry) update(a protocol.SatelliteAnnounce, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.devices[a.DeviceID]
	if !ok {
		info = &Info{DeviceID: a.DeviceID}
		r.devices[a.DeviceID] = info
	}
	if a.Room != "" {
		info.Room = a.Room
	}
	if a.Voice != "" {
		info.Voice = a.Voice
	}
	info.Microphone = a.Microphone
	info.Speaker = a.Speaker
	info.LastSeen = a.Timestamp
	info.Healthy = healthy
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()
	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for id, info := range r.devices {
		if id == r.cfg.ID {
			continue
		}
		if now.Sub(info.LastSeen) > timeout {
			info.Healthy = false
		}
	}
}

// Healthy reports whether the local satellite is registered.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.devices[r.cfg.ID]
	return ok && info.Healthy
}

// Lookup returns what is known about a device.
func (r *Registry) Lookup(deviceID string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.devices[deviceID]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// Room maps a device to its room. Unknown devices fall back to the local
// node's room.
func (r *Registry) Room(deviceID string) string {
	if info, ok := r.Lookup(deviceID); ok && info.Room != "" {
		return info.Room
	}
	return r.cfg.Room
}

// Voice returns the configured voice for a device, if any.
func (r *Registry) Voice(deviceID string) string {
	if info, ok := r.Lookup(deviceID); ok && info.Voice != "" {
		return info.Voice
	}
	return r.cfg.Voice
}

func (r *Registry) Query(filter func(Info) bool) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var results []Info
	for _, info := range r.devices {
		c := *info
		if filter == nil || filter(c) {
			results = append(results, c)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].DeviceID < results[j].DeviceID })
	return results
}

func InRoom(room string) func(Info) bool {
	return func(info Info) bool { return info.Room == room }
}

func Online(info Info) bool { return info.Healthy }

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	known, err := r.meter.Int64ObservableGauge("claudette.satellites.known", metric.WithDescription("Number of known voice satellites"))
	if err != nil {
		return err
	}
	online, err := r.meter.Int64ObservableGauge("claudette.satellites.online", metric.WithDescription("Satellites with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		total, healthy := r.counts()
		obs.ObserveInt64(known, total)
		obs.ObserveInt64(online, healthy)
		return nil
	}, known, online)
	return err
}

func (r *Registry) counts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total, healthy int64
	for _, info := range r.devices {
		total++
		if info.Healthy {
			healthy++
		}
	}
	return total, healthy
}
