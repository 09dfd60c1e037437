package wake

import (
	"sync"
	"time"

	"github.com/loqalabs/claudette-home/internal/audio"
)

// Event is raised when the wake phrase has been recognised on a device.
type Event struct {
	DeviceID   string
	Word       string
	Confidence float64
	Timestamp  time.Time
}

// Policy holds the tunable detection parameters.
type Policy struct {
	Threshold            float64
	MinConsecutiveFrames int
	Cooldown             time.Duration
}

// Stats counts detector activity since creation.
type Stats struct {
	Frames     int64
	Candidates int64
	Detections int64
	Suppressed int64
}

const historySize = 32

// Detector turns per-frame scores into debounced wake events. The scoring
// engine is external; the detector owns threshold, debounce and cooldown.
type Detector struct {
	deviceID string
	scorer   Scorer
	clock    func() time.Time

	mu            sync.Mutex
	policy        Policy
	history       [historySize]float64
	head          int
	consecutive   int
	peak          float64
	word          string
	cooldownUntil time.Time
	stats         Stats
}

func NewDetector(deviceID string, scorer Scorer, policy Policy) *Detector {
	if policy.MinConsecutiveFrames <= 0 {
		policy.MinConsecutiveFrames = 1
	}
	if policy.MinConsecutiveFrames > historySize {
		policy.MinConsecutiveFrames = historySize
	}
	return &Detector{
		deviceID: deviceID,
		scorer:   scorer,
		clock:    time.Now,
		policy:   policy,
	}
}

// Process scores one frame and reports whether a wake event fired.
func (d *Detector) Process(frame audio.Frame) (Event, bool, error) {
	score, err := d.scorer.Score(frame)
	if err != nil {
		return Event{}, false, err
	}
	return d.observe(score)
}

func (d *Detector) observe(score Score) (Event, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	d.stats.Frames++
	d.history[d.head] = score.Confidence
	d.head = (d.head + 1) % historySize

	if now.Before(d.cooldownUntil) {
		if score.Confidence >= d.policy.Threshold {
			d.stats.Suppressed++
		}
		d.consecutive = 0
		d.peak = 0
		return Event{}, false, nil
	}

	if score.Confidence < d.policy.Threshold {
		d.consecutive = 0
		d.peak = 0
		return Event{}, false, nil
	}

	d.stats.Candidates++
	d.consecutive++
	if score.Confidence > d.peak {
		d.peak = score.Confidence
		d.word = score.Word
	}
	if d.consecutive < d.policy.MinConsecutiveFrames {
		return Event{}, false, nil
	}

	evt := Event{
		DeviceID:   d.deviceID,
		Word:       d.word,
		Confidence: d.peak,
		Timestamp:  now,
	}
	d.consecutive = 0
	d.peak = 0
	d.cooldownUntil = now.Add(d.policy.Cooldown)
	d.stats.Detections++
	return evt, true, nil
}

// Suppress blocks detections until the given time, extending any running
// cooldown. Used while our own speech is playing in the room.
func (d *Detector) Suppress(until time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if until.After(d.cooldownUntil) {
		d.cooldownUntil = until
	}
	d.consecutive = 0
	d.peak = 0
}

// Tune replaces policy fields. Zero threshold or minFrames and a negative
// cooldown leave the current setting alone.
func (d *Detector) Tune(threshold float64, cooldown time.Duration, minFrames int) Policy {
	d.mu.Lock()
	defer d.mu.Unlock()
	if threshold > 0 && threshold <= 1 {
		d.policy.Threshold = threshold
	}
	if cooldown >= 0 {
		d.policy.Cooldown = cooldown
	}
	if minFrames > 0 && minFrames <= historySize {
		d.policy.MinConsecutiveFrames = minFrames
	}
	d.consecutive = 0
	d.peak = 0
	return d.policy
}

func (d *Detector) Policy() Policy {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.policy
}

// Recent returns the rolling confidence buffer, oldest first.
func (d *Detector) Recent() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]float64, 0, historySize)
	for i := 0; i < historySize; i++ {
		out = append(out, d.history[(d.head+i)%historySize])
	}
	return out
}

func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
