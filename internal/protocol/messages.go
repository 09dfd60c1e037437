package protocol

import "time"

// AudioFrame represents PCM audio data streamed from voice satellites.
type AudioFrame struct {
	DeviceID   string `json:"device_id"`
	Sequence   uint64 `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	PCM        []byte `json:"pcm"`
}

// AudioChunk carries synthesized speech back to a satellite speaker.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	DeviceID   string `json:"device_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// SpeechDone is published once a response has been fully played or abandoned.
type SpeechDone struct {
	SessionID string    `json:"session_id"`
	DeviceID  string    `json:"device_id"`
	Text      string    `json:"text"`
	Completed bool      `json:"completed"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WakeDetected mirrors the wake bridge event line.
type WakeDetected struct {
	DeviceID   string    `json:"device_id"`
	Word       string    `json:"word"`
	Confidence float64   `json:"score"`
	Timestamp  time.Time `json:"ts"`
}

// WakeTune adjusts detector policy at runtime. Zero fields are left unchanged,
// except CooldownMS where nil leaves it alone and 0 turns cooldown off.
type WakeTune struct {
	DeviceID             string  `json:"device_id,omitempty"`
	Threshold            float64 `json:"threshold,omitempty"`
	CooldownMS           *int    `json:"cooldown_ms,omitempty"`
	MinConsecutiveFrames int     `json:"min_consecutive_frames,omitempty"`
}

// SessionEvent reports a session state transition.
type SessionEvent struct {
	SessionID string         `json:"session_id"`
	DeviceID  string         `json:"device_id"`
	State     string         `json:"state"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SatelliteAnnounce registers a voice satellite and the room it sits in.
type SatelliteAnnounce struct {
	DeviceID   string    `json:"device_id"`
	Room       string    `json:"room"`
	Voice      string    `json:"voice,omitempty"`
	Microphone bool      `json:"microphone"`
	Speaker    bool      `json:"speaker"`
	Timestamp  time.Time `json:"timestamp"`
}

type SatelliteHeartbeat struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTTSAudioPrefix    = "tts.audio"
	SubjectTTSDonePrefix     = "tts.done"
	SubjectWakeDetected      = "wake.detected"
	SubjectWakeTune          = "ctrl.wake.tune"
	SubjectSessionEvent      = "session.event"
	SubjectSatelliteAnnounce = "ctrl.satellite.announce"
	SubjectSatelliteBeat     = "ctrl.satellite.heartbeat"
)

// DeviceSubject scopes a subject prefix to a single device.
func DeviceSubject(prefix, deviceID string) string {
	return prefix + "." + deviceID
}
