package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Audio       AudioConfig      `yaml:"audio"`
	Wake        WakeConfig       `yaml:"wake"`
	Capture     CaptureConfig    `yaml:"capture"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Home        HomeConfig       `yaml:"home"`
	Intent      IntentConfig     `yaml:"intent"`
	Dispatch    DispatchConfig   `yaml:"dispatch"`
	Session     SessionConfig    `yaml:"session"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Listen         string   `yaml:"listen"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// NodeConfig describes the local voice satellite this process serves.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Room              string `yaml:"room"`
	Voice             string `yaml:"voice"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type AudioConfig struct {
	Source          string `yaml:"source"` // bus, exec
	Command         string `yaml:"command"`
	SampleRate      int    `yaml:"sample_rate"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	BufferFrames    int    `yaml:"buffer_frames"`
}

type WakeConfig struct {
	Engine               string  `yaml:"engine"` // mock, exec
	Command              string  `yaml:"command"`
	Word                 string  `yaml:"word"`
	Threshold            float64 `yaml:"threshold"`
	MinConsecutiveFrames int     `yaml:"min_consecutive_frames"`
	CooldownMS           int     `yaml:"cooldown_ms"`
	StatsIntervalMS      int     `yaml:"stats_interval_ms"`
}

type CaptureConfig struct {
	SilenceMS         int     `yaml:"silence_ms"`
	MaxCaptureMS      int     `yaml:"max_capture_ms"`
	NoSpeechTimeoutMS int     `yaml:"no_speech_timeout_ms"`
	SpeechThreshold   float64 `yaml:"speech_threshold"`
	SilenceThreshold  float64 `yaml:"silence_threshold"`
	SpeechFrames      int     `yaml:"speech_frames"`
}

type STTConfig struct {
	Mode        string `yaml:"mode"` // mock, exec
	Command     string `yaml:"command"`
	ModelPath   string `yaml:"model_path"`
	Language    string `yaml:"language"`
	MaxAttempts int    `yaml:"max_attempts"`
	BackoffMS   int    `yaml:"backoff_ms"`
	// MockTranscript is what the mock recognizer hears for any utterance.
	MockTranscript string `yaml:"mock_transcript"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type TTSConfig struct {
	Mode            string `yaml:"mode"` // mock, exec
	Command         string `yaml:"command"`
	Voice           string `yaml:"voice"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
}

// HomeConfig covers the device-control plane and the context store fed from it.
type HomeConfig struct {
	Plane             string              `yaml:"plane"` // homeassistant, mock
	URL               string              `yaml:"url"`
	Token             string              `yaml:"token"`
	RequestTimeoutMS  int                 `yaml:"request_timeout_ms"`
	RefreshIntervalMS int                 `yaml:"refresh_interval_ms"`
	StalenessMS       int                 `yaml:"staleness_ms"`
	Rooms             map[string][]string `yaml:"rooms"`
	MockStatesFile    string              `yaml:"mock_states_file"`
}

type IntentConfig struct {
	AllowedKinds       []string            `yaml:"allowed_kinds"`
	AllowedServices    map[string][]string `yaml:"allowed_services"`
	AllowedEntities    []string            `yaml:"allowed_entities"`
	MaxContextEntities int                 `yaml:"max_context_entities"`
	HistoryTurns       int                 `yaml:"history_turns"`
	HistoryMaxAgeMS    int                 `yaml:"history_max_age_ms"`
}

type DispatchConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	BackoffMS        int `yaml:"backoff_ms"`
	MaxBackoffMS     int `yaml:"max_backoff_ms"`
	Concurrency      int `yaml:"concurrency"`
	IdempotencyTTLMS int `yaml:"idempotency_ttl_ms"`
}

type SessionConfig struct {
	BudgetMS      int     `yaml:"budget_ms"`
	GraceMS       int     `yaml:"grace_ms"`
	STTShare      float64 `yaml:"stt_share"`
	ResolveShare  float64 `yaml:"resolve_share"`
	BargeIn       bool    `yaml:"barge_in"`
	AuditPrivacy  string  `yaml:"audit_privacy_scope"`
	PublishEvents bool    `yaml:"publish_events"`
}

func Default() Config {
	return Config{
		RuntimeName: "claudette-home",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Listen:         "127.0.0.1",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "kitchen-satellite",
			Room:              "kitchen",
			Voice:             "en-US",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/claudette-events.db",
			RetentionMode: "session",
			RetentionDays: 7,
			MaxSessions:   5000,
		},
		Audio: AudioConfig{
			Source:          "bus",
			SampleRate:      16000,
			FrameDurationMS: 20,
			BufferFrames:    256,
		},
		Wake: WakeConfig{
			Engine:               "mock",
			Word:                 "claudette",
			Threshold:            0.5,
			MinConsecutiveFrames: 3,
			CooldownMS:           2000,
			StatsIntervalMS:      60000,
		},
		Capture: CaptureConfig{
			SilenceMS:         800,
			MaxCaptureMS:      8000,
			NoSpeechTimeoutMS: 4000,
			SpeechThreshold:   0.02,
			SilenceThreshold:  0.01,
			SpeechFrames:      3,
		},
		STT: STTConfig{
			Mode:           "mock",
			Language:       "en",
			MaxAttempts:    3,
			BackoffMS:      100,
			MockTranscript: "turn on the lights",
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   256,
			Temperature: 0.1,
		},
		TTS: TTSConfig{
			Mode:            "mock",
			Voice:           "en-US",
			SampleRate:      22050,
			Channels:        1,
			ChunkDurationMS: 400,
		},
		Home: HomeConfig{
			Plane:             "mock",
			URL:               "http://localhost:8123",
			RequestTimeoutMS:  3000,
			RefreshIntervalMS: 30000,
			StalenessMS:       90000,
		},
		Intent: IntentConfig{
			AllowedKinds: []string{"device_command", "scene"},
			AllowedServices: map[string][]string{
				"light":        {"turn_on", "turn_off"},
				"switch":       {"turn_on", "turn_off"},
				"fan":          {"turn_on", "turn_off", "set_percentage"},
				"cover":        {"open_cover", "close_cover", "stop_cover", "set_cover_position"},
				"climate":      {"set_temperature", "set_hvac_mode"},
				"media_player": {"media_play", "media_pause", "volume_set"},
				"scene":        {"turn_on"},
			},
			MaxContextEntities: 40,
			HistoryTurns:       6,
			HistoryMaxAgeMS:    300000,
		},
		Dispatch: DispatchConfig{
			MaxAttempts:      3,
			BackoffMS:        150,
			MaxBackoffMS:     1000,
			Concurrency:      4,
			IdempotencyTTLMS: 600000,
		},
		Session: SessionConfig{
			BudgetMS:      6000,
			GraceMS:       1500,
			STTShare:      0.3,
			ResolveShare:  0.5,
			AuditPrivacy:  "internal",
			PublishEvents: true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "CLAUDETTE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "CLAUDETTE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "CLAUDETTE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CLAUDETTE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "CLAUDETTE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CLAUDETTE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CLAUDETTE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "CLAUDETTE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "CLAUDETTE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "CLAUDETTE_BUS_PORT")
	overrideString(&cfg.Bus.Listen, "CLAUDETTE_BUS_LISTEN")
	overrideStringSlice(&cfg.Bus.Servers, "CLAUDETTE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "CLAUDETTE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "CLAUDETTE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "CLAUDETTE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "CLAUDETTE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "CLAUDETTE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "CLAUDETTE_NODE_ID")
	overrideString(&cfg.Node.Room, "CLAUDETTE_NODE_ROOM")
	overrideString(&cfg.Node.Voice, "CLAUDETTE_NODE_VOICE")
	overrideInt(&cfg.Node.HeartbeatInterval, "CLAUDETTE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "CLAUDETTE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "CLAUDETTE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "CLAUDETTE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "CLAUDETTE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "CLAUDETTE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "CLAUDETTE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Source, "CLAUDETTE_AUDIO_SOURCE")
	overrideString(&cfg.Audio.Command, "CLAUDETTE_AUDIO_COMMAND")
	overrideInt(&cfg.Audio.SampleRate, "CLAUDETTE_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.FrameDurationMS, "CLAUDETTE_AUDIO_FRAME_DURATION_MS")
	overrideString(&cfg.Wake.Engine, "CLAUDETTE_WAKE_ENGINE")
	overrideString(&cfg.Wake.Command, "CLAUDETTE_WAKE_COMMAND")
	overrideString(&cfg.Wake.Word, "CLAUDETTE_WAKE_WORD")
	overrideFloat(&cfg.Wake.Threshold, "CLAUDETTE_WAKE_THRESHOLD")
	overrideInt(&cfg.Wake.MinConsecutiveFrames, "CLAUDETTE_WAKE_MIN_CONSECUTIVE_FRAMES")
	overrideInt(&cfg.Wake.CooldownMS, "CLAUDETTE_WAKE_COOLDOWN_MS")
	overrideInt(&cfg.Capture.SilenceMS, "CLAUDETTE_CAPTURE_SILENCE_MS")
	overrideInt(&cfg.Capture.MaxCaptureMS, "CLAUDETTE_CAPTURE_MAX_CAPTURE_MS")
	overrideInt(&cfg.Capture.NoSpeechTimeoutMS, "CLAUDETTE_CAPTURE_NO_SPEECH_TIMEOUT_MS")
	overrideString(&cfg.STT.Mode, "CLAUDETTE_STT_MODE")
	overrideString(&cfg.STT.Command, "CLAUDETTE_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "CLAUDETTE_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "CLAUDETTE_STT_LANGUAGE")
	overrideInt(&cfg.STT.MaxAttempts, "CLAUDETTE_STT_MAX_ATTEMPTS")
	overrideInt(&cfg.STT.BackoffMS, "CLAUDETTE_STT_BACKOFF_MS")
	overrideString(&cfg.STT.MockTranscript, "CLAUDETTE_STT_MOCK_TRANSCRIPT")
	overrideString(&cfg.LLM.Mode, "CLAUDETTE_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "CLAUDETTE_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "CLAUDETTE_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "CLAUDETTE_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "CLAUDETTE_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "CLAUDETTE_LLM_TEMPERATURE")
	overrideString(&cfg.TTS.Mode, "CLAUDETTE_TTS_MODE")
	overrideString(&cfg.TTS.Command, "CLAUDETTE_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "CLAUDETTE_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "CLAUDETTE_TTS_SAMPLE_RATE")
	overrideString(&cfg.Home.Plane, "CLAUDETTE_HOME_PLANE")
	overrideString(&cfg.Home.URL, "CLAUDETTE_HOME_URL")
	overrideString(&cfg.Home.Token, "CLAUDETTE_HOME_TOKEN")
	overrideInt(&cfg.Home.RefreshIntervalMS, "CLAUDETTE_HOME_REFRESH_INTERVAL_MS")
	overrideInt(&cfg.Home.StalenessMS, "CLAUDETTE_HOME_STALENESS_MS")
	overrideString(&cfg.Home.MockStatesFile, "CLAUDETTE_HOME_MOCK_STATES_FILE")
	overrideStringSlice(&cfg.Intent.AllowedEntities, "CLAUDETTE_INTENT_ALLOWED_ENTITIES")
	overrideInt(&cfg.Dispatch.MaxAttempts, "CLAUDETTE_DISPATCH_MAX_ATTEMPTS")
	overrideInt(&cfg.Dispatch.BackoffMS, "CLAUDETTE_DISPATCH_BACKOFF_MS")
	overrideInt(&cfg.Session.BudgetMS, "CLAUDETTE_SESSION_BUDGET_MS")
	overrideInt(&cfg.Session.GraceMS, "CLAUDETTE_SESSION_GRACE_MS")
	overrideBool(&cfg.Session.BargeIn, "CLAUDETTE_SESSION_BARGE_IN")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}

	switch cfg.Audio.Source {
	case "bus":
	case "exec":
		if cfg.Audio.Command == "" {
			return errors.New("audio.command must be set when source=exec")
		}
	default:
		return errors.New("audio.source must be one of bus|exec")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.FrameDurationMS <= 0 {
		return errors.New("audio.frame_duration_ms must be positive")
	}

	switch cfg.Wake.Engine {
	case "mock":
	case "exec":
		if cfg.Wake.Command == "" {
			return errors.New("wake.command must be set when engine=exec")
		}
	default:
		return errors.New("wake.engine must be one of mock|exec")
	}
	if cfg.Wake.Threshold <= 0 || cfg.Wake.Threshold > 1 {
		return errors.New("wake.threshold must be in (0, 1]")
	}
	if cfg.Wake.MinConsecutiveFrames <= 0 {
		return errors.New("wake.min_consecutive_frames must be >= 1")
	}
	if cfg.Wake.CooldownMS < 0 {
		return errors.New("wake.cooldown_ms must be >= 0")
	}

	if cfg.Capture.SilenceMS <= 0 {
		return errors.New("capture.silence_ms must be positive")
	}
	if cfg.Capture.MaxCaptureMS <= cfg.Capture.SilenceMS {
		return errors.New("capture.max_capture_ms must be greater than silence_ms")
	}
	if cfg.Capture.SilenceThreshold > cfg.Capture.SpeechThreshold {
		return errors.New("capture.silence_threshold must be <= speech_threshold")
	}

	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.MaxAttempts <= 0 {
		return errors.New("stt.max_attempts must be >= 1")
	}

	switch cfg.LLM.Mode {
	case "mock":
	case "ollama":
		if cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
	case "exec":
		if cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}

	switch cfg.TTS.Mode {
	case "mock":
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}

	switch cfg.Home.Plane {
	case "mock":
	case "homeassistant":
		if cfg.Home.URL == "" {
			return errors.New("home.url must be set when plane=homeassistant")
		}
		if cfg.Home.Token == "" {
			return errors.New("home.token must be set when plane=homeassistant")
		}
	default:
		return errors.New("home.plane must be one of homeassistant|mock")
	}
	if cfg.Home.RefreshIntervalMS <= 0 {
		return errors.New("home.refresh_interval_ms must be positive")
	}
	if cfg.Home.StalenessMS <= cfg.Home.RefreshIntervalMS {
		return errors.New("home.staleness_ms must be greater than refresh interval")
	}

	for _, kind := range cfg.Intent.AllowedKinds {
		switch kind {
		case "device_command", "scene":
		default:
			return fmt.Errorf("intent.allowed_kinds: unknown kind %q", kind)
		}
	}
	for _, pattern := range cfg.Intent.AllowedEntities {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("intent.allowed_entities: bad pattern %q: %w", pattern, err)
		}
	}
	if cfg.Intent.HistoryTurns <= 0 {
		return errors.New("intent.history_turns must be >= 1")
	}

	if cfg.Dispatch.MaxAttempts <= 0 {
		return errors.New("dispatch.max_attempts must be >= 1")
	}
	if cfg.Dispatch.Concurrency <= 0 {
		return errors.New("dispatch.concurrency must be >= 1")
	}

	if cfg.Session.BudgetMS <= 0 {
		return errors.New("session.budget_ms must be positive")
	}
	if cfg.Session.GraceMS < 0 {
		return errors.New("session.grace_ms must be >= 0")
	}
	if cfg.Session.STTShare <= 0 || cfg.Session.ResolveShare <= 0 || cfg.Session.STTShare+cfg.Session.ResolveShare >= 1 {
		return errors.New("session.stt_share and resolve_share must be positive and sum to less than 1")
	}
	if cfg.Session.AuditPrivacy == "" {
		return errors.New("session.audit_privacy_scope must not be empty")
	}
	return nil
}
