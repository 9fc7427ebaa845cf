package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	MetricsPath  string `yaml:"metrics_path"`
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
	Backend     BackendConfig    `yaml:"backend"`
	Audio       AudioConfig      `yaml:"audio"`
	Engine      EngineConfig     `yaml:"engine"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	StoreDir       string   `yaml:"store_dir"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRequests   int    `yaml:"max_requests"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	Buffer        int    `yaml:"buffer"`
}

// BackendConfig selects and parameterizes the speech synthesis backend.
type BackendConfig struct {
	Mode        string  `yaml:"mode"` // mock, exec, kitten
	Command     string  `yaml:"command"`
	ModelDir    string  `yaml:"model_dir"`
	ModelFile   string  `yaml:"model_file"`
	VoicesFile  string  `yaml:"voices_file"`
	TokensFile  string  `yaml:"tokens_file"`
	DataDir     string  `yaml:"data_dir"`
	Phonemizer  string  `yaml:"phonemizer"`
	ONNXLibrary string  `yaml:"onnx_library"`
	NumThreads  int     `yaml:"num_threads"`
	LengthScale float64 `yaml:"length_scale"`
	SampleRate  int     `yaml:"sample_rate"`
	LoadDelayMS int     `yaml:"load_delay_ms"`
}

type AudioConfig struct {
	Driver   string `yaml:"driver"` // miniaudio, null
	PeriodMS int    `yaml:"period_ms"`
}

type EngineConfig struct {
	Preempt      bool    `yaml:"preempt"`
	Workers      int     `yaml:"workers"`
	DefaultVoice int     `yaml:"default_voice"`
	DefaultSpeed float64 `yaml:"default_speed"`
	InboxSize    int     `yaml:"inbox_size"`
	HistorySize  int     `yaml:"history_size"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-kitten",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
			MetricsPath:  "/metrics",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			StoreDir:       "./data/nats",
		},
		Node: NodeConfig{
			ID:                "kitten-node-1",
			Role:              "speaker",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/kitten-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRequests:   10000,
			Buffer:        256,
		},
		Backend: BackendConfig{
			Mode:        "mock",
			ModelDir:    "kitten-nano-en-v0_1-fp16",
			ModelFile:   "model.fp16.onnx",
			VoicesFile:  "voices.bin",
			TokensFile:  "tokens.txt",
			DataDir:     "espeak-ng-data",
			Phonemizer:  "espeak-ng -q --ipa -v en-us --stdin",
			NumThreads:  2,
			LengthScale: 1.0,
			SampleRate:  22050,
		},
		Audio: AudioConfig{
			Driver:   "miniaudio",
			PeriodMS: 20,
		},
		Engine: EngineConfig{
			Preempt:      true,
			Workers:      1,
			DefaultVoice: 0,
			DefaultSpeed: 1.0,
			InboxSize:    64,
			HistorySize:  256,
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
	overrideString(&cfg.RuntimeName, "KITTEN_RUNTIME_NAME")
	overrideString(&cfg.Environment, "KITTEN_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "KITTEN_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "KITTEN_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "KITTEN_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "KITTEN_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "KITTEN_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.MetricsPath, "KITTEN_TELEMETRY_METRICS_PATH")
	overrideBool(&cfg.Bus.Enabled, "KITTEN_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "KITTEN_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "KITTEN_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "KITTEN_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "KITTEN_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "KITTEN_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "KITTEN_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "KITTEN_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "KITTEN_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.StoreDir, "KITTEN_BUS_STORE_DIR")
	overrideString(&cfg.Node.ID, "KITTEN_NODE_ID")
	overrideString(&cfg.Node.Role, "KITTEN_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "KITTEN_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "KITTEN_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "KITTEN_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "KITTEN_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "KITTEN_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRequests, "KITTEN_EVENT_STORE_MAX_REQUESTS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "KITTEN_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.EventStore.Buffer, "KITTEN_EVENT_STORE_BUFFER")
	overrideString(&cfg.Backend.Mode, "KITTEN_BACKEND_MODE")
	overrideString(&cfg.Backend.Command, "KITTEN_BACKEND_COMMAND")
	overrideString(&cfg.Backend.ModelDir, "KITTEN_BACKEND_MODEL_DIR")
	overrideString(&cfg.Backend.ModelFile, "KITTEN_BACKEND_MODEL_FILE")
	overrideString(&cfg.Backend.VoicesFile, "KITTEN_BACKEND_VOICES_FILE")
	overrideString(&cfg.Backend.TokensFile, "KITTEN_BACKEND_TOKENS_FILE")
	overrideString(&cfg.Backend.DataDir, "KITTEN_BACKEND_DATA_DIR")
	overrideString(&cfg.Backend.Phonemizer, "KITTEN_BACKEND_PHONEMIZER")
	overrideString(&cfg.Backend.ONNXLibrary, "KITTEN_BACKEND_ONNX_LIBRARY")
	overrideInt(&cfg.Backend.NumThreads, "KITTEN_BACKEND_NUM_THREADS")
	overrideFloat(&cfg.Backend.LengthScale, "KITTEN_BACKEND_LENGTH_SCALE")
	overrideInt(&cfg.Backend.SampleRate, "KITTEN_BACKEND_SAMPLE_RATE")
	overrideInt(&cfg.Backend.LoadDelayMS, "KITTEN_BACKEND_LOAD_DELAY_MS")
	overrideString(&cfg.Audio.Driver, "KITTEN_AUDIO_DRIVER")
	overrideInt(&cfg.Audio.PeriodMS, "KITTEN_AUDIO_PERIOD_MS")
	overrideBool(&cfg.Engine.Preempt, "KITTEN_ENGINE_PREEMPT")
	overrideInt(&cfg.Engine.Workers, "KITTEN_ENGINE_WORKERS")
	overrideInt(&cfg.Engine.DefaultVoice, "KITTEN_ENGINE_DEFAULT_VOICE")
	overrideFloat(&cfg.Engine.DefaultSpeed, "KITTEN_ENGINE_DEFAULT_SPEED")
	overrideInt(&cfg.Engine.InboxSize, "KITTEN_ENGINE_INBOX_SIZE")
	overrideInt(&cfg.Engine.HistorySize, "KITTEN_ENGINE_HISTORY_SIZE")
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
	if !strings.HasPrefix(cfg.Telemetry.MetricsPath, "/") {
		return errors.New("telemetry.metrics_path must start with /")
	}
	if cfg.Bus.Enabled {
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
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Backend.Mode {
	case "mock", "exec", "kitten":
	default:
		return errors.New("backend.mode must be one of mock|exec|kitten")
	}
	if cfg.Backend.Mode == "exec" && cfg.Backend.Command == "" {
		return errors.New("backend.command must be set when mode=exec")
	}
	if cfg.Backend.Mode == "kitten" {
		if cfg.Backend.ModelDir == "" {
			return errors.New("backend.model_dir must be set when mode=kitten")
		}
		if cfg.Backend.NumThreads <= 0 {
			return errors.New("backend.num_threads must be positive")
		}
		if cfg.Backend.LengthScale <= 0 {
			return errors.New("backend.length_scale must be positive")
		}
	}
	if cfg.Backend.Mode != "exec" && cfg.Backend.SampleRate <= 0 {
		return errors.New("backend.sample_rate must be positive")
	}
	switch cfg.Audio.Driver {
	case "miniaudio", "null":
	default:
		return errors.New("audio.driver must be one of miniaudio|null")
	}
	if cfg.Audio.PeriodMS <= 0 {
		return errors.New("audio.period_ms must be positive")
	}
	if cfg.Engine.Workers <= 0 {
		return errors.New("engine.workers must be >= 1")
	}
	if cfg.Engine.DefaultSpeed < 0.5 || cfg.Engine.DefaultSpeed > 2.0 {
		return errors.New("engine.default_speed must be within [0.5, 2.0]")
	}
	if cfg.Engine.InboxSize <= 0 {
		return errors.New("engine.inbox_size must be positive")
	}
	if cfg.Engine.HistorySize <= 0 {
		return errors.New("engine.history_size must be positive")
	}
	return nil
}
