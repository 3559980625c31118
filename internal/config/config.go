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
	EventStore  EventStoreConfig `yaml:"event_store"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Stream      StreamConfig     `yaml:"stream"`
	Media       MediaConfig      `yaml:"media"`
	Avatars     AvatarsConfig    `yaml:"avatars"`
	Node        NodeConfig       `yaml:"node"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	// StatusStream names the JetStream stream retaining stream done/error
	// events. Empty disables it.
	StatusStream         string `yaml:"status_stream"`
	StatusRetentionHours int    `yaml:"status_retention_hours"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// PipelineConfig controls frame synthesis for both batch and streaming runs.
type PipelineConfig struct {
	SampleRate  int    `yaml:"sample_rate"`
	FrameRate   int    `yaml:"frame_rate"`
	WindowSize  int    `yaml:"window_size"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	OutputDir   string `yaml:"output_dir"`
	KeepFrames  bool   `yaml:"keep_frames"`
	JPEGQuality int    `yaml:"jpeg_quality"`
	// RenderTimeoutMS bounds a render requested over the bus. Zero disables it.
	RenderTimeoutMS int `yaml:"render_timeout_ms"`
}

type StreamConfig struct {
	Enabled          bool `yaml:"enabled"`
	PacingMS         int  `yaml:"pacing_ms"` // 0 paces at one frame interval
	SessionTimeoutMS int  `yaml:"session_timeout_ms"`
	MaxSessions      int  `yaml:"max_sessions"`
	FrameQuality     int  `yaml:"frame_quality"`
}

type MediaConfig struct {
	FFmpegCommand  string `yaml:"ffmpeg_command"`
	FFprobeCommand string `yaml:"ffprobe_command"`
	AudioCodec     string `yaml:"audio_codec"`
	MergeTimeoutMS int    `yaml:"merge_timeout_ms"`
	ProbeTimeoutMS int    `yaml:"probe_timeout_ms"`
}

type FaceRegion struct {
	X      int `yaml:"x"`
	Y      int `yaml:"y"`
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// NodeConfig identifies this instance in capability announcements.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type AvatarsConfig struct {
	Default FaceRegion            `yaml:"default"`
	Faces   map[string]FaceRegion `yaml:"faces"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-lipsync",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8081,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Host:           "0.0.0.0",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,

			StatusStream:         "LIPSYNC_STATUS",
			StatusRetentionHours: 24,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/lipsync-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Pipeline: PipelineConfig{
			SampleRate:  22050,
			FrameRate:   25,
			WindowSize:  1024,
			Width:       640,
			Height:      480,
			OutputDir:   "./data/lipsync",
			KeepFrames:  false,
			JPEGQuality: 90,

			RenderTimeoutMS: 600000,
		},
		Stream: StreamConfig{
			Enabled:          true,
			PacingMS:         0,
			SessionTimeoutMS: 300000,
			MaxSessions:      16,
			FrameQuality:     75,
		},
		Media: MediaConfig{
			FFmpegCommand:  "ffmpeg",
			FFprobeCommand: "ffprobe",
			AudioCodec:     "aac",
			MergeTimeoutMS: 120000,
			ProbeTimeoutMS: 10000,
		},
		Avatars: AvatarsConfig{
			Default: FaceRegion{X: 200, Y: 150, Width: 240, Height: 180},
		},
		Node: NodeConfig{
			ID:                "lipsync-local",
			Role:              "lipsync",
			HeartbeatInterval: 5000,
			HeartbeatTimeout:  15000,
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
	overrideString(&cfg.RuntimeName, "LIPSYNC_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LIPSYNC_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LIPSYNC_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LIPSYNC_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LIPSYNC_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LIPSYNC_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LIPSYNC_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LIPSYNC_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LIPSYNC_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LIPSYNC_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LIPSYNC_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LIPSYNC_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LIPSYNC_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LIPSYNC_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LIPSYNC_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LIPSYNC_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LIPSYNC_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LIPSYNC_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LIPSYNC_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.StatusStream, "LIPSYNC_BUS_STATUS_STREAM")
	overrideInt(&cfg.Bus.StatusRetentionHours, "LIPSYNC_BUS_STATUS_RETENTION_HOURS")
	overrideString(&cfg.EventStore.Path, "LIPSYNC_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LIPSYNC_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LIPSYNC_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LIPSYNC_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LIPSYNC_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Pipeline.SampleRate, "LIPSYNC_PIPELINE_SAMPLE_RATE")
	overrideInt(&cfg.Pipeline.FrameRate, "LIPSYNC_PIPELINE_FRAME_RATE")
	overrideInt(&cfg.Pipeline.WindowSize, "LIPSYNC_PIPELINE_WINDOW_SIZE")
	overrideInt(&cfg.Pipeline.Width, "LIPSYNC_PIPELINE_WIDTH")
	overrideInt(&cfg.Pipeline.Height, "LIPSYNC_PIPELINE_HEIGHT")
	overrideString(&cfg.Pipeline.OutputDir, "LIPSYNC_PIPELINE_OUTPUT_DIR")
	overrideBool(&cfg.Pipeline.KeepFrames, "LIPSYNC_PIPELINE_KEEP_FRAMES")
	overrideInt(&cfg.Pipeline.JPEGQuality, "LIPSYNC_PIPELINE_JPEG_QUALITY")
	overrideInt(&cfg.Pipeline.RenderTimeoutMS, "LIPSYNC_PIPELINE_RENDER_TIMEOUT_MS")
	overrideBool(&cfg.Stream.Enabled, "LIPSYNC_STREAM_ENABLED")
	overrideInt(&cfg.Stream.PacingMS, "LIPSYNC_STREAM_PACING_MS")
	overrideInt(&cfg.Stream.SessionTimeoutMS, "LIPSYNC_STREAM_SESSION_TIMEOUT_MS")
	overrideInt(&cfg.Stream.MaxSessions, "LIPSYNC_STREAM_MAX_SESSIONS")
	overrideInt(&cfg.Stream.FrameQuality, "LIPSYNC_STREAM_FRAME_QUALITY")
	overrideString(&cfg.Media.FFmpegCommand, "LIPSYNC_MEDIA_FFMPEG_COMMAND")
	overrideString(&cfg.Media.FFprobeCommand, "LIPSYNC_MEDIA_FFPROBE_COMMAND")
	overrideString(&cfg.Media.AudioCodec, "LIPSYNC_MEDIA_AUDIO_CODEC")
	overrideInt(&cfg.Media.MergeTimeoutMS, "LIPSYNC_MEDIA_MERGE_TIMEOUT_MS")
	overrideInt(&cfg.Media.ProbeTimeoutMS, "LIPSYNC_MEDIA_PROBE_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LIPSYNC_NODE_ID")
	overrideString(&cfg.Node.Role, "LIPSYNC_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LIPSYNC_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LIPSYNC_NODE_HEARTBEAT_TIMEOUT_MS")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.StatusRetentionHours < 0 {
			return errors.New("bus.status_retention_hours must be >= 0")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout < cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be >= node.heartbeat_interval_ms")
		}
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if err := validatePipeline(cfg.Pipeline); err != nil {
		return err
	}
	if cfg.Stream.Enabled {
		if cfg.Stream.PacingMS < 0 {
			return errors.New("stream.pacing_ms must be >= 0")
		}
		if cfg.Stream.SessionTimeoutMS < 0 {
			return errors.New("stream.session_timeout_ms must be >= 0")
		}
		if cfg.Stream.MaxSessions <= 0 {
			return errors.New("stream.max_sessions must be >= 1")
		}
		if cfg.Stream.FrameQuality < 1 || cfg.Stream.FrameQuality > 100 {
			return errors.New("stream.frame_quality must be between 1 and 100")
		}
	}
	if strings.TrimSpace(cfg.Media.FFmpegCommand) == "" {
		return errors.New("media.ffmpeg_command must not be empty")
	}
	if strings.TrimSpace(cfg.Media.FFprobeCommand) == "" {
		return errors.New("media.ffprobe_command must not be empty")
	}
	if cfg.Media.AudioCodec == "" {
		return errors.New("media.audio_codec must not be empty")
	}
	if err := validateFace("avatars.default", cfg.Avatars.Default); err != nil {
		return err
	}
	for id, face := range cfg.Avatars.Faces {
		if err := validateFace("avatars.faces."+id, face); err != nil {
			return err
		}
	}
	return nil
}

func validatePipeline(p PipelineConfig) error {
	if p.SampleRate <= 0 {
		return errors.New("pipeline.sample_rate must be positive")
	}
	if p.FrameRate <= 0 {
		return errors.New("pipeline.frame_rate must be positive")
	}
	if p.WindowSize < 2 {
		return errors.New("pipeline.window_size must be >= 2")
	}
	if p.Width <= 0 || p.Height <= 0 {
		return errors.New("pipeline.width and pipeline.height must be positive")
	}
	if p.OutputDir == "" {
		return errors.New("pipeline.output_dir must not be empty")
	}
	if p.JPEGQuality < 1 || p.JPEGQuality > 100 {
		return errors.New("pipeline.jpeg_quality must be between 1 and 100")
	}
	if p.RenderTimeoutMS < 0 {
		return errors.New("pipeline.render_timeout_ms must be >= 0")
	}
	return nil
}

func validateFace(key string, face FaceRegion) error {
	if face.Width <= 0 || face.Height <= 0 {
		return fmt.Errorf("%s width and height must be positive", key)
	}
	return nil
}
