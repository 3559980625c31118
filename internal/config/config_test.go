package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Pipeline.SampleRate != 22050 || cfg.Pipeline.FrameRate != 25 || cfg.Pipeline.WindowSize != 1024 {
		t.Fatalf("unexpected pipeline defaults: %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.Width != 640 || cfg.Pipeline.Height != 480 {
		t.Fatalf("unexpected frame size %dx%d", cfg.Pipeline.Width, cfg.Pipeline.Height)
	}
	want := FaceRegion{X: 200, Y: 150, Width: 240, Height: 180}
	if cfg.Avatars.Default != want {
		t.Fatalf("expected default face %+v, got %+v", want, cfg.Avatars.Default)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lipsync.yaml")
	data := []byte(`
pipeline:
  frame_rate: 30
  output_dir: /tmp/out
avatars:
  faces:
    anna:
      x: 10
      y: 20
      width: 100
      height: 80
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pipeline.FrameRate != 30 {
		t.Fatalf("expected frame rate 30, got %d", cfg.Pipeline.FrameRate)
	}
	if cfg.Pipeline.SampleRate != 22050 {
		t.Fatalf("expected untouched sample rate default, got %d", cfg.Pipeline.SampleRate)
	}
	if face := cfg.Avatars.Faces["anna"]; face.Width != 100 || face.Height != 80 {
		t.Fatalf("unexpected face for anna: %+v", face)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LIPSYNC_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LIPSYNC_BUS_USERNAME", "alice")
	t.Setenv("LIPSYNC_BUS_PASSWORD", "secret")
	t.Setenv("LIPSYNC_BUS_TLS_INSECURE", "true")
	t.Setenv("LIPSYNC_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LIPSYNC_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LIPSYNC_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LIPSYNC_PIPELINE_FRAME_RATE", "30")
	t.Setenv("LIPSYNC_PIPELINE_KEEP_FRAMES", "true")
	t.Setenv("LIPSYNC_STREAM_PACING_MS", "5")
	t.Setenv("LIPSYNC_STREAM_MAX_SESSIONS", "2")
	t.Setenv("LIPSYNC_MEDIA_FFMPEG_COMMAND", "/opt/ffmpeg/bin/ffmpeg -hide_banner")
	t.Setenv("LIPSYNC_NODE_ID", "lipsync-7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if cfg.Pipeline.FrameRate != 30 {
		t.Fatalf("expected frame rate override")
	}
	if !cfg.Pipeline.KeepFrames {
		t.Fatalf("expected keep frames override")
	}
	if cfg.Stream.PacingMS != 5 || cfg.Stream.MaxSessions != 2 {
		t.Fatalf("expected stream overrides, got %+v", cfg.Stream)
	}
	if cfg.Media.FFmpegCommand != "/opt/ffmpeg/bin/ffmpeg -hide_banner" {
		t.Fatalf("expected ffmpeg command override, got %q", cfg.Media.FFmpegCommand)
	}
	if cfg.Node.ID != "lipsync-7" {
		t.Fatalf("expected node id override, got %q", cfg.Node.ID)
	}
}

func TestValidateRejectsBadPipeline(t *testing.T) {
	cases := map[string]func(*Config){
		"frame rate":  func(c *Config) { c.Pipeline.FrameRate = 0 },
		"sample rate": func(c *Config) { c.Pipeline.SampleRate = -1 },
		"window":      func(c *Config) { c.Pipeline.WindowSize = 1 },
		"face":        func(c *Config) { c.Avatars.Default.Width = 0 },
		"sessions":    func(c *Config) { c.Stream.MaxSessions = 0 },
		"ffmpeg":      func(c *Config) { c.Media.FFmpegCommand = " " },
		"retention":   func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"node id":     func(c *Config) { c.Node.ID = "" },
		"heartbeat":   func(c *Config) { c.Node.HeartbeatTimeout = c.Node.HeartbeatInterval - 1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
