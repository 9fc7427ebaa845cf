package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Backend.Mode != "mock" {
		t.Fatalf("expected mock backend, got %q", cfg.Backend.Mode)
	}
	if cfg.Backend.SampleRate != 22050 {
		t.Fatalf("expected default sample rate 22050, got %d", cfg.Backend.SampleRate)
	}
	if !cfg.Engine.Preempt {
		t.Fatal("expected preempt enabled by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kitten.yaml")
	data := []byte(`
backend:
  mode: kitten
  model_dir: /opt/models/kitten
  num_threads: 4
audio:
  driver: "null"
engine:
  preempt: false
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Backend.Mode != "kitten" || cfg.Backend.ModelDir != "/opt/models/kitten" {
		t.Fatalf("expected kitten backend from file, got %+v", cfg.Backend)
	}
	if cfg.Backend.NumThreads != 4 {
		t.Fatalf("expected 4 threads, got %d", cfg.Backend.NumThreads)
	}
	if cfg.Backend.ModelFile != "model.fp16.onnx" {
		t.Fatalf("expected default model file retained, got %q", cfg.Backend.ModelFile)
	}
	if cfg.Audio.Driver != "null" {
		t.Fatalf("expected null driver, got %q", cfg.Audio.Driver)
	}
	if cfg.Engine.Preempt {
		t.Fatal("expected preempt disabled from file")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KITTEN_BUS_ENABLED", "true")
	t.Setenv("KITTEN_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("KITTEN_BUS_USERNAME", "alice")
	t.Setenv("KITTEN_BUS_PASSWORD", "secret")
	t.Setenv("KITTEN_BUS_TLS_INSECURE", "true")
	t.Setenv("KITTEN_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("KITTEN_NODE_ID", "test-node")
	t.Setenv("KITTEN_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("KITTEN_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("KITTEN_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("KITTEN_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("KITTEN_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("KITTEN_EVENT_STORE_MAX_REQUESTS", "123")
	t.Setenv("KITTEN_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("KITTEN_BACKEND_MODE", "exec")
	t.Setenv("KITTEN_BACKEND_COMMAND", "piper --output-wav")
	t.Setenv("KITTEN_BACKEND_PHONEMIZER", "espeak-ng -q --ipa=3 --stdin")
	t.Setenv("KITTEN_AUDIO_DRIVER", "null")
	t.Setenv("KITTEN_ENGINE_DEFAULT_SPEED", "1.5")
	t.Setenv("KITTEN_ENGINE_WORKERS", "3")

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
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.Node.HeartbeatInterval != 1500 || cfg.Node.HeartbeatTimeout != 5000 {
		t.Fatalf("expected heartbeat overrides")
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store overrides")
	}
	if cfg.EventStore.RetentionDays != 7 || cfg.EventStore.MaxRequests != 123 {
		t.Fatalf("expected event store retention overrides")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.Backend.Mode != "exec" || cfg.Backend.Command != "piper --output-wav" {
		t.Fatalf("expected backend overrides, got %+v", cfg.Backend)
	}
	if cfg.Backend.Phonemizer != "espeak-ng -q --ipa=3 --stdin" {
		t.Fatalf("expected phonemizer override, got %q", cfg.Backend.Phonemizer)
	}
	if cfg.Audio.Driver != "null" {
		t.Fatalf("expected audio driver override")
	}
	if cfg.Engine.DefaultSpeed != 1.5 || cfg.Engine.Workers != 3 {
		t.Fatalf("expected engine overrides, got %+v", cfg.Engine)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"exec without command": func(c *Config) { c.Backend.Mode = "exec" },
		"unknown backend":      func(c *Config) { c.Backend.Mode = "cloud" },
		"unknown driver":       func(c *Config) { c.Audio.Driver = "alsa" },
		"speed too fast":       func(c *Config) { c.Engine.DefaultSpeed = 2.5 },
		"no workers":           func(c *Config) { c.Engine.Workers = 0 },
		"bad retention":        func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"bad heartbeat": func(c *Config) {
			c.Bus.Enabled = true
			c.Node.HeartbeatTimeout = c.Node.HeartbeatInterval
		},
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

func TestShippedConfigMatchesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "kitten.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("kitten.yaml drifted from Default():\n got %+v\nwant %+v", cfg, Default())
	}
}
