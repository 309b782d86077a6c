package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"

	"github.com/Faultbox/scenepose/internal/pool"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Device.Backend != BackendNull {
		t.Errorf("expected backend %q, got %q", BackendNull, cfg.Device.Backend)
	}
	if cfg.Device.UnifiedMemory {
		t.Error("expected unified memory to be false by default")
	}
	if cfg.Device.CopyAlignment != 4 {
		t.Errorf("expected copy alignment 4, got %d", cfg.Device.CopyAlignment)
	}
	if cfg.Pools.Bind.Capacity != 64*datasize.MB {
		t.Errorf("expected bind capacity 64MB, got %s", cfg.Pools.Bind.Capacity.HumanReadable())
	}
	if cfg.Animation.Speed != 1 || !cfg.Animation.Loop {
		t.Errorf("expected looping playback at speed 1, got %+v", cfg.Animation)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
device:
  backend: gl
  unified_memory: true
  explicit_descriptors: true
  max_samplers: 4
  descriptor_sizes:
    uniform: 32
    sampled_image: 64
    sampler: 32

pools:
  bind:
    capacity: 8MB
    floor: 4KB
  image:
    capacity: 1GB

jobs:
  workers: 3

animation:
  speed: 0.5
  loop: false

logging:
  level: "debug"
  log_file: "scenepose.log"
`

	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg := Default()
	if err := loadFromFile(cfg, configPath); err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Device.Backend != BackendGL {
		t.Errorf("expected backend gl, got %s", cfg.Device.Backend)
	}
	caps := cfg.Device.Caps()
	if !caps.UnifiedMemory || !caps.ExplicitDescriptors {
		t.Errorf("expected unified and explicit descriptors, got %+v", caps)
	}
	if caps.MaxSamplers != 4 {
		t.Errorf("expected 4 samplers, got %d", caps.MaxSamplers)
	}
	if caps.DescriptorSizes.SampledImage != 64 {
		t.Errorf("expected sampled image descriptor size 64, got %d", caps.DescriptorSizes.SampledImage)
	}
	// Fields not in the file keep their defaults.
	if caps.CopyAlignment != 4 {
		t.Errorf("expected default copy alignment, got %d", caps.CopyAlignment)
	}

	if cfg.Pools.Bind.Capacity != 8*datasize.MB {
		t.Errorf("expected bind capacity 8MB, got %s", cfg.Pools.Bind.Capacity.HumanReadable())
	}
	if cfg.Pools.Get(pool.Bind).Floor != 4*datasize.KB {
		t.Errorf("expected bind floor 4KB, got %s", cfg.Pools.Bind.Floor.HumanReadable())
	}
	if cfg.Pools.Get(pool.Image).Capacity != datasize.GB {
		t.Errorf("expected image capacity 1GB, got %s", cfg.Pools.Image.Capacity.HumanReadable())
	}
	if cfg.Pools.Staging.Capacity != 64*datasize.MB {
		t.Errorf("expected default staging capacity, got %s", cfg.Pools.Staging.Capacity.HumanReadable())
	}

	if cfg.Jobs.Workers != 3 {
		t.Errorf("expected 3 workers, got %d", cfg.Jobs.Workers)
	}
	if cfg.Animation.Speed != 0.5 || cfg.Animation.Loop {
		t.Errorf("expected half speed without loop, got %+v", cfg.Animation)
	}
	if cfg.Logging.LogFile != "scenepose.log" {
		t.Errorf("expected log file 'scenepose.log', got %s", cfg.Logging.LogFile)
	}
}

func TestLoadFromFileInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
pools:
  bind:
    capacity: lots
`

	if err := os.WriteFile(configPath, []byte(invalidYAML), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg := Default()
	if err := loadFromFile(cfg, configPath); err == nil {
		t.Error("expected error loading invalid size, got nil")
	}
}

func TestLoadFromFileUnknownKey(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "typo.yaml")
	if err := os.WriteFile(configPath, []byte("jobs:\n  wrokers: 3\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if err := loadFromFile(Default(), configPath); err == nil {
		t.Error("expected error for unknown key, got nil")
	}
}

func TestLoadFromFileEmpty(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(configPath, nil, 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	cfg := Default()
	if err := loadFromFile(cfg, configPath); err != nil {
		t.Fatalf("empty file: %v", err)
	}
	if cfg.Animation.Speed != 1 {
		t.Errorf("defaults changed by empty file: %+v", cfg.Animation)
	}
}

func TestConfigPathFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(EnvConfig, "/etc/scenepose.yaml")
	if got := configPath(); got != "/etc/scenepose.yaml" {
		t.Errorf("expected env path, got %q", got)
	}

	*flagConfig = "explicit.yaml"
	defer func() { *flagConfig = "" }()
	if got := configPath(); got != "explicit.yaml" {
		t.Errorf("flag should win over env, got %q", got)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	cfg := Default()
	err := loadFromFile(cfg, "/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error loading missing file, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Device.Backend = "vulkan" }},
		{"floor past capacity", func(c *Config) { c.Pools.Staging.Floor = c.Pools.Staging.Capacity + 1 }},
		{"negative workers", func(c *Config) { c.Jobs.Workers = -1 }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "chatty" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestConfigDir(t *testing.T) {
	dir := ConfigDir()

	if dir == "" {
		t.Error("ConfigDir returned empty string")
	}
	if !filepath.IsAbs(dir) {
		t.Errorf("ConfigDir should return absolute path, got %s", dir)
	}
}

func TestFindConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	if path := findConfigFile(); path != "" {
		t.Errorf("expected empty path when no config exists, got %s", path)
	}

	if err := os.WriteFile("config.yaml", []byte("jobs:\n  workers: 2\n"), 0644); err != nil {
		t.Fatalf("failed to create test config: %v", err)
	}
	if path := findConfigFile(); path == "" {
		t.Error("expected to find config.yaml in current directory")
	}
}

func TestApplyFlags(t *testing.T) {
	tests := []struct {
		name     string
		setup    func()
		verify   func(*testing.T, *Config)
		teardown func()
	}{
		{
			name:  "debug flag",
			setup: func() { *flagDebug = true },
			verify: func(t *testing.T, cfg *Config) {
				if cfg.Logging.Level != "debug" {
					t.Errorf("expected log level 'debug', got %s", cfg.Logging.Level)
				}
			},
			teardown: func() { *flagDebug = false },
		},
		{
			name:  "device flag",
			setup: func() { *flagDevice = BackendGL },
			verify: func(t *testing.T, cfg *Config) {
				if cfg.Device.Backend != BackendGL {
					t.Errorf("expected backend gl, got %s", cfg.Device.Backend)
				}
			},
			teardown: func() { *flagDevice = "" },
		},
		{
			name:  "workers flag",
			setup: func() { *flagWorkers = 8 },
			verify: func(t *testing.T, cfg *Config) {
				if cfg.Jobs.Workers != 8 {
					t.Errorf("expected 8 workers, got %d", cfg.Jobs.Workers)
				}
			},
			teardown: func() { *flagWorkers = 0 },
		},
		{
			name:  "unified flag",
			setup: func() { *flagUnified = true },
			verify: func(t *testing.T, cfg *Config) {
				if !cfg.Device.UnifiedMemory {
					t.Error("expected unified memory with unified flag")
				}
			},
			teardown: func() { *flagUnified = false },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()
			defer tt.teardown()

			cfg := Default()
			applyFlags(cfg)

			tt.verify(t, cfg)
		})
	}
}

func TestLoadPriority(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
jobs:
  workers: 2
device:
  unified_memory: false
  max_samplers: 7
`

	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	*flagConfig = configPath
	*flagWorkers = 6
	defer func() {
		*flagConfig = ""
		*flagWorkers = 0
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	// Workers from the flag, samplers from the file.
	if cfg.Jobs.Workers != 6 {
		t.Errorf("expected 6 workers from flag, got %d", cfg.Jobs.Workers)
	}
	if cfg.Device.MaxSamplers != 7 {
		t.Errorf("expected 7 samplers from file, got %d", cfg.Device.MaxSamplers)
	}
}

func TestSaveToRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Pools.Image.Capacity = 512 * datasize.MB
	cfg.Device.ExplicitDescriptors = true

	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}

	loaded := Default()
	if err := loadFromFile(loaded, path); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Pools.Image.Capacity != 512*datasize.MB {
		t.Errorf("expected image capacity 512MB, got %s", loaded.Pools.Image.Capacity.HumanReadable())
	}
	if !loaded.Device.ExplicitDescriptors {
		t.Error("expected explicit descriptors after reload")
	}
}
