// Package config handles scenepose configuration loading and management.
package config

import (
	"fmt"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap/zapcore"

	"github.com/Faultbox/scenepose/internal/gpu"
	"github.com/Faultbox/scenepose/internal/pool"
)

// Config holds all settings.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Pools     PoolsConfig     `yaml:"pools"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Animation AnimationConfig `yaml:"animation"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Device backends.
const (
	BackendNull = "null"
	BackendGL   = "gl"
)

// DeviceConfig selects the graphics backend. The capability fields
// describe the null device; the GL backend reports its own.
type DeviceConfig struct {
	Backend               string              `yaml:"backend"`
	UnifiedMemory         bool                `yaml:"unified_memory"`
	ExplicitDescriptors   bool                `yaml:"explicit_descriptors"`
	SeparateTransferQueue bool                `yaml:"separate_transfer_queue"`
	CopyAlignment         uint64              `yaml:"copy_alignment"`
	UniformAlignment      uint64              `yaml:"uniform_alignment"`
	MaxSamplers           int                 `yaml:"max_samplers"`
	DescriptorSizes       gpu.DescriptorSizes `yaml:"descriptor_sizes"`
}

// Caps returns the configured capabilities.
func (d DeviceConfig) Caps() gpu.Caps {
	return gpu.Caps{
		UnifiedMemory:         d.UnifiedMemory,
		ExplicitDescriptors:   d.ExplicitDescriptors,
		DescriptorSizes:       d.DescriptorSizes,
		CopyAlignment:         d.CopyAlignment,
		UniformAlignment:      d.UniformAlignment,
		SeparateTransferQueue: d.SeparateTransferQueue,
		MaxSamplers:           d.MaxSamplers,
	}
}

// PoolConfig sizes one memory pool.
type PoolConfig struct {
	Capacity datasize.ByteSize `yaml:"capacity"`
	Floor    datasize.ByteSize `yaml:"floor"`
}

// PoolsConfig sizes every memory pool.
type PoolsConfig struct {
	Bind               PoolConfig `yaml:"bind"`
	Staging            PoolConfig `yaml:"staging"`
	DescriptorResource PoolConfig `yaml:"descriptor_resource"`
	DescriptorSampler  PoolConfig `yaml:"descriptor_sampler"`
	Image              PoolConfig `yaml:"image"`
}

// Get returns the settings of one pool.
func (p *PoolsConfig) Get(k pool.Kind) PoolConfig {
	switch k {
	case pool.Bind:
		return p.Bind
	case pool.Staging:
		return p.Staging
	case pool.DescriptorResource:
		return p.DescriptorResource
	case pool.DescriptorSampler:
		return p.DescriptorSampler
	default:
		return p.Image
	}
}

// JobsConfig holds worker pool settings.
type JobsConfig struct {
	Workers int `yaml:"workers"` // 0 = one per CPU
}

// AnimationConfig holds playback settings.
type AnimationConfig struct {
	Speed float32 `yaml:"speed"`
	Loop  bool    `yaml:"loop"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogFile string `yaml:"log_file"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	caps := gpu.DefaultCaps()
	return &Config{
		Device: DeviceConfig{
			Backend:          BackendNull,
			CopyAlignment:    caps.CopyAlignment,
			UniformAlignment: caps.UniformAlignment,
			MaxSamplers:      caps.MaxSamplers,
			DescriptorSizes:  caps.DescriptorSizes,
		},
		Pools: PoolsConfig{
			Bind:               PoolConfig{Capacity: 64 * datasize.MB},
			Staging:            PoolConfig{Capacity: 64 * datasize.MB},
			DescriptorResource: PoolConfig{Capacity: 1 * datasize.MB},
			DescriptorSampler:  PoolConfig{Capacity: 256 * datasize.KB},
			Image:              PoolConfig{Capacity: 256 * datasize.MB},
		},
		Jobs: JobsConfig{
			Workers: 0,
		},
		Animation: AnimationConfig{
			Speed: 1,
			Loop:  true,
		},
		Logging: LoggingConfig{
			Level:   "info",
			LogFile: "",
		},
	}
}

// Validate checks values that would make the engine fail to start.
func (c *Config) Validate() error {
	switch c.Device.Backend {
	case BackendNull, BackendGL:
	default:
		return fmt.Errorf("device.backend %q: want %q or %q", c.Device.Backend, BackendNull, BackendGL)
	}
	for k := range pool.KindCount {
		pc := c.Pools.Get(k)
		if pc.Floor > pc.Capacity {
			return fmt.Errorf("pools.%s: floor %s exceeds capacity %s", k, pc.Floor.HumanReadable(), pc.Capacity.HumanReadable())
		}
	}
	if c.Jobs.Workers < 0 {
		return fmt.Errorf("jobs.workers %d: must not be negative", c.Jobs.Workers)
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}
