package config

import "flag"

var (
	flagConfig  = flag.String("config", "", "Path to config file")
	flagDebug   = flag.Bool("debug", false, "Enable debug logging")
	flagDevice  = flag.String("device", "", "Device backend (null, gl)")
	flagWorkers = flag.Int("workers", 0, "Worker goroutines (0 = config value)")
	flagUnified = flag.Bool("unified", false, "Treat device memory as unified")
)

// ParseFlags parses command-line flags. Call this early in main().
func ParseFlags() {
	flag.Parse()
}

// ConfigPath returns the explicit config path if provided via --config flag.
func ConfigPath() string {
	return *flagConfig
}

// applyFlags applies CLI flag overrides to the config.
func applyFlags(cfg *Config) {
	if *flagDebug {
		cfg.Logging.Level = "debug"
	}
	if *flagDevice != "" {
		cfg.Device.Backend = *flagDevice
	}
	if *flagWorkers > 0 {
		cfg.Jobs.Workers = *flagWorkers
	}
	if *flagUnified {
		cfg.Device.UnifiedMemory = true
	}
}
