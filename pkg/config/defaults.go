package config

import "time"

// DefaultConfig returns a Config populated entirely with defaults, suitable
// for a single-node development instance backed by an in-memory persistent
// store and malloc-backed devices.
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg with defaults. It is applied
// after unmarshalling so that a partial config file only overrides the
// fields it sets.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Reactor.Cores == 0 {
		cfg.Reactor.Cores = 1
	}

	if cfg.Nvmf.NexusPort == 0 {
		cfg.Nvmf.NexusPort = 4420
	}
	if cfg.Nvmf.ReplicaPort == 0 {
		cfg.Nvmf.ReplicaPort = 8420
	}
	if cfg.Nvmf.Address == "" {
		cfg.Nvmf.Address = "0.0.0.0"
	}

	if cfg.Persist.Backend == "" {
		cfg.Persist.Backend = PersistBackendMemory
	}

	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9090"
	}

	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = []string{"cpu", "alloc_objects", "alloc_space"}
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}
