package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks that a fully-defaulted Config is internally consistent.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Nvmf.NexusPort == cfg.Nvmf.ReplicaPort {
		return fmt.Errorf("nvmf.nexus_port and nvmf.replica_port must differ (both %d)", cfg.Nvmf.NexusPort)
	}

	switch cfg.Persist.Backend {
	case PersistBackendBadger:
		if cfg.Persist.Path == "" {
			return fmt.Errorf("persist.path is required when persist.backend is %q", PersistBackendBadger)
		}
	case PersistBackendPostgres:
		if cfg.Persist.DSN == "" {
			return fmt.Errorf("persist.dsn is required when persist.backend is %q", PersistBackendPostgres)
		}
	}

	if cfg.Nvmf.BearerAuth.Enabled && cfg.Nvmf.BearerAuth.Secret == "" {
		return fmt.Errorf("nvmf.bearer_auth.secret is required when nvmf.bearer_auth.enabled is true")
	}

	return nil
}
