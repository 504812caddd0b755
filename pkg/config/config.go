// Package config loads the io-engine process configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (IOENGINE_*), for keys the file sets
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
//
// No command-line flag overrides an individual setting. When no
// configuration file is found, the defaults are used and the environment
// is not consulted.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/io-engine/io-engine/internal/bytesize"
)

// Config is the complete static configuration of an io-engine process.
//
// Dynamic state (pools, replicas, nexuses, subsystems) is not part of this
// struct: it is created at runtime through the admin API and, where
// durable, tracked by the persistent-store collaborator (see pkg/persist).
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Reactor controls the cooperative per-core scheduler.
	Reactor ReactorConfig `mapstructure:"reactor" yaml:"reactor"`

	// Nvmf controls the NVMe-oF target's listen endpoints.
	Nvmf NvmfConfig `mapstructure:"nvmf" yaml:"nvmf"`

	// Persist selects and configures the persistent-store collaborator backend.
	Persist PersistConfig `mapstructure:"persist" yaml:"persist"`

	// Metrics contains the debug/health HTTP surface configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Profiling contains Pyroscope continuous profiling configuration.
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`

	// FaultInjection toggles the optional fault-injection feature.
	FaultInjection FaultInjectionConfig `mapstructure:"fault_injection" yaml:"fault_injection"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ReactorConfig describes the cooperative, single-threaded-per-core
// scheduler. Each core owns its devices' I/O channels exclusively;
// cross-core work is delivered as a message to the owning core.
type ReactorConfig struct {
	// Cores is the number of reactor cores to start.
	Cores int `mapstructure:"cores" validate:"required,gt=0" yaml:"cores"`

	// CPUList optionally pins reactors to specific OS CPU indices.
	// Empty means "let the runtime scheduler place them".
	CPUList []int `mapstructure:"cpu_list" yaml:"cpu_list,omitempty"`
}

// NvmfConfig configures the two NVMe-oF TCP listen endpoints.
type NvmfConfig struct {
	// NexusPort is the endpoint initiators use to reach published nexuses.
	NexusPort int `mapstructure:"nexus_port" validate:"required,min=1,max=65535" yaml:"nexus_port"`

	// ReplicaPort is the endpoint nexuses use to reach remote replicas.
	// Kept separate so the two traffic classes can be firewalled independently.
	ReplicaPort int `mapstructure:"replica_port" validate:"required,min=1,max=65535" yaml:"replica_port"`

	// Address is the bind address for both listen endpoints.
	Address string `mapstructure:"address" validate:"required" yaml:"address"`

	// AllowAnyHost permits any NQN to connect when no explicit allow-list is set.
	AllowAnyHost bool `mapstructure:"allow_any_host" yaml:"allow_any_host"`

	// BearerAuth optionally requires a signed JWT before the allowed-host
	// NQN check runs, for replica ports reachable beyond a trusted fabric.
	BearerAuth BearerAuthConfig `mapstructure:"bearer_auth" yaml:"bearer_auth"`
}

// BearerAuthConfig configures the optional JWT layer in front of the
// NVMe-oF target's replica-serving endpoint.
type BearerAuthConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Secret    string `mapstructure:"secret" yaml:"secret,omitempty"`
	Issuer    string `mapstructure:"issuer" yaml:"issuer,omitempty"`
}

// PersistBackend selects which persistent-store collaborator backend to use.
type PersistBackend string

const (
	PersistBackendMemory   PersistBackend = "memory"
	PersistBackendBadger   PersistBackend = "badger"
	PersistBackendPostgres PersistBackend = "postgres"
)

// PersistConfig configures the persistent-store collaborator used for
// per-replica properties and nexus child-state transitions.
type PersistConfig struct {
	Backend PersistBackend `mapstructure:"backend" validate:"required,oneof=memory badger postgres" yaml:"backend"`

	// Path is the BadgerDB directory, used when Backend is "badger".
	Path string `mapstructure:"path" yaml:"path,omitempty"`

	// DSN is the Postgres connection string, used when Backend is "postgres".
	DSN string `mapstructure:"dsn" yaml:"dsn,omitempty"`

	// MigrationsPath points at the golang-migrate migration set for the
	// postgres backend.
	MigrationsPath string `mapstructure:"migrations_path" yaml:"migrations_path,omitempty"`
}

// MetricsConfig configures the debug/health HTTP surface (/healthz, /metrics).
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" validate:"omitempty" yaml:"address,omitempty"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string   `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types,omitempty"`
}

// FaultInjectionConfig toggles the optional fault-injection feature.
// It is runtime-gated so a production config can disable it outright
// without a separate build.
type FaultInjectionConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// WipeSubChunkCap bounds the wipe engine's internal sub-chunking, keeping
// per-I/O latency bounded regardless of the chunk size a caller requests.
const WipeSubChunkCap = 8 * bytesize.MiB

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad loads configuration with a user-friendly error when missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  io-engine init\n\n"+
				"Or specify a custom config file:\n"+
				"  io-engine <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  io-engine init --config %s", configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration to path in YAML form.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("IOENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	configDir := getConfigDir()
	v.AddConfigPath(configDir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "io-engine")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "io-engine")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir exposes the configuration directory for the init command.
func GetConfigDir() string {
	return getConfigDir()
}
