package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/io-engine/io-engine/internal/cli/prompt"
	"github.com/io-engine/io-engine/pkg/config"
)

var (
	initForce          bool
	initNonInteractive bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file",
	Long: `Write a starter io-engine configuration file.

By default the file is created at $XDG_CONFIG_HOME/io-engine/config.yaml and
the command walks through a short interactive wizard; --non-interactive
skips the wizard and writes the defaults outright.

Examples:
  io-engine init
  io-engine init --config /etc/io-engine/config.yaml
  io-engine init --non-interactive --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing configuration file")
	initCmd.Flags().BoolVarP(&initNonInteractive, "non-interactive", "y", false, "Write defaults without prompting")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", path)
		}
	}

	cfg := config.DefaultConfig()

	if !initNonInteractive {
		if err := runWizard(cfg); err != nil {
			if prompt.IsAborted(err) {
				fmt.Println("\ninit aborted, nothing written")
				return nil
			}
			return err
		}
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("generated configuration is invalid: %w", err)
	}
	if err := config.SaveConfig(cfg, path); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}

	fmt.Printf("Configuration written to: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Review the configuration file, in particular persist.backend and nvmf.address")
	fmt.Printf("  2. Start the engine with: io-engine start --config %s\n", path)
	return nil
}

// runWizard walks the operator through the handful of choices worth
// surfacing up front; everything else keeps its default and can be edited
// in the written file afterwards.
func runWizard(cfg *config.Config) error {
	cores, err := prompt.InputInt("Reactor cores", cfg.Reactor.Cores)
	if err != nil {
		return err
	}
	cfg.Reactor.Cores = cores

	nexusPort, err := prompt.InputPort("NVMe-oF nexus port", cfg.Nvmf.NexusPort)
	if err != nil {
		return err
	}
	cfg.Nvmf.NexusPort = nexusPort

	replicaPort, err := prompt.InputPort("NVMe-oF replica port", cfg.Nvmf.ReplicaPort)
	if err != nil {
		return err
	}
	cfg.Nvmf.ReplicaPort = replicaPort

	backend, err := prompt.Select("Persistent store backend", []prompt.SelectOption{
		{Label: "memory", Value: string(config.PersistBackendMemory), Description: "In-process only, lost on restart. Good for a single dev instance."},
		{Label: "badger", Value: string(config.PersistBackendBadger), Description: "Embedded on-disk store, single node."},
		{Label: "postgres", Value: string(config.PersistBackendPostgres), Description: "Shared store reachable by more than one process."},
	})
	if err != nil {
		return err
	}
	cfg.Persist.Backend = config.PersistBackend(backend)

	switch cfg.Persist.Backend {
	case config.PersistBackendBadger:
		suggested := cfg.Persist.Path
		if suggested == "" {
			suggested = config.GetConfigDir() + "/store"
		}
		path, err := prompt.Input("BadgerDB directory", suggested)
		if err != nil {
			return err
		}
		cfg.Persist.Path = path
	case config.PersistBackendPostgres:
		dsn, err := prompt.Input("Postgres DSN", cfg.Persist.DSN)
		if err != nil {
			return err
		}
		cfg.Persist.DSN = dsn
	}

	metricsEnabled, err := prompt.Confirm("Enable the debug metrics/health HTTP surface", cfg.Metrics.Enabled)
	if err != nil {
		return err
	}
	cfg.Metrics.Enabled = metricsEnabled

	profilingEnabled, err := prompt.Confirm("Enable continuous profiling", cfg.Profiling.Enabled)
	if err != nil {
		return err
	}
	cfg.Profiling.Enabled = profilingEnabled
	if profilingEnabled {
		endpoint, err := prompt.Input("Pyroscope server address", cfg.Profiling.Endpoint)
		if err != nil {
			return err
		}
		cfg.Profiling.Endpoint = endpoint
	}

	return nil
}
