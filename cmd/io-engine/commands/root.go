// Package commands implements the io-engine process's own CLI: init,
// start, version, and a local devices inspection command. It is not the
// admin control surface a deployment drives the data plane through — that
// is a separate gRPC/CLI pair this repository does not implement.
package commands

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "io-engine",
	Short: "io-engine - a block-storage data plane",
	Long: `io-engine is a single-process block-storage data plane: it opens
devices, imports pools of replicas on top of them, and fans reads and
writes for a volume across a nexus of replicas over NVMe-oF.

Use "io-engine [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command, for tests.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetConfigFile returns the --config flag's value, empty meaning "use the
// default location".
func GetConfigFile() string {
	return cfgFile
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/io-engine/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(devicesCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// Exit prints an error to stderr and exits with status 1.
func Exit(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
	os.Exit(1)
}
