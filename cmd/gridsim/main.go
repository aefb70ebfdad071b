package main

import (
	"fmt"
	"os"

	"github.com/signalsfoundry/gridsim/internal/logging"
	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	logLevel  string
	logFormat string
}

var rootCmd = &cobra.Command{
	Use:   "gridsim",
	Short: "Real-time electromagnetic transient simulator for power networks",
	Long: "gridsim steps a power network through time by assembling and solving its\n" +
		"nodal equations, optionally paced to wall-clock deadlines and exchanging\n" +
		"samples with a co-simulation peer over shared memory.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootFlags.logLevel, "log-level", "", "log level (debug, info, warn, error); defaults to $LOG_LEVEL")
	pf.StringVar(&rootFlags.logFormat, "log-format", "", "log format (text, json); defaults to $LOG_FORMAT")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.Version = version
}

func newLogger(cmd *cobra.Command) logging.Logger {
	if rootFlags.logLevel == "" && rootFlags.logFormat == "" {
		return logging.NewFromEnv()
	}
	return logging.New(logging.Config{
		Level:  rootFlags.logLevel,
		Format: rootFlags.logFormat,
		Output: cmd.ErrOrStderr(),
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
