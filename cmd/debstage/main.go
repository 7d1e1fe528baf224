package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/debstage/debstage/internal/logger"
)

var (
	configFile string
	logLevel   string
	verbose    bool
)

// createRootCommand creates the debstage root command
func createRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "debstage",
		Short: "Stage Debian packages into a cached layer",
		Long: `debstage resolves packages from signed APT repositories, verifies and
downloads them, and extracts them into a content-addressed layer that later
runs reuse without any network traffic.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to the global config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "shorthand for --log-level debug")

	rootCmd.AddCommand(createInstallCommand())
	rootCmd.AddCommand(createValidateCommand())

	attachLoggingHooks(rootCmd)
	return rootCmd
}

// resolveRequestedLogLevel returns the level the user asked for: an explicit
// --log-level wins, --verbose falls back to debug, otherwise empty so the
// config file decides.
func resolveRequestedLogLevel(cmd *cobra.Command) string {
	if logLevel != "" {
		return logLevel
	}
	if cmd != nil {
		if v, err := cmd.Flags().GetBool("verbose"); err == nil && v {
			return "debug"
		}
	}
	return ""
}

// attachLoggingHooks installs the logger before any subcommand runs.
func attachLoggingHooks(root *cobra.Command) {
	for _, cmd := range root.Commands() {
		cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
			level := resolveRequestedLogLevel(cmd)
			if level == "" {
				level = "info"
			}
			log, err := logger.Setup(level)
			if err != nil {
				return fmt.Errorf("configuring logging: %v", err)
			}
			zap.ReplaceGlobals(log.Desugar())
			return nil
		}
	}
}

func main() {
	if err := createRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
