// Package main provides the duskveil CLI: test, stress, scrape, and proxy
// subcommands over the Runtime.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/duskveil/duskveil/internal/runtime"
	"github.com/duskveil/duskveil/pkg/version"
)

// exitCode is set by a subcommand's RunE on success paths that still need
// a non-zero code (e.g. "vulnerable" per spec §6's exit-code table);
// RunE's own error return always maps to 2.
var exitCode int

func main() {
	rootCmd := &cobra.Command{
		Use:   "duskveil",
		Short: "duskveil — headless-browser navigation orchestrator",
		Long: `duskveil coordinates rate-limited, proxy-fronted headless-browser
navigation attempts behind a priority task queue and worker pool.

Subcommands:
  test    probe a URL for bot-detection mechanisms
  stress  fire concurrent requests at a URL and report throughput
  scrape  enqueue a single scrape task and print its extracted result
  proxy   load and list the proxy list, or health-test it with -t`,
	}

	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug logging")
	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file (overrides defaults, overridden by env vars)")
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.SetEnvPrefix("duskveil")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	rootCmd.AddCommand(testCmd())
	rootCmd.AddCommand(stressCmd())
	rootCmd.AddCommand(scrapeCmd())
	rootCmd.AddCommand(proxyCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(2)
	}
	os.Exit(exitCode)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("duskveil %s (%s)\n", version.Full(), version.GoVersion())
			return nil
		},
	}
}

// setupLogging configures zerolog the way runtime.SetupLogging does, but
// lets --verbose/DUSKVEIL_VERBOSE force debug level regardless of LOG_LEVEL.
func setupLogging(level string) {
	if viper.GetBool("verbose") {
		level = "debug"
	}
	runtime.SetupLogging(level)
}

// configFile returns the --config/DUSKVEIL_CONFIG path, if any, for
// config.Load. Centralized here so every subcommand reads the same flag
// without each importing viper directly.
func configFile() string {
	return viper.GetString("config")
}

