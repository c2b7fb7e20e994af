package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/duskveil/duskveil/internal/config"
	"github.com/duskveil/duskveil/internal/runtime"
	"github.com/duskveil/duskveil/internal/securitytest"
)

func testCmd() *cobra.Command {
	var attempts int
	var useProxies bool
	var humanBehavior bool
	var outputDir string

	cmd := &cobra.Command{
		Use:   "test <url>",
		Short: "probe a URL for bot-detection mechanisms",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := validateTargetURL(ctx, args[0]); err != nil {
				return err
			}

			cfg := config.Load(configFile())
			cfg.Validate()
			setupLogging(cfg.LogLevel)

			rt, err := runtime.New(cfg)
			if err != nil {
				return fmt.Errorf("build runtime: %w", err)
			}
			defer rt.Stop()
			rt.Start()

			report, err := rt.RunSecurityTest(ctx, securitytest.Options{
				URL:           args[0],
				Attempts:      attempts,
				UseProxy:      useProxies,
				HumanBehavior: humanBehavior,
			})
			if err != nil {
				return fmt.Errorf("security test: %w", err)
			}

			dir := outputDir
			if dir == "" {
				dir = cfg.VulnerabilityReportDir
			}
			if path, err := writeJSONReport(dir, fmt.Sprintf("security-test-%d.json", time.Now().Unix()), report); err != nil {
				log.Warn().Err(err).Msg("failed to write vulnerability report")
			} else {
				log.Info().Str("path", path).Msg("wrote vulnerability report")
			}

			exitCode = summarizeSecurityTest(report)
			return nil
		},
	}

	cmd.Flags().IntVarP(&attempts, "attempts", "a", 5, "number of probe attempts")
	cmd.Flags().BoolVarP(&useProxies, "use-proxies", "p", false, "rotate through the proxy pool")
	cmd.Flags().BoolVarP(&humanBehavior, "human-behavior", "b", false, "run a scripted scroll/wait action sequence")
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "directory for the vulnerability report (default: VULNERABILITY_REPORT_DIR)")

	return cmd
}
