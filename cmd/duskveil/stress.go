package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/duskveil/duskveil/internal/config"
	"github.com/duskveil/duskveil/internal/runtime"
	"github.com/duskveil/duskveil/internal/securitytest"
)

func stressCmd() *cobra.Command {
	var concurrent int
	var requests int
	var useProxies bool

	cmd := &cobra.Command{
		Use:   "stress <url>",
		Short: "fire concurrent requests at a URL and report throughput",
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

			report, err := rt.RunStressTest(ctx, securitytest.StressOptions{
				URL:                args[0],
				ConcurrentSessions: concurrent,
				RequestsPerSession: requests,
				UseProxy:           useProxies,
			})
			if err != nil {
				return fmt.Errorf("stress test: %w", err)
			}

			summarizeStressTest(report)
			return nil
		},
	}

	cmd.Flags().IntVarP(&concurrent, "concurrent", "c", 5, "number of concurrent sessions")
	cmd.Flags().IntVarP(&requests, "requests", "r", 10, "requests per session")
	cmd.Flags().BoolVarP(&useProxies, "use-proxies", "p", false, "rotate through the proxy pool")

	return cmd
}
