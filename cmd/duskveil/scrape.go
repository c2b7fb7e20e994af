package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/duskveil/duskveil/internal/config"
	"github.com/duskveil/duskveil/internal/runtime"
	"github.com/duskveil/duskveil/internal/types"
)

func scrapeCmd() *cobra.Command {
	var selector string
	var outputFile string
	var useProxies bool
	var humanBehavior bool

	cmd := &cobra.Command{
		Use:   "scrape <url>",
		Short: "enqueue a single scrape task and print its extracted result",
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
			// The queue-driven worker path leases sessions per cfg.ProxyEnabled
			// rather than per task, so -p overrides the process-wide setting
			// for the one task this invocation enqueues.
			if useProxies {
				cfg.ProxyEnabled = true
			}

			rt, err := runtime.New(cfg)
			if err != nil {
				return fmt.Errorf("build runtime: %w", err)
			}
			defer rt.Stop()
			rt.Start()

			task := types.Task{
				ID:          uuid.NewString(),
				URL:         args[0],
				Priority:    0,
				MaxAttempts: cfg.MaxAttempts,
			}
			if selector != "" {
				task.Extractors = []types.Extractor{{Name: "content", Selector: selector}}
			}
			if humanBehavior {
				task.Actions = []types.Action{
					{Kind: "wait", Args: map[string]any{"ms": float64(400)}},
					{Kind: "scroll", Args: map[string]any{"dy": float64(300)}},
				}
			}
			done := make(chan types.TaskResult, 1)
			rt.Queue.OnCompleted(func(t types.Task, result types.TaskResult) {
				if t.ID == task.ID {
					select {
					case done <- result:
					default:
					}
				}
			})
			rt.Queue.OnFailed(func(t types.Task, result types.TaskResult) {
				if t.ID == task.ID {
					select {
					case done <- result:
					default:
					}
				}
			})

			if err := rt.Queue.Enqueue(ctx, task); err != nil {
				return fmt.Errorf("enqueue scrape task: %w", err)
			}

			select {
			case result := <-done:
				if result.Failed {
					return fmt.Errorf("scrape failed: %s", result.Reason)
				}
				if outputFile != "" {
					if _, err := writeJSONReport("", outputFile, result); err != nil {
						return fmt.Errorf("write output file: %w", err)
					}
				} else {
					path, err := writeJSONReport(".", fmt.Sprintf("scrape-%d.json", time.Now().Unix()), result)
					if err == nil {
						fmt.Println(path)
					}
				}
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}

	cmd.Flags().StringVarP(&selector, "selector", "s", "", "CSS selector to extract")
	cmd.Flags().StringVarP(&outputFile, "output-file", "o", "", "file to write the extracted result to")
	cmd.Flags().BoolVarP(&useProxies, "use-proxies", "p", false, "rotate through the proxy pool")
	cmd.Flags().BoolVarP(&humanBehavior, "human-behavior", "b", false, "run a scripted scroll/wait action sequence")

	return cmd
}
