// cmd/run.go
package cmd

import (
	"fmt"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/danielgoes1996/facturabot/api/schemas"
	"github.com/danielgoes1996/facturabot/internal/browser"
	"github.com/danielgoes1996/facturabot/internal/engine"
	"github.com/danielgoes1996/facturabot/internal/observability"
	"github.com/danielgoes1996/facturabot/internal/oracle"
	"github.com/danielgoes1996/facturabot/internal/visual"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [task-file.json...]",
		Short: "Runs invoicing tasks from JSON task files",
		Long: `Runs one session per task. Each task file holds a single task object or an
array of tasks: target URL plus the fiscal data the portal will ask for.
With no files, a single task is assembled from the --url/--rfc/... flags.`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("engine.max_steps", cmd.Flags().Lookup("max-steps")); err != nil {
				return err
			}
			if err := viper.BindPFlag("engine.concurrency", cmd.Flags().Lookup("concurrency")); err != nil {
				return err
			}
			if err := viper.BindPFlag("engine.artifact_dir", cmd.Flags().Lookup("artifacts")); err != nil {
				return err
			}
			if err := viper.BindPFlag("browser.headless", cmd.Flags().Lookup("headless")); err != nil {
				return err
			}
			return viper.BindPFlag("oracle.mode", cmd.Flags().Lookup("oracle"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Re-unmarshal so the just-bound flags override file and env values.
			if err := viper.Unmarshal(cfg); err != nil {
				return fmt.Errorf("failed to re-unmarshal config with flag overrides: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			tasks, err := loadTasks(cmd, args)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				return fmt.Errorf("no tasks to run: pass task files or --url")
			}

			decider, err := oracle.New(cfg.Oracle, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize decision oracle: %w", err)
			}

			manager, err := browser.NewManager(ctx, logger, cfg.Browser)
			if err != nil {
				return fmt.Errorf("failed to launch browser: %w", err)
			}
			defer manager.Shutdown()

			logger.Info("Running tasks",
				zap.Int("tasks", len(tasks)),
				zap.Int("concurrency", cfg.Engine.Concurrency),
				zap.Int("step_budget", cfg.Engine.MaxSteps),
			)

			results := make([]schemas.RunResult, len(tasks))
			sem := semaphore.NewWeighted(int64(cfg.Engine.Concurrency))
			var wg sync.WaitGroup

			for i, task := range tasks {
				if err := sem.Acquire(ctx, 1); err != nil {
					break
				}
				wg.Add(1)
				go func(idx int, task schemas.TaskPayload) {
					defer wg.Done()
					defer sem.Release(1)
					results[idx] = runTask(cmd, task, decider, manager, logger)
				}(i, task)
			}
			wg.Wait()

			failed := printSummary(results)
			if ctx.Err() != nil {
				return fmt.Errorf("run aborted by user signal")
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d tasks failed", failed, len(tasks))
			}
			return nil
		},
	}

	runCmd.Flags().Int("max-steps", 0, "step budget per session (clamped to 18-25)")
	runCmd.Flags().Int("concurrency", 0, "maximum concurrent sessions")
	runCmd.Flags().String("artifacts", "", "directory for screenshot artifacts")
	runCmd.Flags().Bool("headless", true, "run the browser headless")
	runCmd.Flags().String("oracle", "", "decision backend: rules, model, or auto")

	runCmd.Flags().String("url", "", "target portal URL for an ad-hoc task")
	runCmd.Flags().String("rfc", "", "tax id (RFC) for an ad-hoc task")
	runCmd.Flags().String("email", "", "receipt email for an ad-hoc task")
	runCmd.Flags().String("total", "", "purchase total for an ad-hoc task")
	runCmd.Flags().String("folio", "", "ticket/folio for an ad-hoc task")
	runCmd.Flags().String("date", "", "purchase date for an ad-hoc task")

	return runCmd
}

// runTask drives one session end to end and never returns an error; failures
// land in the RunResult like every other outcome.
func runTask(cmd *cobra.Command, task schemas.TaskPayload,
	decider schemas.DecisionOracle, manager *browser.Manager, logger *zap.Logger) schemas.RunResult {

	ctx := cmd.Context()

	session, err := manager.NewSession(logger)
	if err != nil {
		logger.Error("Failed to open browser session", zap.String("task_id", task.TaskID), zap.Error(err))
		return schemas.RunResult{
			Success: false,
			Summary: fmt.Sprintf("could not open browser session: %v", err),
		}
	}
	session.SetScreenshotQuality(cfg.Engine.ScreenshotQuality)

	var visualRunner engine.VisualRunner
	if cfg.Visual.Enabled {
		if loop, err := visual.New(ctx, cfg.Visual, session, logger); err != nil {
			logger.Warn("Vision fallback unavailable", zap.Error(err))
		} else {
			visualRunner = loop
		}
	}

	eng := engine.New(session, decider, visualRunner, cfg.Engine, logger)
	return eng.Run(ctx, task)
}

// loadTasks reads the task files, or assembles one task from flags.
func loadTasks(cmd *cobra.Command, args []string) ([]schemas.TaskPayload, error) {
	var tasks []schemas.TaskPayload

	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read task file %s: %w", path, err)
		}
		loaded, err := decodeTasks(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse task file %s: %w", path, err)
		}
		tasks = append(tasks, loaded...)
	}

	if len(args) == 0 {
		url, _ := cmd.Flags().GetString("url")
		if url != "" {
			rfc, _ := cmd.Flags().GetString("rfc")
			email, _ := cmd.Flags().GetString("email")
			total, _ := cmd.Flags().GetString("total")
			folio, _ := cmd.Flags().GetString("folio")
			date, _ := cmd.Flags().GetString("date")
			tasks = append(tasks, schemas.TaskPayload{
				TaskID:    "adhoc",
				TargetURL: url,
				TaxID:     rfc,
				Email:     email,
				Total:     total,
				Folio:     folio,
				Date:      date,
			})
		}
	}

	for i := range tasks {
		if tasks[i].TaskID == "" {
			tasks[i].TaskID = fmt.Sprintf("task-%d", i+1)
		}
		if tasks[i].TargetURL == "" {
			return nil, fmt.Errorf("task %s has no target_url", tasks[i].TaskID)
		}
	}
	return tasks, nil
}

// decodeTasks accepts a single task object or an array of tasks.
func decodeTasks(data []byte) ([]schemas.TaskPayload, error) {
	var list []schemas.TaskPayload
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var one schemas.TaskPayload
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, err
	}
	return []schemas.TaskPayload{one}, nil
}

func printSummary(results []schemas.RunResult) int {
	failed := 0
	for _, r := range results {
		status := "OK"
		if !r.Success {
			status = "FAILED"
			failed++
		}
		review := ""
		if r.NeedsReview {
			review = " [needs review]"
		}
		fmt.Printf("%-8s session=%s steps=%d%s  %s\n", status, r.SessionID, len(r.Steps), review, r.Summary)
	}
	return failed
}
