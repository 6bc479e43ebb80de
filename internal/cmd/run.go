package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kryahq/kryad/internal/config"
	"github.com/kryahq/kryad/internal/observability"
	"github.com/kryahq/kryad/pkg/gen"
	"github.com/kryahq/kryad/pkg/joblog"
	"github.com/kryahq/kryad/pkg/jobs"
	"github.com/kryahq/kryad/pkg/runner"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one job to completion",
	Long: `Run a single prompt through the generate/execute/repair loop without
starting the daemon. Log events stream to stdout; the exit code reflects
the final job state.

Example:
  kryad run --prompt "list the ten largest files under /var/log"
  kryad run --job job.yaml`,
	RunE: runOneShot,
}

var (
	runPrompt     string
	runJobPath    string
	runMaxRetries int
)

// jobManifest is the YAML shape accepted by --job.
type jobManifest struct {
	Prompt     string `yaml:"prompt"`
	MaxRetries *int   `yaml:"max_retries"`
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runPrompt, "prompt", "p", "", "Natural language prompt")
	runCmd.Flags().StringVarP(&runJobPath, "job", "j", "", "Path to job manifest (YAML)")
	runCmd.Flags().IntVar(&runMaxRetries, "max-retries", jobs.DefaultMaxRetries, "Repair attempts after the first failure")

	runCmd.MarkFlagsMutuallyExclusive("prompt", "job")
	runCmd.MarkFlagsOneRequired("prompt", "job")
}

func runOneShot(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := observability.CLILogger

	prompt := runPrompt
	maxRetries := runMaxRetries
	if runJobPath != "" {
		m, err := loadJobManifest(runJobPath)
		if err != nil {
			return err
		}
		prompt = m.Prompt
		if m.MaxRetries != nil {
			maxRetries = *m.MaxRetries
		}
	}
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("prompt is required")
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	broadcaster := joblog.New(joblog.Config{
		HistoryCap:       cfg.Broadcast.HistoryCap,
		SubscriberBuffer: cfg.Broadcast.SubscriberBuffer,
	})
	defer broadcaster.Close()

	generator := gen.NewClient(gen.Settings{
		BaseURL:         cfg.Generation.BaseURL,
		Model:           cfg.Generation.Model,
		APIKey:          cfg.Generation.APIKey,
		Temperature:     cfg.Generation.Temperature,
		MaxOutputTokens: cfg.Generation.MaxOutputTokens,
		TopP:            cfg.Generation.TopP,
		TopK:            cfg.Generation.TopK,
	}, cfg.Generation.Timeout, broadcaster)

	executor := runner.New(runner.Config{
		Interpreter: cfg.Executor.Interpreter,
		WorkDir:     cfg.Executor.WorkDir,
		KillGrace:   cfg.Executor.KillGrace,
	}, broadcaster)

	// One-shot runs skip the prompt cooldown.
	registry := jobs.NewRegistry(jobs.CooldownConfig{})
	controller := jobs.NewController(generator, executor, broadcaster, cfg.Executor.Timeout, logger)
	service := jobs.NewService(registry, controller, broadcaster, logger)

	replay, sub := service.Subscribe("")
	defer service.Unsubscribe(sub)
	for _, ev := range replay {
		printEvent(ev)
	}

	jobID, err := service.Start(prompt, maxRetries)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		service.Wait()
		close(done)
	}()

	for {
		select {
		case ev := <-sub.C:
			printEvent(ev)
		case <-ctx.Done():
			_ = service.Stop(jobID)
			<-done
			drainEvents(sub)
			return fmt.Errorf("job cancelled")
		case <-done:
			drainEvents(sub)
			snap, err := service.Status(jobID)
			if err != nil {
				return err
			}
			if snap.State != jobs.StateSuccess {
				return fmt.Errorf("job %s ended %s after %d attempt(s): %s",
					jobID, snap.State, snap.AttemptCount, snap.LastError)
			}
			return nil
		}
	}
}

func loadJobManifest(path string) (*jobManifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job manifest: %w", err)
	}
	var m jobManifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse job manifest %s: %w", path, err)
	}
	return &m, nil
}

func drainEvents(sub *joblog.Subscription) {
	for {
		select {
		case ev := <-sub.C:
			printEvent(ev)
		default:
			return
		}
	}
}

func printEvent(ev joblog.Event) {
	_, _ = fmt.Fprintf(os.Stdout, "%s [%s] %s\n",
		ev.Timestamp.Format("15:04:05"), ev.Level, ev.Message)
}
