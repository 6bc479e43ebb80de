package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kryahq/kryad/pkg/gen"
	"github.com/kryahq/kryad/pkg/joblog"
	"github.com/kryahq/kryad/pkg/runner"
)

// stderrExcerptLimit bounds how much stderr is fed back into the next
// generation attempt.
const stderrExcerptLimit = 4 * 1024

// Sink receives the controller's product-facing log events.
type Sink interface {
	Publish(joblog.Event)
}

// Controller drives one job through GENERATE -> EXECUTE -> (repeat |
// terminate). It is stateless across jobs; all per-job state lives on the
// Job itself.
type Controller struct {
	generator   gen.Generator
	executor    runner.Executor
	events      Sink
	execTimeout time.Duration
	logger      *zap.Logger
}

// NewController wires the controller's collaborators. logger may be nil.
func NewController(g gen.Generator, e runner.Executor, events Sink, execTimeout time.Duration, logger *zap.Logger) *Controller {
	if execTimeout <= 0 {
		execTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		generator:   g,
		executor:    e,
		events:      events,
		execTimeout: execTimeout,
		logger:      logger,
	}
}

// Run executes the retry state machine to a terminal state. ctx is the
// job's own context: cancelling it is the stop signal.
func (c *Controller) Run(ctx context.Context, job *Job) {
	jobID := job.ID()
	snap := job.Snapshot()

	c.publish(jobID, joblog.LevelInfo, fmt.Sprintf("starting job: %s", snap.Prompt))
	c.logger.Info("job started",
		zap.String("job_id", jobID),
		zap.Int("max_retries", snap.MaxRetries))

	var prior *gen.FailureContext
	for {
		if c.cancelledCheckpoint(job) {
			return
		}

		attempt, ok := job.beginAttempt()
		if !ok {
			// beginAttempt refuses only on cancellation or an exhausted
			// ceiling; exhaustion is decided below after each failure, so
			// reaching this means a stop raced the loop boundary.
			c.finish(job, StateCancelled, "cancelled by user request")
			return
		}

		c.publish(jobID, joblog.LevelInfo,
			fmt.Sprintf("attempt %d/%d: generating code", attempt, snap.MaxRetries+1))

		code, err := c.generator.Generate(ctx, jobID, snap.Prompt, prior)
		if c.cancelledCheckpoint(job) {
			return
		}
		if err != nil {
			summary := generationSummary(err)
			job.setLastError(summary)
			if job.attemptsExhausted() {
				c.finish(job, StateFailed, summary+", repair attempts exhausted")
				return
			}
			prior = &gen.FailureContext{GenerationError: summary}
			continue
		}

		job.setExecuting(code)
		c.publish(jobID, joblog.LevelSuccess, "code generated successfully")

		if c.cancelledCheckpoint(job) {
			return
		}
		c.publish(jobID, joblog.LevelInfo, "executing generated code")

		res, err := c.executor.Execute(ctx, jobID, code, c.execTimeout)
		if job.cancelRequested() || res.Killed {
			c.finish(job, StateCancelled, "cancelled by user request")
			return
		}
		if err != nil {
			summary := "execution failed: could not start process"
			c.publish(jobID, joblog.LevelError, summary)
			c.logger.Warn("spawn failure",
				zap.String("job_id", jobID),
				zap.Error(err))
			job.setLastError(summary)
			if job.attemptsExhausted() {
				c.finish(job, StateFailed, summary+", repair attempts exhausted")
				return
			}
			prior = &gen.FailureContext{GenerationError: summary}
			continue
		}

		if res.Success() {
			c.finish(job, StateSuccess, "")
			return
		}

		summary := executionSummary(res)
		c.publish(jobID, joblog.LevelError, summary)
		job.setLastError(summary)
		if job.attemptsExhausted() {
			c.finish(job, StateFailed, summary+", "+MarkerExhausted)
			return
		}
		prior = failureContext(res)
		c.publish(jobID, joblog.LevelInfo, "will retry with repaired code")
	}
}

// cancelledCheckpoint is the boundary check between steps: a stop request
// short-circuits the loop unconditionally.
func (c *Controller) cancelledCheckpoint(job *Job) bool {
	if !job.cancelRequested() {
		return false
	}
	c.finish(job, StateCancelled, "cancelled by user request")
	return true
}

// Final log markers emitted exactly once per job. Log readers key off
// these to detect the end of a stream.
const (
	MarkerSuccess   = "execution completed successfully"
	MarkerCancelled = "job cancelled"
	MarkerExhausted = "repair attempts exhausted"
)

// finish performs the single terminal transition and emits the final log
// line. After this no further events carry the job id.
func (c *Controller) finish(job *Job, state State, summary string) {
	if !job.finish(state, summary) {
		return
	}
	jobID := job.ID()
	snap := job.Snapshot()

	switch state {
	case StateSuccess:
		c.publish(jobID, joblog.LevelSuccess,
			fmt.Sprintf("%s (attempt %d)", MarkerSuccess, snap.AttemptCount))
	case StateCancelled:
		c.publish(jobID, joblog.LevelWarning, MarkerCancelled)
	default:
		c.publish(jobID, joblog.LevelError, summary)
	}

	c.logger.Info("job finished",
		zap.String("job_id", jobID),
		zap.String("state", string(state)),
		zap.Int("attempts", snap.AttemptCount))
}

func (c *Controller) publish(jobID string, level joblog.Level, message string) {
	if c.events == nil {
		return
	}
	c.events.Publish(joblog.Event{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		JobID:     jobID,
	})
}

// generationSummary collapses a generation error into the external
// taxonomy. Raw upstream detail stays out of the log stream.
func generationSummary(err error) string {
	var genErr *gen.Error
	if errors.As(err, &genErr) {
		return fmt.Sprintf("code generation failed: %s", genErr.Kind)
	}
	return "code generation failed"
}

func executionSummary(res runner.Result) string {
	if res.TimedOut {
		return "execution failed: timed out"
	}
	if res.ExitCode != nil {
		return fmt.Sprintf("execution failed: exit code %d", *res.ExitCode)
	}
	return "execution failed"
}

func failureContext(res runner.Result) *gen.FailureContext {
	fc := &gen.FailureContext{
		TimedOut: res.TimedOut,
		ExitCode: res.ExitCode,
	}
	stderr := res.Stderr
	if len(stderr) > stderrExcerptLimit {
		stderr = stderr[len(stderr)-stderrExcerptLimit:]
	}
	fc.Stderr = strings.TrimSpace(stderr)
	return fc
}
