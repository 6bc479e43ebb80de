// Package runner executes generated code as an isolated child process.
//
// Each run materializes the code into a per-job script file, spawns it in
// its own process group, and streams completed output lines as log events
// while the process is still running. Timeout and cancellation both kill
// the whole group: graceful signal first, forced kill after a short grace
// window.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kryahq/kryad/pkg/joblog"
)

// captureLimit bounds how much stdout/stderr is retained in the Result.
// Streaming to observers is unaffected.
const captureLimit = 64 * 1024

// Result describes one finished (or killed) execution.
type Result struct {
	// ExitCode is nil when the process was killed or timed out before
	// exiting on its own.
	ExitCode *int

	Stdout string
	Stderr string

	TimedOut bool
	Killed   bool
}

// Success reports whether the execution completed cleanly.
func (r Result) Success() bool {
	return !r.TimedOut && !r.Killed && r.ExitCode != nil && *r.ExitCode == 0
}

// Executor runs a code artifact with a timeout, cancellable via ctx.
type Executor interface {
	Execute(ctx context.Context, jobID, code string, timeout time.Duration) (Result, error)
}

// Sink receives streamed output lines as log events.
type Sink interface {
	Publish(joblog.Event)
}

// Config controls process execution.
type Config struct {
	// Interpreter is the command the script is passed to, e.g. "python3".
	Interpreter string

	// WorkDir is where script files are written. Empty means os.TempDir().
	WorkDir string

	// KillGrace is the window between the graceful stop signal and the
	// forced process-group kill.
	KillGrace time.Duration
}

// Runner is the production Executor.
type Runner struct {
	cfg    Config
	events Sink
}

// New builds a Runner. A nil sink drops streamed lines.
func New(cfg Config, events Sink) *Runner {
	if strings.TrimSpace(cfg.Interpreter) == "" {
		cfg.Interpreter = "python3"
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 2 * time.Second
	}
	return &Runner{cfg: cfg, events: events}
}

// Execute writes code to a script file and runs it to completion, timeout,
// or cancellation. The returned error is non-nil only for spawn failures;
// a nonzero exit, timeout, or kill is reported through the Result.
func (r *Runner) Execute(ctx context.Context, jobID, code string, timeout time.Duration) (Result, error) {
	scriptPath, err := r.writeScript(jobID, code)
	if err != nil {
		return Result{}, fmt.Errorf("write script: %w", err)
	}
	defer func() { _ = os.Remove(scriptPath) }()

	cmd := exec.Command(r.cfg.Interpreter, scriptPath)
	cmd.Env = os.Environ()
	configureCommandProcess(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", r.cfg.Interpreter, err)
	}

	var outBuf, errBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.streamLines(stdout, jobID, joblog.LevelInfo, &outBuf)
	}()
	go func() {
		defer wg.Done()
		r.streamLines(stderr, jobID, joblog.LevelWarning, &errBuf)
	}()

	waitDone := make(chan error, 1)
	go func() {
		wg.Wait()
		waitDone <- cmd.Wait()
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	var result Result
	select {
	case waitErr := <-waitDone:
		code := cmd.ProcessState.ExitCode()
		if code >= 0 {
			result.ExitCode = &code
		} else if waitErr != nil {
			// Killed by a signal we did not send.
			result.Killed = true
		}
	case <-ctx.Done():
		result.Killed = true
		r.killAndDrain(cmd, waitDone)
	case <-timer:
		result.TimedOut = true
		r.killAndDrain(cmd, waitDone)
	}

	result.Stdout = outBuf.String()
	result.Stderr = errBuf.String()
	return result, nil
}

// killAndDrain stops the process group and waits for the exit to be
// collected so no zombie outlives the call.
func (r *Runner) killAndDrain(cmd *exec.Cmd, waitDone <-chan error) {
	signalCommandProcess(cmd, true)
	select {
	case <-waitDone:
		return
	case <-time.After(r.cfg.KillGrace):
	}
	signalCommandProcess(cmd, false)
	<-waitDone
}

// streamLines publishes each completed output line immediately and mirrors
// it into buf up to captureLimit.
func (r *Runner) streamLines(src io.Reader, jobID string, level joblog.Level, buf *strings.Builder) {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if buf.Len() < captureLimit {
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
		if r.events != nil && strings.TrimSpace(line) != "" {
			r.events.Publish(joblog.Event{
				Timestamp: time.Now().UTC(),
				Level:     level,
				Message:   line,
				JobID:     jobID,
			})
		}
	}
}

func (r *Runner) writeScript(jobID, code string) (string, error) {
	dir := r.cfg.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("kryad-%s.py", jobID))
	if err := os.WriteFile(path, []byte(code), 0600); err != nil {
		return "", err
	}
	return path, nil
}
