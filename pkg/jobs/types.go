// Package jobs implements the orchestration core: the job registry, the
// per-job retry controller, and the service surface the API exposes.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the lifecycle state of a job.
type State string

const (
	StateGenerating State = "GENERATING"
	StateExecuting  State = "EXECUTING"
	StateSuccess    State = "SUCCESS"
	StateFailed     State = "FAILED"
	StateCancelled  State = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateCancelled
}

// DefaultMaxRetries is the repair attempt allowance used when a run
// request does not name one.
const DefaultMaxRetries = 3

var (
	ErrNotFound       = errors.New("job not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrPromptCooldown = errors.New("prompt was started too recently")
)

// Job is the authoritative state of one run. Owned by the registry;
// mutated only through its own methods, which the driving controller and
// registry-level read/cancel calls share.
type Job struct {
	id         string
	prompt     string
	maxRetries int
	createdAt  time.Time

	mu           sync.Mutex
	state        State
	attemptCount int
	lastCode     string
	lastError    string
	endedAt      *time.Time
	cancelled    bool
	cancel       context.CancelFunc
}

// Snapshot is an immutable copy of a job's observable state.
type Snapshot struct {
	ID           string     `json:"job_id"`
	Prompt       string     `json:"prompt"`
	State        State      `json:"state"`
	MaxRetries   int        `json:"max_retries"`
	AttemptCount int        `json:"attempt_count"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

func (j *Job) ID() string { return j.id }

func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		ID:           j.id,
		Prompt:       j.prompt,
		State:        j.state,
		MaxRetries:   j.maxRetries,
		AttemptCount: j.attemptCount,
		LastError:    j.lastError,
		CreatedAt:    j.createdAt,
		EndedAt:      j.endedAt,
	}
}

// maxAttempts is the hard attempt ceiling: the first try plus one repair
// try per allowed retry.
func (j *Job) maxAttempts() int { return j.maxRetries + 1 }

// beginAttempt consumes one attempt and moves the job to GENERATING.
// Returns false when the ceiling is reached or the job is done.
func (j *Job) beginAttempt() (int, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() || j.cancelled {
		return j.attemptCount, false
	}
	if j.attemptCount >= j.maxAttempts() {
		return j.attemptCount, false
	}
	j.attemptCount++
	j.state = StateGenerating
	return j.attemptCount, true
}

// attemptsExhausted reports whether another attempt may start.
func (j *Job) attemptsExhausted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attemptCount >= j.maxAttempts()
}

func (j *Job) setExecuting(code string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	j.lastCode = code
	j.state = StateExecuting
}

func (j *Job) setLastError(summary string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastError = summary
}

// finish moves the job to a terminal state exactly once. Returns false if
// it already was terminal.
func (j *Job) finish(state State, summary string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.state = state
	if summary != "" {
		j.lastError = summary
	}
	now := time.Now().UTC()
	j.endedAt = &now
	return true
}

// requestCancel sets the cancel flag and fires the job context so an
// in-flight execution is killed. Idempotent; on a job that already
// finished it is a no-op ack.
func (j *Job) requestCancel() {
	j.mu.Lock()
	cancelFn := j.cancel
	if j.state.Terminal() {
		j.mu.Unlock()
		return
	}
	j.cancelled = true
	j.mu.Unlock()

	if cancelFn != nil {
		cancelFn()
	}
}

func (j *Job) cancelRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}
