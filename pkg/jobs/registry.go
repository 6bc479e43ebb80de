package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// CooldownConfig bounds how often the same prompt may be started.
type CooldownConfig struct {
	// Window is the minimum gap between runs of an identical prompt.
	// Zero disables the cooldown.
	Window time.Duration

	// PruneAfter drops prompt hashes not seen for this long.
	PruneAfter time.Duration
}

// Registry holds the authoritative state of every live job. Safe for
// concurrent use; per-job mutation is guarded by each job's own lock so
// unrelated jobs never serialize on one another.
type Registry struct {
	cooldownCfg CooldownConfig

	mu   sync.RWMutex
	jobs map[string]*Job

	cooldownMu sync.Mutex
	cooldowns  map[string]*promptCooldown
}

type promptCooldown struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(cooldown CooldownConfig) *Registry {
	if cooldown.PruneAfter <= 0 {
		cooldown.PruneAfter = 5 * time.Minute
	}
	return &Registry{
		cooldownCfg: cooldown,
		jobs:        make(map[string]*Job),
		cooldowns:   make(map[string]*promptCooldown),
	}
}

// Create validates inputs, applies the prompt cooldown, and registers a
// new job in GENERATING state with its cancel hook bound to cancel.
func (r *Registry) Create(prompt string, maxRetries int, cancel context.CancelFunc) (*Job, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, fmt.Errorf("%w: prompt is empty", ErrInvalidInput)
	}
	if maxRetries < 0 {
		return nil, fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidInput)
	}
	if !r.allowPrompt(prompt) {
		return nil, ErrPromptCooldown
	}

	job := &Job{
		id:         uuid.New().String(),
		prompt:     prompt,
		maxRetries: maxRetries,
		createdAt:  time.Now().UTC(),
		state:      StateGenerating,
		cancel:     cancel,
	}

	r.mu.Lock()
	r.jobs[job.id] = job
	r.mu.Unlock()
	return job, nil
}

// Get returns the live job or ErrNotFound.
func (r *Registry) Get(jobID string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return job, nil
}

// Cancel requests cancellation of a job. The ack means the signal was
// accepted, not that the process is already dead; cancelling a job that
// already finished acks without effect.
func (r *Registry) Cancel(jobID string) error {
	job, err := r.Get(jobID)
	if err != nil {
		return err
	}
	job.requestCancel()
	return nil
}

// Snapshots returns a copy of every live job's state, newest first.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out
}

// Remove drops a job from the registry. Only terminal jobs may be removed;
// a running job is never destroyed implicitly.
func (r *Registry) Remove(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if !job.Snapshot().State.Terminal() {
		return fmt.Errorf("%w: job %s is still running", ErrInvalidInput, jobID)
	}
	delete(r.jobs, jobID)
	return nil
}

// allowPrompt rate-limits identical prompts by hash, pruning stale
// entries as a side effect.
func (r *Registry) allowPrompt(prompt string) bool {
	if r.cooldownCfg.Window <= 0 {
		return true
	}
	sum := sha256.Sum256([]byte(prompt))
	key := hex.EncodeToString(sum[:])
	now := time.Now()

	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()

	for k, cd := range r.cooldowns {
		if now.Sub(cd.lastSeen) > r.cooldownCfg.PruneAfter {
			delete(r.cooldowns, k)
		}
	}

	cd, ok := r.cooldowns[key]
	if !ok {
		cd = &promptCooldown{limiter: rate.NewLimiter(rate.Every(r.cooldownCfg.Window), 1)}
		r.cooldowns[key] = cd
	}
	cd.lastSeen = now
	return cd.limiter.Allow()
}
