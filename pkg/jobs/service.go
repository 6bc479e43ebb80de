package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kryahq/kryad/pkg/joblog"
)

// Archiver persists a terminal job and its buffered log history when the
// reclaim pass removes it from the live registry.
type Archiver interface {
	Archive(ctx context.Context, snap Snapshot, history []joblog.Event) error
}

// Service is the job control surface: it composes the registry, the
// controller, and the broadcaster, and owns the lifecycle of the per-job
// goroutines.
type Service struct {
	registry    *Registry
	controller  *Controller
	broadcaster *joblog.Broadcaster
	logger      *zap.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewService builds the service. Each started job runs on its own
// goroutine whose context descends from the service context, so shutting
// down the service stops every job.
func NewService(registry *Registry, controller *Controller, broadcaster *joblog.Broadcaster, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		registry:    registry,
		controller:  controller,
		broadcaster: broadcaster,
		logger:      logger,
		baseCtx:     ctx,
		baseCancel:  cancel,
	}
}

// Start creates a job and launches its controller; it returns immediately
// with the new job id.
func (s *Service) Start(prompt string, maxRetries int) (string, error) {
	jobCtx, cancel := context.WithCancel(s.baseCtx)
	job, err := s.registry.Create(prompt, maxRetries, cancel)
	if err != nil {
		cancel()
		return "", err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.controller.Run(jobCtx, job)
	}()

	return job.ID(), nil
}

// Stop requests cancellation. Returns once the signal is accepted.
func (s *Service) Stop(jobID string) error {
	return s.registry.Cancel(jobID)
}

// Status returns the current snapshot of one job.
func (s *Service) Status(jobID string) (Snapshot, error) {
	job, err := s.registry.Get(jobID)
	if err != nil {
		return Snapshot{}, err
	}
	return job.Snapshot(), nil
}

// List returns snapshots of all live jobs, newest first.
func (s *Service) List() []Snapshot {
	return s.registry.Snapshots()
}

// Subscribe exposes the broadcaster's replay-then-live stream.
func (s *Service) Subscribe(pattern string) ([]joblog.Event, *joblog.Subscription) {
	return s.broadcaster.Subscribe(pattern)
}

// Unsubscribe releases a log stream subscription.
func (s *Service) Unsubscribe(sub *joblog.Subscription) {
	s.broadcaster.Unsubscribe(sub)
}

// Wait blocks until every launched controller has reached a terminal
// state. Used by the one-shot CLI path.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Reclaim archives terminal jobs older than retention and removes them
// from the live registry together with their log history. Running jobs
// are never touched.
func (s *Service) Reclaim(ctx context.Context, archiver Archiver, retention time.Duration) int {
	cutoff := time.Now().UTC().Add(-retention)
	reclaimed := 0
	for _, snap := range s.registry.Snapshots() {
		if !snap.State.Terminal() || snap.EndedAt == nil || snap.EndedAt.After(cutoff) {
			continue
		}
		history := s.broadcaster.History(snap.ID)
		if archiver != nil {
			if err := archiver.Archive(ctx, snap, history); err != nil {
				s.logger.Warn("archive failed",
					zap.String("job_id", snap.ID),
					zap.Error(err))
				continue
			}
		}
		s.broadcaster.Reclaim(snap.ID)
		if err := s.registry.Remove(snap.ID); err == nil {
			reclaimed++
		}
	}
	if reclaimed > 0 {
		s.logger.Info("reclaimed terminal jobs", zap.Int("count", reclaimed))
	}
	return reclaimed
}

// RunReclaimLoop periodically runs Reclaim until ctx is done.
func (s *Service) RunReclaimLoop(ctx context.Context, archiver Archiver, retention, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Reclaim(ctx, archiver, retention)
		}
	}
}

// Shutdown cancels every running job and waits for their controllers to
// finish, bounded by ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.baseCancel()
	for _, snap := range s.registry.Snapshots() {
		if !snap.State.Terminal() {
			_ = s.registry.Cancel(snap.ID)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
