package backup

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs a snapshot and a retention cleanup on a standard
// five-field cron schedule or a descriptor such as @daily.
type Scheduler struct {
	engine   *Engine
	cron     *cron.Cron
	schedule string
	logger   *slog.Logger
	mu       sync.RWMutex
	running  bool
	entry    cron.EntryID
}

func NewScheduler(engine *Engine, schedule string, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		engine:   engine,
		schedule: schedule,
		logger:   logger,
		cron:     cron.New(cron.WithLocation(time.UTC)),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	entryID, err := s.cron.AddFunc(s.schedule, func() {
		s.runSnapshot(ctx)
	})
	if err != nil {
		return err
	}

	s.entry = entryID
	s.running = true
	s.cron.Start()

	s.logger.Info("scheduler started",
		"schedule", s.schedule,
		"next_run", s.cron.Entry(entryID).Next,
	)

	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	// waits for a running snapshot to finish
	<-s.cron.Stop().Done()
	s.cron.Remove(s.entry)
	s.running = false
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) RunNow(ctx context.Context) (*Result, error) {
	return s.engine.Run(ctx, nil)
}

func (s *Scheduler) NextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) runSnapshot(ctx context.Context) {
	s.logger.Info("scheduled snapshot starting")

	result, err := s.engine.Run(ctx, nil)
	switch {
	case errors.Is(err, ErrRunning):
		s.logger.Warn("scheduled snapshot skipped, previous run still in progress")
		return
	case err != nil && (result == nil || result.Manifest == nil):
		s.logger.Error("scheduled snapshot failed", "error", err)
	case err != nil:
		s.logger.Warn("scheduled snapshot is partial", "id", result.ID, "failed", result.Manifest.Failed())
	default:
		s.logger.Info("scheduled snapshot completed", "id", result.ID)
	}

	if _, err := s.engine.Cleanup(ctx); err != nil {
		s.logger.Error("cleanup after snapshot failed", "error", err)
	}
}

func (s *Scheduler) Engine() *Engine {
	return s.engine
}
