package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"orderjobs/internal/config"
)

// BatchRunner is the worker as seen by the scheduler.
type BatchRunner interface {
	RunBatch(ctx context.Context, limit int) (int, error)
	StaleThreshold() time.Duration
}

// JobMaintainer is the job store housekeeping surface.
type JobMaintainer interface {
	ReclaimStuckJobs(ctx context.Context, staleAfter time.Duration) (int, error)
	CleanupOldJobs(ctx context.Context, retention time.Duration) (int, error)
	RecomputeQueuePositions(ctx context.Context) error
}

// Scheduler manages all cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	cfg       config.CronConfig
	mode      string
	batchSize int
	worker    BatchRunner
	jobs      JobMaintainer
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new cron scheduler. In cron worker mode it also drives job batches.
func New(cfg *config.Config, worker BatchRunner, jobs JobMaintainer, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cron:      cron.New(cron.WithSeconds()),
		cfg:       cfg.Cron,
		mode:      cfg.Worker.Mode,
		batchSize: cfg.Worker.BatchSize,
		worker:    worker,
		jobs:      jobs,
		logger:    logger.Named("cron"),
	}
}

// Start registers and starts all cron jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting cron scheduler...", zap.String("worker_mode", s.mode))
	s.ctx, s.cancel = context.WithCancel(ctx)

	// A batch still running when the next trigger fires is left alone.
	skip := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger))

	if s.mode == config.WorkerModeCron {
		// Periodic worker trigger
		if _, err := s.cron.AddJob(s.cfg.TriggerSpec, skip.Then(cron.FuncJob(func() {
			s.logger.Debug("Running: worker batch")
			s.runBatch()
		}))); err != nil {
			return fmt.Errorf("schedule worker batch %q: %w", s.cfg.TriggerSpec, err)
		}
	}

	// Stuck job sweep
	if _, err := s.cron.AddJob(s.cfg.ReclaimSpec, skip.Then(cron.FuncJob(func() {
		s.logger.Debug("Running: reclaim stuck jobs")
		s.reclaimStuckJobs()
	}))); err != nil {
		return fmt.Errorf("schedule reclaim %q: %w", s.cfg.ReclaimSpec, err)
	}

	// Retention cleanup - daily at 3 AM by default
	if _, err := s.cron.AddFunc(s.cfg.CleanupSpec, func() {
		s.logger.Debug("Running: job retention cleanup")
		s.cleanupOldJobs()
	}); err != nil {
		return fmt.Errorf("schedule cleanup %q: %w", s.cfg.CleanupSpec, err)
	}

	s.cron.Start()
	s.logger.Info("Cron scheduler started", zap.Int("entries", len(s.cron.Entries())))
	return nil
}

// Stop gracefully stops the cron scheduler. The returned context is done
// once running jobs have finished.
func (s *Scheduler) Stop() context.Context {
	if s.cancel != nil {
		s.cancel()
	}
	return s.cron.Stop()
}

func (s *Scheduler) runBatch() {
	defer s.recoverFromPanic("runBatch")

	processed, err := s.worker.RunBatch(s.context(), s.batchSize)
	if err != nil {
		s.logger.Error("Worker batch failed", zap.Int("processed", processed), zap.Error(err))
		return
	}
	if processed > 0 {
		s.logger.Info("Worker batch finished", zap.Int("processed", processed))
	}
}

func (s *Scheduler) reclaimStuckJobs() {
	defer s.recoverFromPanic("reclaimStuckJobs")

	ctx := s.context()
	n, err := s.jobs.ReclaimStuckJobs(ctx, s.worker.StaleThreshold())
	if err != nil {
		s.logger.Error("Reclaim sweep failed", zap.Error(err))
		return
	}
	if n == 0 {
		return
	}
	s.logger.Warn("Reclaimed stuck jobs", zap.Int("count", n))
	if err := s.jobs.RecomputeQueuePositions(ctx); err != nil {
		s.logger.Warn("Failed to recompute queue positions", zap.Error(err))
	}
}

func (s *Scheduler) cleanupOldJobs() {
	defer s.recoverFromPanic("cleanupOldJobs")

	n, err := s.jobs.CleanupOldJobs(s.context(), s.cfg.Retention)
	if err != nil {
		s.logger.Error("Job cleanup failed", zap.Int("deleted", n), zap.Error(err))
		return
	}
	s.logger.Info("Job cleanup finished", zap.Int("deleted", n), zap.Duration("retention", s.cfg.Retention))
}

func (s *Scheduler) context() context.Context {
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Scheduler) recoverFromPanic(jobName string) {
	if r := recover(); r != nil {
		s.logger.Error("Cron job panicked", zap.String("job", jobName), zap.Any("error", r))
	}
}
