// Package worker pulls queued jobs, runs them through their processor and
// records the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"orderjobs/internal/models"
	"orderjobs/internal/processor"
	"orderjobs/internal/repository"
)

const (
	tickLockKey = "orderjobs:worker:tick"
	tickLockTTL = 10 * time.Second

	reclaimMargin = time.Minute
)

var ErrAlreadyRunning = errors.New("worker is already running")

// Config controls scheduling and retry behaviour.
type Config struct {
	PollInterval      time.Duration
	JobTimeout        time.Duration
	RetryDelay        time.Duration
	StaleAfter        time.Duration
	MaxConcurrentJobs int
	BatchSize         int
}

// DefaultConfig is one job at a time, polled every five seconds.
var DefaultConfig = Config{
	PollInterval:      5 * time.Second,
	JobTimeout:        60 * time.Second,
	RetryDelay:        5 * time.Second,
	StaleAfter:        5 * time.Minute,
	MaxConcurrentJobs: 1,
	BatchSize:         10,
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeRetry
	outcomeFailed
	outcomeAbandoned
)

// Worker is the queue consumer. One Worker runs one loop; several processes
// may each run one and share the global ceiling through the Locker.
type Worker struct {
	repo     *repository.JobRepository
	registry *processor.Registry
	locker   Locker
	cfg      Config
	logger   *zap.Logger

	slots chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running sync.WaitGroup
}

func New(repo *repository.JobRepository, registry *processor.Registry, locker Locker, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = newMemoryLocker()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultConfig.JobTimeout
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig.StaleAfter
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig.BatchSize
	}
	return &Worker{
		repo:     repo,
		registry: registry,
		locker:   locker,
		cfg:      cfg,
		logger:   logger.Named("worker"),
		slots:    make(chan struct{}, cfg.MaxConcurrentJobs),
	}
}

// StaleThreshold is how long a claim may age before it counts as stuck. It
// never undercuts the longest legal run of any registered processor.
func (w *Worker) StaleThreshold() time.Duration {
	floor := w.registry.MaxTimeout(w.cfg.JobTimeout) + reclaimMargin
	if w.cfg.StaleAfter > floor {
		return w.cfg.StaleAfter
	}
	return floor
}

// Start runs the polling loop in the background until Stop or ctx ends.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.loop(loopCtx, w.done)

	w.logger.Info("Worker started",
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Int("max_concurrent_jobs", w.cfg.MaxConcurrentJobs),
		zap.Duration("stale_after", w.StaleThreshold()))
	return nil
}

// Stop ends the loop and waits for in-flight jobs to be finalized.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.running.Wait()
	w.logger.Info("Worker stopped")
}

// Running reports whether the background loop is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

func (w *Worker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case w.slots <- struct{}{}:
		}

		job, err := w.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("Worker tick failed", zap.Error(err))
		}
		if job == nil {
			<-w.slots
			if !sleepCtx(ctx, w.cfg.PollInterval) {
				return
			}
			continue
		}

		w.running.Add(1)
		go func(job *models.Job) {
			defer w.running.Done()
			defer func() { <-w.slots }()

			if w.execute(ctx, job) == outcomeRetry {
				sleepCtx(ctx, w.cfg.RetryDelay)
			}
		}(job)
	}
}

// RunBatch claims and runs up to limit jobs one after another, for hosts that
// trigger the worker periodically instead of keeping a loop alive.
func (w *Worker) RunBatch(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = w.cfg.BatchSize
	}

	processed := 0
	for processed < limit {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		job, err := w.Tick(ctx)
		if err != nil {
			return processed, err
		}
		if job == nil {
			break
		}
		processed++
		if w.execute(ctx, job) == outcomeRetry && processed < limit {
			sleepCtx(ctx, w.cfg.RetryDelay)
		}
	}
	return processed, nil
}

// Tick reclaims stuck jobs and, if the global ceiling allows, claims the next
// pending job. It returns nil when there is nothing to run.
func (w *Worker) Tick(ctx context.Context) (*models.Job, error) {
	if n, err := w.repo.ReclaimStuckJobs(ctx, w.StaleThreshold()); err != nil {
		w.logger.Warn("Failed to reclaim stuck jobs", zap.Error(err))
	} else if n > 0 {
		w.logger.Warn("Reclaimed stuck jobs", zap.Int("count", n))
		w.recompute(ctx)
	}

	release, err := w.locker.Obtain(ctx, tickLockKey, tickLockTTL)
	if errors.Is(err, ErrLockHeld) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("obtain tick lock: %w", err)
	}
	defer release(context.WithoutCancel(ctx))

	processing, err := w.repo.CountByStatus(ctx, models.JobStatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("count processing jobs: %w", err)
	}
	if processing >= int64(w.cfg.MaxConcurrentJobs) {
		return nil, nil
	}

	job, err := w.repo.DequeueNext(ctx)
	if errors.Is(err, repository.ErrNoPendingJobs) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w.recompute(ctx)

	w.logger.Info("Job claimed",
		zap.String("job_id", job.JobID),
		zap.String("type", job.Type),
		zap.Int("attempt", job.Attempts),
		zap.Int("max_attempts", job.MaxAttempts))
	return job, nil
}

func (w *Worker) execute(ctx context.Context, job *models.Job) outcome {
	log := w.logger.With(zap.String("job_id", job.JobID), zap.String("type", job.Type), zap.Int("attempt", job.Attempts))
	// Finalization must land even when the loop is shutting down.
	final := context.WithoutCancel(ctx)
	defer w.recompute(final)

	p, err := w.registry.Get(job.Type)
	if err != nil {
		return w.fail(final, job, err, false, log)
	}

	timeout := w.registry.TimeoutFor(job.Type, w.cfg.JobTimeout)
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	started := time.Now()
	result, err := w.run(jobCtx, p, job)
	timedOut := errors.Is(jobCtx.Err(), context.DeadlineExceeded)
	cancel()

	if err == nil {
		err = w.repo.UpdateJobStatus(final, job.JobID, models.JobStatusCompleted, repository.JobUpdates{
			Result:     result,
			LogMessage: "Job completed successfully",
			LogDetails: map[string]interface{}{"duration_ms": time.Since(started).Milliseconds()},
		})
		if err != nil {
			log.Warn("Completed job could not be finalized", zap.Error(err))
			return outcomeAbandoned
		}
		log.Info("Job completed", zap.Duration("duration", time.Since(started)))
		return outcomeCompleted
	}

	if errors.Is(err, processor.ErrJobCancelled) {
		log.Info("Job stopped after cancellation")
		return outcomeAbandoned
	}
	if ctx.Err() != nil && !timedOut {
		// The worker was stopped, not the job: give the attempt back.
		if rerr := w.repo.ReleaseJob(final, job.JobID, context.Cause(ctx).Error()); rerr != nil {
			log.Info("Interrupted job could not be released", zap.Error(rerr))
		} else {
			log.Warn("Job interrupted by shutdown, returned to the queue", zap.Error(err))
		}
		return outcomeAbandoned
	}
	if timedOut {
		err = fmt.Errorf("job timed out after %s: %w", timeout, err)
	}

	permanent := errors.Is(err, processor.ErrInvalidPayload) || errors.Is(err, processor.ErrUnknownJobType)
	return w.fail(final, job, err, !permanent, log)
}

// run invokes the processor, turning a panic into an error.
func (w *Worker) run(ctx context.Context, p processor.Processor, job *models.Job) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Processor panicked",
				zap.String("job_id", job.JobID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return p.Process(ctx, job, &jobRuntime{repo: w.repo, jobID: job.JobID})
}

func (w *Worker) fail(ctx context.Context, job *models.Job, cause error, retryable bool, log *zap.Logger) outcome {
	msg := cause.Error()

	if retryable && job.Attempts < job.MaxAttempts {
		err := w.repo.UpdateJobStatus(ctx, job.JobID, models.JobStatusPending, repository.JobUpdates{
			Error:      msg,
			LogLevel:   models.LogLevelWarning,
			LogMessage: fmt.Sprintf("Attempt %d of %d failed, will retry", job.Attempts, job.MaxAttempts),
			LogDetails: map[string]interface{}{"retry_delay": w.cfg.RetryDelay.String()},
		})
		if err == nil {
			log.Warn("Job attempt failed, requeued", zap.Error(cause))
			return outcomeRetry
		}
		if !errors.Is(err, repository.ErrInvalidTransition) {
			log.Error("Failed to requeue job", zap.Error(err))
			return outcomeAbandoned
		}
		// Lost the row to a cancel or reclaim; fall through only if still ours.
		if status, serr := w.repo.Status(ctx, job.JobID); serr != nil || status != models.JobStatusProcessing {
			log.Info("Job left processing before it could be requeued", zap.Error(cause))
			return outcomeAbandoned
		}
	}

	err := w.repo.UpdateJobStatus(ctx, job.JobID, models.JobStatusFailed, repository.JobUpdates{
		Error:      msg,
		LogLevel:   models.LogLevelError,
		LogMessage: fmt.Sprintf("Job failed permanently after %d of %d attempts", job.Attempts, job.MaxAttempts),
	})
	if err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			log.Info("Job left processing before it could be failed", zap.Error(cause))
		} else {
			log.Error("Failed to mark job failed", zap.Error(err))
		}
		return outcomeAbandoned
	}
	log.Error("Job failed", zap.Error(cause))
	return outcomeFailed
}

func (w *Worker) recompute(ctx context.Context) {
	if err := w.repo.RecomputeQueuePositions(ctx); err != nil {
		w.logger.Warn("Failed to recompute queue positions", zap.Error(err))
	}
}

// jobRuntime scopes repository access to the job being processed.
type jobRuntime struct {
	repo  *repository.JobRepository
	jobID string
}

func (r *jobRuntime) Log(ctx context.Context, level models.LogLevel, message string, details map[string]interface{}) {
	r.repo.AppendLog(context.WithoutCancel(ctx), r.jobID, level, message, details)
}

func (r *jobRuntime) Cancelled(ctx context.Context) bool {
	status, err := r.repo.Status(ctx, r.jobID)
	return err == nil && status == models.JobStatusCancelled
}

func (r *jobRuntime) SetExternalRef(ctx context.Context, ref string) error {
	return r.repo.SetExternalRef(ctx, r.jobID, ref)
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
