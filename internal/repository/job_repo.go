package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"orderjobs/internal/models"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrNoPendingJobs     = errors.New("no pending jobs")
	ErrOwnerRequired     = errors.New("owner user_id is required")
	ErrInvalidJob        = errors.New("invalid job")
)

const (
	DefaultMaxAttempts = 3

	// dequeueOrder is the single ordering used for dequeue and queue positions.
	dequeueOrder = "priority DESC, created_at ASC, id ASC"

	etaSampleSize    = 50
	dequeueBatch     = 5
	dequeueRounds    = 3
	cleanupChunkSize = 500
	defaultListLimit = 50
	maxListLimit     = 500
	maxErrorLength   = 900
)

var (
	activeStatuses   = []models.JobStatus{models.JobStatusPending, models.JobStatusProcessing}
	terminalStatuses = []models.JobStatus{models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled}

	// allowedTransitions maps a target status to the statuses it may be entered from.
	allowedTransitions = map[models.JobStatus][]models.JobStatus{
		models.JobStatusProcessing: {models.JobStatusPending},
		models.JobStatusPending:    {models.JobStatusProcessing},
		models.JobStatusCompleted:  {models.JobStatusProcessing},
		models.JobStatusFailed:     {models.JobStatusProcessing},
		models.JobStatusCancelled:  {models.JobStatusPending, models.JobStatusProcessing},
	}
)

// Owner scopes reads and writes to the submitting user or their team.
type Owner struct {
	UserID string
	TeamID string
}

func (o Owner) scope(db *gorm.DB) *gorm.DB {
	if o.TeamID != "" {
		return db.Where("(user_id = ? OR team_id = ?)", o.UserID, o.TeamID)
	}
	return db.Where("user_id = ?", o.UserID)
}

// CreateJobParams describes a job submission.
type CreateJobParams struct {
	Owner       Owner
	Type        string
	Payload     map[string]interface{}
	Priority    int
	MaxAttempts int
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status models.JobStatus
	Type   string
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// Window returns the limit and offset ListJobs actually applies.
func (f JobFilter) Window() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset = f.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// JobUpdates carries optional column changes applied together with a status transition.
type JobUpdates struct {
	Result map[string]interface{}
	Error  string
	// LogMessage replaces the default transition log line.
	LogMessage string
	LogLevel   models.LogLevel
	LogDetails map[string]interface{}
}

// JobRepository is the durable job store: job rows plus their append-only logs.
// Every status change goes through a compare-and-set on the current status.
type JobRepository struct {
	db                 *gorm.DB
	logger             *zap.Logger
	defaultMaxAttempts int
}

func NewJobRepository(db *gorm.DB, logger *zap.Logger) *JobRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobRepository{db: db, logger: logger, defaultMaxAttempts: DefaultMaxAttempts}
}

// WithDefaultMaxAttempts sets the retry budget used when a submission leaves it unset.
func (r *JobRepository) WithDefaultMaxAttempts(n int) *JobRepository {
	if n > 0 {
		r.defaultMaxAttempts = n
	}
	return r
}

// DB exposes the underlying handle for callers that share the connection.
func (r *JobRepository) DB() *gorm.DB {
	return r.db
}

// CreateJob inserts a pending job at the tail of the active queue.
func (r *JobRepository) CreateJob(ctx context.Context, params CreateJobParams) (*models.Job, error) {
	if strings.TrimSpace(params.Owner.UserID) == "" {
		return nil, ErrOwnerRequired
	}
	if strings.TrimSpace(params.Type) == "" {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidJob)
	}

	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.defaultMaxAttempts
	}
	payload := datatypes.JSONMap(params.Payload)
	if payload == nil {
		payload = datatypes.JSONMap{}
	}

	job := &models.Job{
		JobID:       uuid.NewString(),
		UserID:      params.Owner.UserID,
		TeamID:      params.Owner.TeamID,
		Type:        params.Type,
		Payload:     payload,
		Status:      models.JobStatusPending,
		Priority:    params.Priority,
		Attempts:    0,
		MaxAttempts: maxAttempts,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&models.Job{}).Where("status IN ?", activeStatuses).Count(&active).Error; err != nil {
			return err
		}
		job.QueuePosition = int(active) + 1
		return tx.Create(job).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	r.AppendLog(ctx, job.JobID, models.LogLevelInfo,
		fmt.Sprintf("Job created at queue position %d", job.QueuePosition),
		map[string]interface{}{
			"type":         job.Type,
			"priority":     job.Priority,
			"max_attempts": job.MaxAttempts,
		})

	return job, nil
}

// GetJob returns a job by id. A non-nil owner restricts the lookup to that
// user or team. Pending jobs get an estimated completion time attached.
func (r *JobRepository) GetJob(ctx context.Context, jobID string, owner *Owner) (*models.Job, error) {
	q := r.db.WithContext(ctx).Where("job_id = ?", jobID)
	if owner != nil {
		q = owner.scope(q)
	}

	var job models.Job
	if err := q.First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	if job.Status == models.JobStatusPending {
		if err := r.attachEstimate(ctx, &job); err != nil {
			r.logger.Warn("Failed to estimate job completion", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return &job, nil
}

// attachEstimate multiplies the average duration of recent completed jobs of
// the same type by the job's queue position.
func (r *JobRepository) attachEstimate(ctx context.Context, job *models.Job) error {
	avg, ok, err := r.AverageDuration(ctx, job.Type)
	if err != nil || !ok {
		return err
	}
	position := job.QueuePosition
	if position < 1 {
		position = 1
	}
	eta := time.Now().UTC().Add(avg * time.Duration(position))
	job.EstimatedCompletionAt = &eta
	return nil
}

// AverageDuration is the mean started->completed wall time of recent completed jobs of a type.
func (r *JobRepository) AverageDuration(ctx context.Context, jobType string) (time.Duration, bool, error) {
	var rows []struct {
		StartedAt   time.Time
		CompletedAt time.Time
	}
	err := r.db.WithContext(ctx).Model(&models.Job{}).
		Select("started_at, completed_at").
		Where("type = ? AND status = ? AND started_at IS NOT NULL AND completed_at IS NOT NULL", jobType, models.JobStatusCompleted).
		Order("completed_at DESC").
		Limit(etaSampleSize).
		Scan(&rows).Error
	if err != nil {
		return 0, false, err
	}

	var total time.Duration
	var n int
	for _, row := range rows {
		d := row.CompletedAt.Sub(row.StartedAt)
		if d < 0 {
			continue
		}
		total += d
		n++
	}
	if n == 0 {
		return 0, false, nil
	}
	return total / time.Duration(n), true, nil
}

// ListJobs returns the owner's jobs, newest first.
func (r *JobRepository) ListJobs(ctx context.Context, owner Owner, filter JobFilter) ([]models.Job, error) {
	if strings.TrimSpace(owner.UserID) == "" && strings.TrimSpace(owner.TeamID) == "" {
		return nil, ErrOwnerRequired
	}

	q := owner.scope(r.db.WithContext(ctx).Model(&models.Job{}))
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.From != nil {
		q = q.Where("created_at >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		q = q.Where("created_at <= ?", filter.To.UTC())
	}

	limit, offset := filter.Window()
	jobs := make([]models.Job, 0)
	err := q.Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&jobs).Error
	return jobs, err
}

// UpdateJobStatus moves a job to newStatus if the state machine allows it.
// started_at is stamped on the first entry to processing, completed_at on
// entry to completed or failed. An info log describing the change is always written.
func (r *JobRepository) UpdateJobStatus(ctx context.Context, jobID string, newStatus models.JobStatus, updates JobUpdates) error {
	if !newStatus.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, newStatus)
	}

	var current models.Job
	err := r.db.WithContext(ctx).Select("job_id, status, attempts, max_attempts").
		Where("job_id = ?", jobID).First(&current).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		return err
	}

	if !transitionAllowed(current.Status, newStatus) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, newStatus)
	}

	now := time.Now().UTC()
	values := map[string]interface{}{"status": newStatus}
	switch newStatus {
	case models.JobStatusProcessing:
		values["claimed_at"] = now
		values["started_at"] = gorm.Expr("COALESCE(started_at, ?)", now)
		values["queue_position"] = 0
	case models.JobStatusCompleted, models.JobStatusFailed:
		values["completed_at"] = now
		values["queue_position"] = 0
	case models.JobStatusCancelled:
		values["queue_position"] = 0
	}
	if updates.Result != nil {
		values["result"] = datatypes.JSONMap(updates.Result)
	}
	if updates.Error != "" {
		values["error"] = trimErr(updates.Error)
	}

	q := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("job_id = ? AND status = ?", jobID, current.Status)
	if newStatus == models.JobStatusPending {
		// A job that has used its whole retry budget must never re-enter pending.
		q = q.Where("attempts < max_attempts")
	}
	res := q.Updates(values)
	if res.Error != nil {
		return fmt.Errorf("update job status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s -> %s lost to a concurrent update", ErrInvalidTransition, current.Status, newStatus)
	}

	message := updates.LogMessage
	if message == "" {
		message = fmt.Sprintf("Status changed from %s to %s", current.Status, newStatus)
	}
	level := updates.LogLevel
	if level == "" {
		level = models.LogLevelInfo
	}
	details := map[string]interface{}{
		"from": string(current.Status),
		"to":   string(newStatus),
	}
	if updates.Error != "" {
		details["error"] = trimErr(updates.Error)
	}
	for k, v := range updates.LogDetails {
		details[k] = v
	}
	r.AppendLog(ctx, jobID, level, message, details)
	return nil
}

func transitionAllowed(from, to models.JobStatus) bool {
	for _, s := range allowedTransitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// DequeueNext claims the highest-priority, oldest pending job with retry budget
// left, moving it to processing and consuming one attempt.
func (r *JobRepository) DequeueNext(ctx context.Context) (*models.Job, error) {
	db := r.db.WithContext(ctx)

	for round := 0; round < dequeueRounds; round++ {
		var candidates []models.Job
		err := db.Select("job_id").
			Where("status = ? AND attempts < max_attempts", models.JobStatusPending).
			Order(dequeueOrder).
			Limit(dequeueBatch).
			Find(&candidates).Error
		if err != nil {
			return nil, fmt.Errorf("select pending jobs: %w", err)
		}
		if len(candidates) == 0 {
			return nil, ErrNoPendingJobs
		}

		for _, candidate := range candidates {
			now := time.Now().UTC()
			res := db.Model(&models.Job{}).
				Where("job_id = ? AND status = ? AND attempts < max_attempts", candidate.JobID, models.JobStatusPending).
				Updates(map[string]interface{}{
					"status":         models.JobStatusProcessing,
					"attempts":       gorm.Expr("attempts + 1"),
					"claimed_at":     now,
					"started_at":     gorm.Expr("COALESCE(started_at, ?)", now),
					"queue_position": 0,
				})
			if res.Error != nil {
				return nil, fmt.Errorf("claim job: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				continue
			}

			var job models.Job
			if err := db.Where("job_id = ?", candidate.JobID).First(&job).Error; err != nil {
				return nil, fmt.Errorf("reload claimed job: %w", err)
			}

			r.AppendLog(ctx, job.JobID, models.LogLevelInfo,
				fmt.Sprintf("Attempt %d of %d started", job.Attempts, job.MaxAttempts),
				map[string]interface{}{
					"from":         string(models.JobStatusPending),
					"to":           string(models.JobStatusProcessing),
					"attempt":      job.Attempts,
					"max_attempts": job.MaxAttempts,
				})
			return &job, nil
		}
	}
	return nil, ErrNoPendingJobs
}

// ReleaseJob hands a claimed job back to the queue without charging the
// attempt, for runs interrupted by worker shutdown rather than by the job.
func (r *JobRepository) ReleaseJob(ctx context.Context, jobID, reason string) error {
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("job_id = ? AND status = ? AND attempts > 0", jobID, models.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":     models.JobStatusPending,
			"attempts":   gorm.Expr("attempts - 1"),
			"claimed_at": nil,
		})
	if res.Error != nil {
		return fmt.Errorf("release job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: job %s is no longer processing", ErrInvalidTransition, jobID)
	}

	r.AppendLog(ctx, jobID, models.LogLevelWarning, "Attempt interrupted, job returned to the queue",
		map[string]interface{}{
			"from":   string(models.JobStatusProcessing),
			"to":     string(models.JobStatusPending),
			"reason": reason,
		})
	return nil
}

// AppendLog writes a job log entry. Failures are logged and swallowed so they
// never interrupt job processing.
func (r *JobRepository) AppendLog(ctx context.Context, jobID string, level models.LogLevel, message string, details map[string]interface{}) {
	entry := &models.JobLog{
		JobID:   jobID,
		Level:   level,
		Message: message,
	}
	if details != nil {
		entry.Details = datatypes.JSONMap(details)
	}
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		r.logger.Warn("Failed to append job log",
			zap.String("job_id", jobID),
			zap.String("level", string(level)),
			zap.String("message", message),
			zap.Error(err))
	}
}

// GetJobLogs returns a job's logs in the order they were written.
func (r *JobRepository) GetJobLogs(ctx context.Context, jobID string, owner *Owner) ([]models.JobLog, error) {
	q := r.db.WithContext(ctx).Model(&models.Job{}).Where("job_id = ?", jobID)
	if owner != nil {
		q = owner.scope(q)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrJobNotFound
	}

	logs := make([]models.JobLog, 0)
	err := r.db.WithContext(ctx).Where("job_id = ?", jobID).Order("id ASC").Find(&logs).Error
	return logs, err
}

// RecomputeQueuePositions renumbers pending jobs 1..N in dequeue order and
// clears the position of every other job.
func (r *JobRepository) RecomputeQueuePositions(ctx context.Context) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending []struct {
			JobID         string
			QueuePosition int
		}
		err := tx.Model(&models.Job{}).
			Select("job_id, queue_position").
			Where("status = ?", models.JobStatusPending).
			Order(dequeueOrder).
			Scan(&pending).Error
		if err != nil {
			return err
		}

		for i, row := range pending {
			want := i + 1
			if row.QueuePosition == want {
				continue
			}
			if err := tx.Model(&models.Job{}).Where("job_id = ?", row.JobID).
				UpdateColumn("queue_position", want).Error; err != nil {
				return err
			}
		}

		return tx.Model(&models.Job{}).
			Where("status <> ? AND queue_position <> 0", models.JobStatusPending).
			UpdateColumn("queue_position", 0).Error
	})
}

// ReclaimStuckJobs fails jobs whose current claim is older than staleAfter.
// The owning worker is presumed dead, so these bypass the retry budget.
func (r *JobRepository) ReclaimStuckJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	db := r.db.WithContext(ctx)

	var stuck []models.Job
	err := db.Select("job_id, attempts, max_attempts, claimed_at").
		Where("status = ? AND claimed_at IS NOT NULL AND claimed_at < ?", models.JobStatusProcessing, cutoff).
		Find(&stuck).Error
	if err != nil {
		return 0, fmt.Errorf("find stuck jobs: %w", err)
	}

	reclaimed := 0
	for _, job := range stuck {
		msg := fmt.Sprintf("job timed out: stuck in processing for more than %s", staleAfter)
		now := time.Now().UTC()
		res := db.Model(&models.Job{}).
			Where("job_id = ? AND status = ? AND claimed_at < ?", job.JobID, models.JobStatusProcessing, cutoff).
			Updates(map[string]interface{}{
				"status":         models.JobStatusFailed,
				"error":          msg,
				"completed_at":   now,
				"queue_position": 0,
			})
		if res.Error != nil {
			return reclaimed, fmt.Errorf("reclaim job %s: %w", job.JobID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		reclaimed++

		details := map[string]interface{}{
			"from":         string(models.JobStatusProcessing),
			"to":           string(models.JobStatusFailed),
			"attempt":      job.Attempts,
			"max_attempts": job.MaxAttempts,
		}
		if job.ClaimedAt != nil {
			details["claimed_at"] = job.ClaimedAt.UTC().Format(time.RFC3339)
		}
		r.AppendLog(ctx, job.JobID, models.LogLevelError, "Job reclaimed: "+msg, details)
	}
	return reclaimed, nil
}

// CleanupOldJobs deletes terminal jobs finished before the retention cutoff,
// logs first. Cancelled jobs have no completed_at and age by updated_at.
func (r *JobRepository) CleanupOldJobs(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	db := r.db.WithContext(ctx)

	var ids []string
	err := db.Model(&models.Job{}).
		Where("status IN ?", terminalStatuses).
		Where("((completed_at IS NOT NULL AND completed_at < ?) OR (completed_at IS NULL AND updated_at < ?))", cutoff, cutoff).
		Pluck("job_id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("find expired jobs: %w", err)
	}

	deleted := 0
	for start := 0; start < len(ids); start += cleanupChunkSize {
		end := start + cleanupChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		err := db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("job_id IN ?", chunk).Delete(&models.JobLog{}).Error; err != nil {
				return err
			}
			res := tx.Where("job_id IN ? AND status IN ?", chunk, terminalStatuses).Delete(&models.Job{})
			if res.Error != nil {
				return res.Error
			}
			deleted += int(res.RowsAffected)
			return nil
		})
		if err != nil {
			return deleted, fmt.Errorf("delete expired jobs: %w", err)
		}
	}
	return deleted, nil
}

// CancelJob cancels an owner's pending or processing job. It returns false when
// the job is already in a terminal state.
func (r *JobRepository) CancelJob(ctx context.Context, jobID string, owner Owner) (bool, error) {
	job, err := r.GetJob(ctx, jobID, &owner)
	if err != nil {
		return false, err
	}
	if job.Status != models.JobStatusPending && job.Status != models.JobStatusProcessing {
		return false, nil
	}

	message := "Job cancelled by owner before processing"
	if job.Status == models.JobStatusProcessing {
		message = "Job cancelled by owner while processing; in-flight remote work is not interrupted"
	}
	err = r.UpdateJobStatus(ctx, jobID, models.JobStatusCancelled, JobUpdates{
		LogMessage: message,
		LogDetails: map[string]interface{}{"cancelled_by": owner.UserID},
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return false, nil
		}
		return false, err
	}

	if err := r.RecomputeQueuePositions(ctx); err != nil {
		r.logger.Warn("Failed to recompute queue positions after cancel", zap.String("job_id", jobID), zap.Error(err))
	}
	return true, nil
}

// SetExternalRef records the remote order id a job is driving.
func (r *JobRepository) SetExternalRef(ctx context.Context, jobID, ref string) error {
	return r.db.WithContext(ctx).Model(&models.Job{}).
		Where("job_id = ?", jobID).
		UpdateColumn("external_ref", ref).Error
}

// Status returns the current status of a job.
func (r *JobRepository) Status(ctx context.Context, jobID string) (models.JobStatus, error) {
	var job models.Job
	err := r.db.WithContext(ctx).Select("status").Where("job_id = ?", jobID).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrJobNotFound
		}
		return "", err
	}
	return job.Status, nil
}

// CountByStatus counts jobs currently in a status.
func (r *JobRepository) CountByStatus(ctx context.Context, status models.JobStatus) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Job{}).Where("status = ?", status).Count(&count).Error
	return count, err
}

// Stats returns job counts grouped by status.
func (r *JobRepository) Stats(ctx context.Context) (map[models.JobStatus]int64, error) {
	var rows []struct {
		Status models.JobStatus
		Total  int64
	}
	err := r.db.WithContext(ctx).Model(&models.Job{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := make(map[models.JobStatus]int64, len(rows))
	for _, row := range rows {
		stats[row.Status] = row.Total
	}
	return stats, nil
}

func trimErr(msg string) string {
	msg = strings.TrimSpace(msg)
	if len(msg) > maxErrorLength {
		n := maxErrorLength
		for n > 0 && !utf8.RuneStart(msg[n]) {
			n--
		}
		msg = msg[:n]
	}
	return strings.ToValidUTF8(msg, "\uFFFD")
}
