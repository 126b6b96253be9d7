package models

import (
	"time"

	"gorm.io/datatypes"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether the job can no longer change state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job types understood by the processor registry.
const (
	JobTypeCreateOrder      = "create_order"
	JobTypeCheckOrderStatus = "check_order_status"
)

// Job is one unit of queued fulfillment work.
type Job struct {
	ID            uint              `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	JobID         string            `gorm:"column:job_id;size:36;uniqueIndex:idx_jobs_job_id" json:"job_id"`
	UserID        string            `gorm:"column:user_id;size:64;index:idx_jobs_user_id" json:"user_id"`
	TeamID        string            `gorm:"column:team_id;size:64;index:idx_jobs_team_id" json:"team_id,omitempty"`
	Type          string            `gorm:"column:type;size:50" json:"type"`
	Payload       datatypes.JSONMap `gorm:"column:payload" json:"payload"`
	Status        JobStatus         `gorm:"column:status;size:20;index:idx_jobs_status;index:idx_jobs_dequeue,priority:2" json:"status"`
	QueuePosition int               `gorm:"column:queue_position;default:0" json:"queue_position"`
	Priority      int               `gorm:"column:priority;default:0;index:idx_jobs_dequeue,priority:1,sort:desc" json:"priority"`
	Attempts      int               `gorm:"column:attempts;default:0" json:"attempts"`
	MaxAttempts   int               `gorm:"column:max_attempts;default:3" json:"max_attempts"`
	ExternalRef   string            `gorm:"column:external_ref;size:255;index:idx_jobs_external_ref" json:"external_ref,omitempty"`
	Result        datatypes.JSONMap `gorm:"column:result" json:"result,omitempty"`
	Error         string            `gorm:"column:error;type:text" json:"error,omitempty"`
	StartedAt     *time.Time        `gorm:"column:started_at" json:"started_at,omitempty"`
	ClaimedAt     *time.Time        `gorm:"column:claimed_at" json:"-"`
	CompletedAt   *time.Time        `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt     time.Time         `gorm:"column:created_at;autoCreateTime;index:idx_jobs_created_at;index:idx_jobs_dequeue,priority:3" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`

	// EstimatedCompletionAt is derived on read for pending jobs, never stored.
	EstimatedCompletionAt *time.Time `gorm:"-" json:"estimated_completion_at,omitempty"`
}

func (Job) TableName() string {
	return "jobs"
}

// LogLevel classifies a JobLog entry.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// JobLog is an append-only diagnostic entry attached to a job.
type JobLog struct {
	ID        uint              `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	JobID     string            `gorm:"column:job_id;size:36;index:idx_job_logs_job_id" json:"job_id"`
	Level     LogLevel          `gorm:"column:level;size:10" json:"level"`
	Message   string            `gorm:"column:message;type:text" json:"message"`
	Details   datatypes.JSONMap `gorm:"column:details" json:"details,omitempty"`
	CreatedAt time.Time         `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (JobLog) TableName() string {
	return "job_logs"
}
