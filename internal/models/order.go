package models

import (
	"time"

	"gorm.io/datatypes"
)

// Order is the local ledger row for a remote fulfillment order, kept for reporting.
// Status uses the coarse vocabulary of the reporting side: a completed_with_errors
// classification is stored as "completed" and the nuance lives in ActualStatus.
type Order struct {
	OrderID      string            `gorm:"column:order_id;primaryKey;size:100" json:"order_id"`
	JobID        string            `gorm:"column:job_id;size:36;index:idx_orders_job_id" json:"job_id"`
	UserID       string            `gorm:"column:user_id;size:64;index:idx_orders_user_id" json:"user_id"`
	TeamID       string            `gorm:"column:team_id;size:64" json:"team_id,omitempty"`
	PostID       string            `gorm:"column:post_id;size:255" json:"post_id"`
	LikeCount    int               `gorm:"column:like_count;default:0" json:"like_count"`
	SaveCount    int               `gorm:"column:save_count;default:0" json:"save_count"`
	CommentCount int               `gorm:"column:comment_count;default:0" json:"comment_count"`
	Status       string            `gorm:"column:status;size:30" json:"status"`
	ActualStatus string            `gorm:"column:actual_status;size:30" json:"actual_status"`
	Progress     datatypes.JSONMap `gorm:"column:progress" json:"progress,omitempty"`
	CreatedAt    time.Time         `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}
