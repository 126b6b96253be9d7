package fulfillment

// Remote order statuses reported by GET /orders/{id}/status.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// Interaction categories tracked in an order's progress breakdown.
const (
	CategoryLike    = "like"
	CategorySave    = "save"
	CategoryComment = "comment"
)

// CreateOrderRequest is the body of POST /orders/create.
type CreateOrderRequest struct {
	PostID      string   `json:"post_id" mapstructure:"post_id" validate:"required"`
	LikeCount   int      `json:"like_count" mapstructure:"like_count" validate:"gte=0"`
	SaveCount   int      `json:"save_count" mapstructure:"save_count" validate:"gte=0"`
	CommentData []string `json:"comment_data,omitempty" mapstructure:"comment_data" validate:"omitempty,dive,required"`
}

// OrderResponse is returned when an order is accepted.
type OrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// CategoryProgress counts one interaction category of an order.
type CategoryProgress struct {
	Total     int     `json:"total" mapstructure:"total"`
	Completed int     `json:"completed" mapstructure:"completed"`
	Failed    int     `json:"failed" mapstructure:"failed"`
	Remaining int     `json:"remaining" mapstructure:"remaining"`
	Percent   float64 `json:"percent" mapstructure:"percent"`
}

// Progress is the per-category breakdown of an order. Categories that were
// not part of the order are nil.
type Progress struct {
	Like    *CategoryProgress `json:"like,omitempty" mapstructure:"like"`
	Save    *CategoryProgress `json:"save,omitempty" mapstructure:"save"`
	Comment *CategoryProgress `json:"comment,omitempty" mapstructure:"comment"`
}

// Categories returns the present categories in a fixed order: like, save, comment.
func (p *Progress) Categories() []NamedProgress {
	if p == nil {
		return nil
	}
	out := make([]NamedProgress, 0, 3)
	if p.Like != nil {
		out = append(out, NamedProgress{Name: CategoryLike, CategoryProgress: *p.Like})
	}
	if p.Save != nil {
		out = append(out, NamedProgress{Name: CategorySave, CategoryProgress: *p.Save})
	}
	if p.Comment != nil {
		out = append(out, NamedProgress{Name: CategoryComment, CategoryProgress: *p.Comment})
	}
	return out
}

// NamedProgress pairs a category name with its counters.
type NamedProgress struct {
	Name string
	CategoryProgress
}

// OrderStatus is the body of GET /orders/{id}/status.
type OrderStatus struct {
	OrderID  string    `json:"order_id,omitempty"`
	Status   string    `json:"status"`
	Progress *Progress `json:"progress,omitempty"`
}
