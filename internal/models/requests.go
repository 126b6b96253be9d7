package models

// APIResponse is the standard JSON envelope for every API answer.
type APIResponse struct {
	Status bool        `json:"status"`
	Msg    string      `json:"msg"`
	Obj    interface{} `json:"obj"`
}

// CreateJobRequest is the body of POST /api/jobs.
type CreateJobRequest struct {
	Type        string                 `json:"type" validate:"required"`
	Payload     map[string]interface{} `json:"payload" validate:"required"`
	Priority    int                    `json:"priority"`
	MaxAttempts int                    `json:"max_attempts" validate:"gte=0,lte=20"`
}

// JobListResponse wraps list results with the paging window used.
type JobListResponse struct {
	Jobs   []Job `json:"jobs"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}
