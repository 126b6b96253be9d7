package processor

import (
	"context"
	"time"

	"orderjobs/internal/completion"
	"orderjobs/internal/fulfillment"
	"orderjobs/internal/models"
)

type checkOrderPayload struct {
	OrderID      string `mapstructure:"order_id" validate:"required"`
	PersistOrder bool   `mapstructure:"persist_order"`
}

// CheckOrderStatus fetches and classifies an order's status once.
type CheckOrderStatus struct {
	client fulfillment.Client
	ledger OrderLedger
}

// NewCheckOrderStatus builds the check_order_status processor. ledger may be nil.
func NewCheckOrderStatus(client fulfillment.Client, ledger OrderLedger) *CheckOrderStatus {
	return &CheckOrderStatus{client: client, ledger: ledger}
}

func (p *CheckOrderStatus) Type() string { return models.JobTypeCheckOrderStatus }

func (p *CheckOrderStatus) Timeout() time.Duration { return 0 }

func (p *CheckOrderStatus) Validate(payload map[string]interface{}) error {
	var req checkOrderPayload
	return decodePayload(payload, &req)
}

func (p *CheckOrderStatus) Process(ctx context.Context, job *models.Job, rt Runtime) (map[string]interface{}, error) {
	var req checkOrderPayload
	if err := decodePayload(job.Payload, &req); err != nil {
		return nil, err
	}

	status, err := p.client.GetOrderStatus(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	verdict := completion.Classify(*status)

	rt.Log(ctx, models.LogLevelInfo, "Order status checked", map[string]interface{}{
		"order_id":      req.OrderID,
		"remote_status": status.Status,
		"actual_status": verdict.ActualStatus,
		"is_complete":   verdict.IsComplete,
	})

	if req.PersistOrder && p.ledger != nil {
		if err := p.ledger.UpsertStatus(ctx, ledgerRow(job, req.OrderID, verdict)); err != nil {
			rt.Log(ctx, models.LogLevelWarning, "Failed to update local order status",
				map[string]interface{}{"order_id": req.OrderID, "error": err.Error()})
		}
	}

	result := orderResult(req.OrderID, status.Status, verdict, 1)
	result["isComplete"] = verdict.IsComplete
	return result, nil
}
