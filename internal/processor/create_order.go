package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"orderjobs/internal/completion"
	"orderjobs/internal/fulfillment"
	"orderjobs/internal/models"
)

// PollingConfig controls the create_order polling loop.
type PollingConfig struct {
	Interval  time.Duration
	Budget    time.Duration
	Extension time.Duration
}

var DefaultPolling = PollingConfig{
	Interval:  10 * time.Second,
	Budget:    2 * time.Minute,
	Extension: 3 * time.Minute,
}

type createOrderPayload struct {
	fulfillment.CreateOrderRequest `mapstructure:",squash"`
	PersistOrder                   bool `mapstructure:"persist_order"`
}

// CreateOrder submits an order to the fulfillment API and polls it until the
// classifier reports completion or the polling budget runs out.
type CreateOrder struct {
	client  fulfillment.Client
	ledger  OrderLedger
	polling PollingConfig
	logger  *zap.Logger
}

// NewCreateOrder builds the create_order processor. ledger may be nil.
func NewCreateOrder(client fulfillment.Client, ledger OrderLedger, polling PollingConfig, logger *zap.Logger) *CreateOrder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if polling.Interval <= 0 {
		polling.Interval = DefaultPolling.Interval
	}
	if polling.Budget <= 0 {
		polling.Budget = DefaultPolling.Budget
	}
	if polling.Extension < 0 {
		polling.Extension = 0
	}
	return &CreateOrder{client: client, ledger: ledger, polling: polling, logger: logger}
}

func (p *CreateOrder) Type() string { return models.JobTypeCreateOrder }

// Timeout covers the full budget, one extension and a little slack for the last poll.
func (p *CreateOrder) Timeout() time.Duration {
	return p.polling.Budget + p.polling.Extension + 2*p.polling.Interval
}

func (p *CreateOrder) Validate(payload map[string]interface{}) error {
	_, err := p.decode(payload)
	return err
}

func (p *CreateOrder) decode(payload map[string]interface{}) (*createOrderPayload, error) {
	var req createOrderPayload
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	if req.LikeCount == 0 && req.SaveCount == 0 && len(req.CommentData) == 0 {
		return nil, fmt.Errorf("%w: at least one of like_count, save_count or comment_data is required", ErrInvalidPayload)
	}
	return &req, nil
}

func (p *CreateOrder) Process(ctx context.Context, job *models.Job, rt Runtime) (map[string]interface{}, error) {
	req, err := p.decode(job.Payload)
	if err != nil {
		return nil, err
	}

	orderID := job.ExternalRef
	if orderID != "" {
		rt.Log(ctx, models.LogLevelInfo, "Resuming polling of existing order",
			map[string]interface{}{"order_id": orderID})
	} else {
		orderID, err = p.submit(ctx, job, req, rt)
		if err != nil {
			return nil, err
		}
	}

	return p.poll(ctx, job, req, orderID, rt)
}

func (p *CreateOrder) submit(ctx context.Context, job *models.Job, req *createOrderPayload, rt Runtime) (string, error) {
	resp, err := p.client.CreateOrder(ctx, req.CreateOrderRequest)
	if err != nil {
		return "", err
	}
	if resp == nil || resp.OrderID == "" {
		return "", ErrMissingOrderID
	}

	if err := rt.SetExternalRef(ctx, resp.OrderID); err != nil {
		p.logger.Warn("Failed to record order id on job",
			zap.String("job_id", job.JobID),
			zap.String("order_id", resp.OrderID),
			zap.Error(err))
	}
	rt.Log(ctx, models.LogLevelInfo, "Order submitted to fulfillment API", map[string]interface{}{
		"order_id":   resp.OrderID,
		"status":     resp.Status,
		"post_id":    req.PostID,
		"like_count": req.LikeCount,
		"save_count": req.SaveCount,
		"comments":   len(req.CommentData),
	})

	if req.PersistOrder && p.ledger != nil {
		order := &models.Order{
			OrderID:      resp.OrderID,
			JobID:        job.JobID,
			UserID:       job.UserID,
			TeamID:       job.TeamID,
			PostID:       req.PostID,
			LikeCount:    req.LikeCount,
			SaveCount:    req.SaveCount,
			CommentCount: len(req.CommentData),
			Status:       fulfillment.StatusPending,
			ActualStatus: fulfillment.StatusPending,
		}
		if err := p.ledger.Create(ctx, order); err != nil {
			rt.Log(ctx, models.LogLevelWarning, "Failed to record order locally",
				map[string]interface{}{"order_id": resp.OrderID, "error": err.Error()})
		}
	}
	return resp.OrderID, nil
}

func (p *CreateOrder) poll(ctx context.Context, job *models.Job, req *createOrderPayload, orderID string, rt Runtime) (map[string]interface{}, error) {
	started := time.Now()
	deadline := started.Add(p.polling.Budget)
	extended := false

	var lastRemote, lastActual string
	polls := 0

	for {
		if err := sleepCtx(ctx, p.polling.Interval); err != nil {
			return nil, err
		}
		if rt.Cancelled(ctx) {
			rt.Log(ctx, models.LogLevelWarning, "Cancellation observed, polling stopped",
				map[string]interface{}{"order_id": orderID, "polls": polls})
			return nil, ErrJobCancelled
		}

		status, err := p.client.GetOrderStatus(ctx, orderID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var apiErr *fulfillment.APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
				return nil, err
			}
			rt.Log(ctx, models.LogLevelWarning, "Order status poll failed",
				map[string]interface{}{"order_id": orderID, "error": err.Error()})
		} else {
			polls++
			verdict := completion.Classify(*status)

			if status.Status != lastRemote || verdict.ActualStatus != lastActual {
				rt.Log(ctx, models.LogLevelInfo, "Order status changed", map[string]interface{}{
					"order_id":      orderID,
					"remote_status": status.Status,
					"actual_status": verdict.ActualStatus,
					"details":       verdict.Details.Map(),
				})
				if req.PersistOrder {
					p.persist(ctx, job, orderID, verdict, rt)
				}
				lastRemote, lastActual = status.Status, verdict.ActualStatus
			}

			if verdict.IsComplete {
				if verdict.Details.Warning != "" {
					rt.Log(ctx, models.LogLevelWarning, verdict.Details.Warning,
						map[string]interface{}{"order_id": orderID})
				}
				return orderResult(orderID, status.Status, verdict, polls), nil
			}

			moved := verdict.Details.TotalCompleted + verdict.Details.TotalFailed
			if !extended && moved > 0 && time.Now().Before(deadline) && p.polling.Extension > 0 {
				extended = true
				deadline = deadline.Add(p.polling.Extension)
				rt.Log(ctx, models.LogLevelInfo, "Order is progressing, polling budget extended", map[string]interface{}{
					"order_id":  orderID,
					"extension": p.polling.Extension.String(),
					"progress":  moved,
				})
			}
		}

		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: order %s after %d polls in %s",
				ErrPollingTimeout, orderID, polls, time.Since(started).Round(time.Millisecond))
		}
	}
}

func (p *CreateOrder) persist(ctx context.Context, job *models.Job, orderID string, verdict completion.Verdict, rt Runtime) {
	if p.ledger == nil {
		return
	}
	if err := p.ledger.UpsertStatus(ctx, ledgerRow(job, orderID, verdict)); err != nil {
		rt.Log(ctx, models.LogLevelWarning, "Failed to update local order status",
			map[string]interface{}{"order_id": orderID, "error": err.Error()})
	}
}

func ledgerRow(job *models.Job, orderID string, verdict completion.Verdict) *models.Order {
	return &models.Order{
		OrderID:      orderID,
		JobID:        job.JobID,
		UserID:       job.UserID,
		TeamID:       job.TeamID,
		Status:       completion.LedgerStatus(verdict.ActualStatus),
		ActualStatus: verdict.ActualStatus,
		Progress:     verdict.Details.Map(),
		UpdatedAt:    time.Now().UTC(),
	}
}

func orderResult(orderID, remoteStatus string, verdict completion.Verdict, polls int) map[string]interface{} {
	result := map[string]interface{}{
		"order_id":               orderID,
		"status":                 remoteStatus,
		"actualCompletionStatus": verdict.ActualStatus,
		"details":                verdict.Details.Map(),
		"polls":                  polls,
	}
	if verdict.Details.Warning != "" {
		result["warning"] = verdict.Details.Warning
	}
	return result
}
