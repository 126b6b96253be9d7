package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"orderjobs/internal/fulfillment"
	"orderjobs/internal/models"
)

// scriptedClient replays a fixed sequence of status answers; the last one repeats.
type scriptedClient struct {
	mu        sync.Mutex
	orderID   string
	createErr error
	statuses  []fulfillment.OrderStatus
	pollErrs  map[int]error
	created   []fulfillment.CreateOrderRequest
	polled    int
}

func (c *scriptedClient) CreateOrder(_ context.Context, req fulfillment.CreateOrderRequest) (*fulfillment.OrderResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = append(c.created, req)
	if c.createErr != nil {
		return nil, c.createErr
	}
	return &fulfillment.OrderResponse{OrderID: c.orderID, Status: fulfillment.StatusPending}, nil
}

func (c *scriptedClient) GetOrderStatus(_ context.Context, orderID string) (*fulfillment.OrderStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.polled
	c.polled++
	if err, ok := c.pollErrs[i]; ok {
		return nil, err
	}
	if i >= len(c.statuses) {
		i = len(c.statuses) - 1
	}
	s := c.statuses[i]
	s.OrderID = orderID
	return &s, nil
}

type fakeRuntime struct {
	mu        sync.Mutex
	logs      []string
	ref       string
	cancelled bool
}

func (r *fakeRuntime) Log(_ context.Context, _ models.LogLevel, message string, _ map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, message)
}

func (r *fakeRuntime) Cancelled(context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *fakeRuntime) SetExternalRef(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ref = ref
	return nil
}

type fakeLedger struct {
	mu      sync.Mutex
	created []models.Order
	updates []models.Order
}

func (l *fakeLedger) Create(_ context.Context, order *models.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created = append(l.created, *order)
	return nil
}

func (l *fakeLedger) UpsertStatus(_ context.Context, order *models.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, *order)
	return nil
}

func progress(total, completed, failed, remaining int) *fulfillment.Progress {
	return &fulfillment.Progress{Like: &fulfillment.CategoryProgress{
		Total: total, Completed: completed, Failed: failed, Remaining: remaining,
	}}
}

var fastPolling = PollingConfig{
	Interval:  5 * time.Millisecond,
	Budget:    100 * time.Millisecond,
	Extension: 200 * time.Millisecond,
}

func orderJob(payload map[string]interface{}) *models.Job {
	return &models.Job{JobID: "job-1", UserID: "u1", Type: models.JobTypeCreateOrder, Payload: payload}
}

func TestCreateOrderCompletes(t *testing.T) {
	client := &scriptedClient{
		orderID: "ord-1",
		statuses: []fulfillment.OrderStatus{
			{Status: "processing"},
			{Status: "processing"},
			{Status: "completed", Progress: progress(10, 10, 0, 0)},
		},
	}
	ledger := &fakeLedger{}
	rt := &fakeRuntime{}
	p := NewCreateOrder(client, ledger, fastPolling, zaptest.NewLogger(t))

	result, err := p.Process(context.Background(), orderJob(map[string]interface{}{
		"post_id":       "post-1",
		"like_count":    float64(10),
		"persist_order": true,
	}), rt)
	require.NoError(t, err)

	assert.Equal(t, "ord-1", result["order_id"])
	assert.Equal(t, "completed", result["actualCompletionStatus"])
	assert.Equal(t, 3, result["polls"])
	assert.Equal(t, "ord-1", rt.ref)

	require.Len(t, client.created, 1)
	assert.Equal(t, 10, client.created[0].LikeCount)

	require.Len(t, ledger.created, 1)
	assert.Equal(t, "post-1", ledger.created[0].PostID)
	// processing once, then completed.
	require.Len(t, ledger.updates, 2)
	assert.Equal(t, "processing", ledger.updates[0].Status)
	assert.Equal(t, "completed", ledger.updates[1].Status)
}

func TestCreateOrderPartialFailureMapsLedgerStatus(t *testing.T) {
	client := &scriptedClient{
		orderID:  "ord-2",
		statuses: []fulfillment.OrderStatus{{Status: "completed", Progress: progress(10, 4, 6, 0)}},
	}
	ledger := &fakeLedger{}
	p := NewCreateOrder(client, ledger, fastPolling, zaptest.NewLogger(t))

	result, err := p.Process(context.Background(), orderJob(map[string]interface{}{
		"post_id": "post-1", "like_count": 10, "persist_order": true,
	}), &fakeRuntime{})
	require.NoError(t, err)

	assert.Equal(t, "completed_with_errors", result["actualCompletionStatus"])
	require.Len(t, ledger.updates, 1)
	assert.Equal(t, "completed", ledger.updates[0].Status)
	assert.Equal(t, "completed_with_errors", ledger.updates[0].ActualStatus)
}

func TestCreateOrderRemoteFailureIsAResult(t *testing.T) {
	client := &scriptedClient{
		orderID:  "ord-3",
		statuses: []fulfillment.OrderStatus{{Status: "failed"}},
	}
	p := NewCreateOrder(client, nil, fastPolling, zaptest.NewLogger(t))

	result, err := p.Process(context.Background(), orderJob(map[string]interface{}{
		"post_id": "post-1", "save_count": 3,
	}), &fakeRuntime{})
	require.NoError(t, err)
	assert.Equal(t, "failed", result["actualCompletionStatus"])
}

func TestCreateOrderPollingBudget(t *testing.T) {
	t.Run("times out without progress", func(t *testing.T) {
		client := &scriptedClient{
			orderID:  "ord-4",
			statuses: []fulfillment.OrderStatus{{Status: "processing", Progress: progress(10, 0, 0, 10)}},
		}
		p := NewCreateOrder(client, nil, fastPolling, zaptest.NewLogger(t))

		start := time.Now()
		_, err := p.Process(context.Background(), orderJob(map[string]interface{}{
			"post_id": "post-1", "like_count": 10,
		}), &fakeRuntime{})
		require.ErrorIs(t, err, ErrPollingTimeout)
		assert.Less(t, time.Since(start), fastPolling.Budget+fastPolling.Extension)
	})

	t.Run("extends once when progress is visible", func(t *testing.T) {
		client := &scriptedClient{
			orderID:  "ord-5",
			statuses: []fulfillment.OrderStatus{{Status: "processing", Progress: progress(10, 3, 0, 7)}},
		}
		rt := &fakeRuntime{}
		p := NewCreateOrder(client, nil, fastPolling, zaptest.NewLogger(t))

		start := time.Now()
		_, err := p.Process(context.Background(), orderJob(map[string]interface{}{
			"post_id": "post-1", "like_count": 10,
		}), rt)
		require.ErrorIs(t, err, ErrPollingTimeout)
		assert.GreaterOrEqual(t, time.Since(start), fastPolling.Budget+fastPolling.Extension)

		extensions := 0
		for _, msg := range rt.logs {
			if msg == "Order is progressing, polling budget extended" {
				extensions++
			}
		}
		assert.Equal(t, 1, extensions)
	})
}

func TestCreateOrderResumesExistingOrder(t *testing.T) {
	client := &scriptedClient{
		statuses: []fulfillment.OrderStatus{{Status: "completed", Progress: progress(10, 10, 0, 0)}},
	}
	p := NewCreateOrder(client, nil, fastPolling, zaptest.NewLogger(t))

	job := orderJob(map[string]interface{}{"post_id": "post-1", "like_count": 10})
	job.ExternalRef = "ord-existing"

	result, err := p.Process(context.Background(), job, &fakeRuntime{})
	require.NoError(t, err)
	assert.Empty(t, client.created)
	assert.Equal(t, "ord-existing", result["order_id"])
}

func TestCreateOrderFailures(t *testing.T) {
	payload := map[string]interface{}{"post_id": "post-1", "like_count": 10}

	t.Run("missing order id", func(t *testing.T) {
		p := NewCreateOrder(&scriptedClient{}, nil, fastPolling, zaptest.NewLogger(t))
		_, err := p.Process(context.Background(), orderJob(payload), &fakeRuntime{})
		assert.ErrorIs(t, err, ErrMissingOrderID)
	})

	t.Run("submission error propagates", func(t *testing.T) {
		boom := errors.New("boom")
		p := NewCreateOrder(&scriptedClient{createErr: boom}, nil, fastPolling, zaptest.NewLogger(t))
		_, err := p.Process(context.Background(), orderJob(payload), &fakeRuntime{})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("cancellation stops polling", func(t *testing.T) {
		client := &scriptedClient{orderID: "ord-6", statuses: []fulfillment.OrderStatus{{Status: "processing"}}}
		p := NewCreateOrder(client, nil, fastPolling, zaptest.NewLogger(t))
		_, err := p.Process(context.Background(), orderJob(payload), &fakeRuntime{cancelled: true})
		assert.ErrorIs(t, err, ErrJobCancelled)
		assert.Zero(t, client.polled)
	})

	t.Run("context deadline abandons polling", func(t *testing.T) {
		client := &scriptedClient{orderID: "ord-7", statuses: []fulfillment.OrderStatus{{Status: "processing"}}}
		p := NewCreateOrder(client, nil, fastPolling, zaptest.NewLogger(t))
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := p.Process(ctx, orderJob(payload), &fakeRuntime{})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("transient poll errors are retried within the budget", func(t *testing.T) {
		client := &scriptedClient{
			orderID:  "ord-8",
			statuses: []fulfillment.OrderStatus{{Status: "completed", Progress: progress(10, 10, 0, 0)}},
			pollErrs: map[int]error{0: &fulfillment.APIError{Op: "get order status", StatusCode: 502}},
		}
		p := NewCreateOrder(client, nil, fastPolling, zaptest.NewLogger(t))
		result, err := p.Process(context.Background(), orderJob(payload), &fakeRuntime{})
		require.NoError(t, err)
		assert.Equal(t, 1, result["polls"])
	})

	t.Run("client errors end the attempt", func(t *testing.T) {
		client := &scriptedClient{
			orderID:  "ord-9",
			statuses: []fulfillment.OrderStatus{{Status: "processing"}},
			pollErrs: map[int]error{0: &fulfillment.APIError{Op: "get order status", StatusCode: 404}},
		}
		p := NewCreateOrder(client, nil, fastPolling, zaptest.NewLogger(t))
		_, err := p.Process(context.Background(), orderJob(payload), &fakeRuntime{})
		var apiErr *fulfillment.APIError
		assert.ErrorAs(t, err, &apiErr)
	})
}

func TestCreateOrderTimeout(t *testing.T) {
	p := NewCreateOrder(&scriptedClient{}, nil, DefaultPolling, nil)
	assert.Equal(t, 5*time.Minute+20*time.Second, p.Timeout())
}

func TestValidate(t *testing.T) {
	registry := NewRegistry(
		NewCreateOrder(&scriptedClient{}, nil, fastPolling, nil),
		NewCheckOrderStatus(&scriptedClient{}, nil),
	)

	tests := []struct {
		name    string
		jobType string
		payload map[string]interface{}
		wantErr error
	}{
		{name: "valid order", jobType: models.JobTypeCreateOrder, payload: map[string]interface{}{"post_id": "p", "like_count": 5}},
		{name: "comments only", jobType: models.JobTypeCreateOrder, payload: map[string]interface{}{"post_id": "p", "comment_data": []interface{}{"hi"}}},
		{name: "missing post", jobType: models.JobTypeCreateOrder, payload: map[string]interface{}{"like_count": 5}, wantErr: ErrInvalidPayload},
		{name: "nothing requested", jobType: models.JobTypeCreateOrder, payload: map[string]interface{}{"post_id": "p"}, wantErr: ErrInvalidPayload},
		{name: "negative count", jobType: models.JobTypeCreateOrder, payload: map[string]interface{}{"post_id": "p", "like_count": -1}, wantErr: ErrInvalidPayload},
		{name: "bad count type", jobType: models.JobTypeCreateOrder, payload: map[string]interface{}{"post_id": "p", "like_count": map[string]interface{}{"n": 1}}, wantErr: ErrInvalidPayload},
		{name: "valid check", jobType: models.JobTypeCheckOrderStatus, payload: map[string]interface{}{"order_id": "o"}},
		{name: "check without order", jobType: models.JobTypeCheckOrderStatus, payload: map[string]interface{}{}, wantErr: ErrInvalidPayload},
		{name: "unknown type", jobType: "send_email", payload: nil, wantErr: ErrUnknownJobType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := registry.Validate(tt.jobType, tt.payload)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRegistryTimeouts(t *testing.T) {
	registry := NewRegistry(
		NewCreateOrder(&scriptedClient{}, nil, fastPolling, nil),
		NewCheckOrderStatus(&scriptedClient{}, nil),
	)

	assert.Equal(t, []string{models.JobTypeCheckOrderStatus, models.JobTypeCreateOrder}, registry.Types())
	assert.Equal(t, time.Minute, registry.TimeoutFor(models.JobTypeCheckOrderStatus, time.Minute))
	assert.Equal(t, 310*time.Millisecond, registry.TimeoutFor(models.JobTypeCreateOrder, time.Minute))
	assert.Equal(t, time.Minute, registry.MaxTimeout(time.Minute))
	assert.Equal(t, 310*time.Millisecond, registry.MaxTimeout(time.Millisecond))
}

func TestCheckOrderStatus(t *testing.T) {
	client := &scriptedClient{
		statuses: []fulfillment.OrderStatus{{Status: "completed", Progress: progress(10, 0, 0, 10)}},
	}
	ledger := &fakeLedger{}
	p := NewCheckOrderStatus(client, ledger)

	job := &models.Job{JobID: "job-2", UserID: "u1", Type: models.JobTypeCheckOrderStatus, Payload: map[string]interface{}{
		"order_id": "ord-1", "persist_order": true,
	}}
	result, err := p.Process(context.Background(), job, &fakeRuntime{})
	require.NoError(t, err)

	assert.Equal(t, "processing", result["actualCompletionStatus"])
	assert.Equal(t, false, result["isComplete"])
	assert.Equal(t, 1, client.polled)
	require.Len(t, ledger.updates, 1)
	assert.Equal(t, "ord-1", ledger.updates[0].OrderID)
	assert.Equal(t, "job-2", ledger.updates[0].JobID)
}
