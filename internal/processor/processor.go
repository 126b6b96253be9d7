// Package processor holds the per-job-type execution strategies run by the worker.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"orderjobs/internal/models"
)

var (
	ErrUnknownJobType = errors.New("unknown job type")
	ErrInvalidPayload = errors.New("invalid job payload")
	ErrMissingOrderID = errors.New("remote API returned no order id")
	ErrPollingTimeout = errors.New("order did not complete within the polling budget")
	ErrJobCancelled   = errors.New("job was cancelled")
)

var validate = validator.New()

// Runtime is what a processor may do to its own job while running it.
type Runtime interface {
	Log(ctx context.Context, level models.LogLevel, message string, details map[string]interface{})
	// Cancelled reports whether the job has been cancelled by its owner.
	Cancelled(ctx context.Context) bool
	SetExternalRef(ctx context.Context, ref string) error
}

// Processor executes one job type.
type Processor interface {
	Type() string
	Validate(payload map[string]interface{}) error
	// Timeout is the outer wall-clock budget for one attempt. Zero means the worker default.
	Timeout() time.Duration
	Process(ctx context.Context, job *models.Job, rt Runtime) (map[string]interface{}, error)
}

// OrderLedger persists order status for reporting. OrderRepository implements it.
type OrderLedger interface {
	Create(ctx context.Context, order *models.Order) error
	UpsertStatus(ctx context.Context, order *models.Order) error
}

// Registry maps job types to processors.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

func NewRegistry(processors ...Processor) *Registry {
	r := &Registry{processors: make(map[string]Processor)}
	for _, p := range processors {
		r.Register(p)
	}
	return r
}

// Register adds or replaces the processor for p.Type().
func (r *Registry) Register(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[p.Type()] = p
}

func (r *Registry) Get(jobType string) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
	return p, nil
}

// Validate checks a submission before it is queued.
func (r *Registry) Validate(jobType string, payload map[string]interface{}) error {
	p, err := r.Get(jobType)
	if err != nil {
		return err
	}
	return p.Validate(payload)
}

// Types lists the registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.processors))
	for t := range r.processors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// TimeoutFor is the effective outer timeout for a job type.
func (r *Registry) TimeoutFor(jobType string, fallback time.Duration) time.Duration {
	p, err := r.Get(jobType)
	if err != nil || p.Timeout() <= 0 {
		return fallback
	}
	return p.Timeout()
}

// MaxTimeout is the longest outer timeout any registered processor may run for.
func (r *Registry) MaxTimeout(fallback time.Duration) time.Duration {
	longest := fallback
	for _, t := range r.Types() {
		if d := r.TimeoutFor(t, fallback); d > longest {
			longest = d
		}
	}
	return longest
}

// decodePayload fills out from a JSON document and validates it.
func decodePayload(payload map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		Squash:           true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
