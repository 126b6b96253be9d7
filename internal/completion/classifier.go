// Package completion decides whether a remote fulfillment order is really done.
//
// The remote API flags an order "completed" even when some of its interactions
// silently failed, and occasionally before all of them were attempted. Classify
// reconciles that flag with the per-category counters.
package completion

import (
	"strings"

	"orderjobs/internal/fulfillment"
)

// Verdict statuses.
const (
	StatusProcessing          = "processing"
	StatusCompleted           = "completed"
	StatusCompletedWithErrors = "completed_with_errors"
	StatusFailed              = "failed"
	StatusCanceled            = "canceled"
)

const warnNoBreakdown = "remote reported completion without a progress breakdown"

// Verdict is the outcome of Classify.
type Verdict struct {
	IsComplete   bool
	ActualStatus string
	Details      Details
}

// Details is the breakdown a verdict was derived from.
type Details struct {
	RemoteStatus   string
	Categories     []fulfillment.NamedProgress
	TotalRequested int
	TotalCompleted int
	TotalFailed    int
	HasRemaining   bool
	Warning        string
}

// Classify inspects a remote status and returns the authoritative verdict.
// It is pure: the same input always yields the same verdict.
func Classify(status fulfillment.OrderStatus) Verdict {
	remote := normalize(status.Status)
	details := Details{RemoteStatus: remote}

	for _, c := range status.Progress.Categories() {
		details.Categories = append(details.Categories, c)
		if c.Total <= 0 {
			continue
		}
		details.TotalRequested += c.Total
		details.TotalCompleted += c.Completed
		details.TotalFailed += c.Failed
		if c.Remaining > 0 {
			details.HasRemaining = true
		}
	}

	switch remote {
	case fulfillment.StatusFailed:
		return Verdict{IsComplete: true, ActualStatus: StatusFailed, Details: details}
	case fulfillment.StatusCanceled:
		return Verdict{IsComplete: true, ActualStatus: StatusCanceled, Details: details}
	case fulfillment.StatusCompleted:
	default:
		return Verdict{IsComplete: false, ActualStatus: StatusProcessing, Details: details}
	}

	// Categories that were never requested carry no signal.
	if details.TotalRequested == 0 {
		details.Warning = warnNoBreakdown
		return Verdict{IsComplete: true, ActualStatus: StatusCompleted, Details: details}
	}

	switch {
	case details.HasRemaining:
		return Verdict{IsComplete: false, ActualStatus: StatusProcessing, Details: details}
	case details.TotalCompleted == 0 && details.TotalFailed > 0:
		return Verdict{IsComplete: true, ActualStatus: StatusFailed, Details: details}
	case details.TotalCompleted > 0 && details.TotalFailed > 0:
		return Verdict{IsComplete: true, ActualStatus: StatusCompletedWithErrors, Details: details}
	case allCompleted(details.Categories):
		return Verdict{IsComplete: true, ActualStatus: StatusCompleted, Details: details}
	default:
		return Verdict{IsComplete: true, ActualStatus: remote, Details: details}
	}
}

func allCompleted(categories []fulfillment.NamedProgress) bool {
	for _, c := range categories {
		if c.Total > 0 && c.Completed != c.Total {
			return false
		}
	}
	return true
}

func normalize(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	if s == "cancelled" {
		return fulfillment.StatusCanceled
	}
	return s
}

// LedgerStatus maps a verdict status onto the values the order ledger knows.
// completed_with_errors has no ledger equivalent and is stored as completed.
func LedgerStatus(actual string) string {
	if actual == StatusCompletedWithErrors {
		return StatusCompleted
	}
	return actual
}

// Map renders the details as a JSON-friendly document for job results and logs.
func (d Details) Map() map[string]interface{} {
	categories := make(map[string]interface{}, len(d.Categories))
	for _, c := range d.Categories {
		categories[c.Name] = map[string]interface{}{
			"total":     c.Total,
			"completed": c.Completed,
			"failed":    c.Failed,
			"remaining": c.Remaining,
			"percent":   c.Percent,
		}
	}
	out := map[string]interface{}{
		"remote_status":   d.RemoteStatus,
		"categories":      categories,
		"total_requested": d.TotalRequested,
		"total_completed": d.TotalCompleted,
		"total_failed":    d.TotalFailed,
		"has_remaining":   d.HasRemaining,
	}
	if d.Warning != "" {
		out["warning"] = d.Warning
	}
	return out
}
