package monitoring

import (
	"time"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Category groups alerts by the kind of condition that raised them.
type Category string

const (
	CategoryPerformance  Category = "performance"
	CategoryAvailability Category = "availability"
	CategorySecurity     Category = "security"
	CategoryResource     Category = "resource"
)

// Alert retention windows. An unresolved alert auto-resolves after
// resolveAfter; a resolved alert is purged purgeAfter its resolution.
const (
	resolveAfter = time.Hour
	purgeAfter   = 24 * time.Hour
)

// AlertAction records a side effect executed because of an alert.
type AlertAction struct {
	Type       string    `json:"type"`
	Detail     string    `json:"detail"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Alert is one raised monitoring condition. Alerts are immutable except
// for acknowledgement, resolution and appended actions.
type Alert struct {
	ID           string        `json:"id"`
	CreatedAt    time.Time     `json:"created_at"`
	Severity     Severity      `json:"severity"`
	Category     Category      `json:"category"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	Metric       string        `json:"metric"`
	Threshold    float64       `json:"threshold"`
	Observed     float64       `json:"observed"`
	Acknowledged bool          `json:"acknowledged"`
	ResolvedAt   *time.Time    `json:"resolved_at,omitempty"`
	Actions      []AlertAction `json:"actions,omitempty"`
}

// Duration is the alert's age while unresolved, or the time it spent
// unresolved once resolution is recorded. Always recomputed, never stored.
func (a Alert) Duration(now time.Time) time.Duration {
	if a.ResolvedAt != nil {
		return a.ResolvedAt.Sub(a.CreatedAt)
	}
	return now.Sub(a.CreatedAt)
}

// Resolved reports whether the alert has been resolved.
func (a Alert) Resolved() bool {
	return a.ResolvedAt != nil
}
