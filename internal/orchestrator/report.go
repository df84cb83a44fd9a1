package orchestrator

import (
	"time"

	"github.com/GigaElk/worrybox-sub002/internal/platform"
)

// StartupReport is the frozen record of one boot sequence. The
// orchestrator fills it in during Run and never mutates it afterwards;
// accessors hand out copies.
type StartupReport struct {
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Duration   time.Duration `json:"duration"`

	// Initialized, Failed and Skipped partition the registered services.
	// Skipped holds lazy services that were not demanded during boot.
	Initialized []string `json:"initialized"`
	Failed      []string `json:"failed"`
	Skipped     []string `json:"skipped"`

	// Memory samples taken at the start and end of boot, plus the
	// highest heap observed between phases.
	MemoryStart  platform.MemorySnapshot `json:"memoryStart"`
	MemoryEnd    platform.MemorySnapshot `json:"memoryEnd"`
	MemoryPeakMB float64                 `json:"memoryPeakMb"`

	// HealthChecks holds the result of the post-boot validation pass,
	// keyed by service name. Absent when validation is disabled.
	HealthChecks map[string]bool `json:"healthChecks,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// Succeeded reports whether boot completed without a critical failure.
func (r *StartupReport) Succeeded() bool {
	return len(r.Errors) == 0
}

// clone returns a deep copy so callers cannot mutate the frozen report.
func (r *StartupReport) clone() *StartupReport {
	cp := *r
	cp.Initialized = append([]string(nil), r.Initialized...)
	cp.Failed = append([]string(nil), r.Failed...)
	cp.Skipped = append([]string(nil), r.Skipped...)
	cp.Warnings = append([]string(nil), r.Warnings...)
	cp.Errors = append([]string(nil), r.Errors...)
	if r.HealthChecks != nil {
		cp.HealthChecks = make(map[string]bool, len(r.HealthChecks))
		for k, v := range r.HealthChecks {
			cp.HealthChecks[k] = v
		}
	}
	return &cp
}
