// Package platform exposes process and host resource usage to the
// resilience core. It is the single place that knows how memory is
// measured and what the configured budget is.
package platform

import (
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/GigaElk/worrybox-sub002/pkg/logger"
)

// MemorySnapshot is a point-in-time view of process memory usage.
type MemorySnapshot struct {
	HeapUsedMB   float64   `json:"heap_used_mb"`
	HeapTotalMB  float64   `json:"heap_total_mb"`
	RSSMB        float64   `json:"rss_mb"`
	SystemUsedMB float64   `json:"system_used_mb"`
	BudgetMB     float64   `json:"budget_mb"`
	SampledAt    time.Time `json:"sampled_at"`
}

// UsedFraction reports heap usage as a fraction of the configured budget.
func (s MemorySnapshot) UsedFraction() float64 {
	if s.BudgetMB <= 0 {
		return 0
	}
	return s.HeapUsedMB / s.BudgetMB
}

// Platform samples resource usage and owns the collection hook.
type Platform struct {
	budgetMB float64
	proc     *process.Process
	log      *logger.Logger
}

// New creates a platform probe with the given memory budget in MB.
// A zero budget falls back to total system memory.
func New(budgetMB int, log *logger.Logger) *Platform {
	if log == nil {
		log = logger.NewDefault("platform")
	}
	budget := float64(budgetMB)
	if budget <= 0 {
		if vm, err := mem.VirtualMemory(); err == nil {
			budget = float64(vm.Total) / (1 << 20)
		}
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Platform{budgetMB: budget, proc: proc, log: log.WithCategory("platform")}
}

// Memory returns the current memory snapshot. Heap figures come from the
// Go runtime; RSS and system usage come from the OS when available.
func (p *Platform) Memory() MemorySnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := MemorySnapshot{
		HeapUsedMB:  float64(ms.HeapAlloc) / (1 << 20),
		HeapTotalMB: float64(ms.HeapSys) / (1 << 20),
		BudgetMB:    p.budgetMB,
		SampledAt:   time.Now().UTC(),
	}

	if p.proc != nil {
		if info, err := p.proc.MemoryInfo(); err == nil && info != nil {
			snap.RSSMB = float64(info.RSS) / (1 << 20)
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.SystemUsedMB = float64(vm.Used) / (1 << 20)
	}

	return snap
}

// BudgetMB returns the configured memory budget.
func (p *Platform) BudgetMB() float64 {
	return p.budgetMB
}

// Collect runs an explicit garbage collection and releases free memory to
// the OS. Returns heap usage before and after.
func (p *Platform) Collect() (before, after MemorySnapshot) {
	before = p.Memory()
	runtime.GC()
	debug.FreeOSMemory()
	after = p.Memory()

	p.log.WithField("before_mb", before.HeapUsedMB).
		WithField("after_mb", after.HeapUsedMB).
		Info("forced collection completed")
	return before, after
}
