package monitoring

import (
	"fmt"
	"sort"
	"strings"
)

// metricRow is one name/value pair in an exported snapshot view.
type metricRow struct {
	name  string
	value float64
}

// snapshotRows flattens a snapshot into ordered name/value pairs. Both
// export formats render these same rows.
func snapshotRows(snap Snapshot) []metricRow {
	rows := []metricRow{
		{"cpu_percent", snap.CPUPercent},
		{"failing_jobs", float64(snap.FailingJobs)},
		{"memory_budget_mb", snap.Memory.BudgetMB},
		{"memory_heap_total_mb", snap.Memory.HeapTotalMB},
		{"memory_heap_used_mb", snap.Memory.HeapUsedMB},
		{"memory_rss_mb", snap.Memory.RSSMB},
		{"memory_used_fraction", snap.Memory.UsedFraction()},
		{"requests_avg_duration_ms", snap.Requests.AvgDurationMs},
		{"requests_count", float64(snap.Requests.Count)},
		{"requests_error_rate", snap.Requests.ErrorRate},
		{"requests_errors", float64(snap.Requests.Errors)},
		{"requests_throughput_per_min", snap.Requests.ThroughputPerMin},
	}

	depNames := make([]string, 0, len(snap.Dependencies))
	for name := range snap.Dependencies {
		depNames = append(depNames, name)
	}
	sort.Strings(depNames)
	for _, name := range depNames {
		dep := snap.Dependencies[name]
		up := 0.0
		if dep.Healthy {
			up = 1
		}
		rows = append(rows,
			metricRow{fmt.Sprintf("dependency_%s_up", name), up},
			metricRow{fmt.Sprintf("dependency_%s_latency_ms", name), dep.LatencyMs},
		)
	}

	return rows
}

// RenderLineFormat renders a snapshot as line-oriented name, value,
// unix-millisecond timestamp triples for external scraping.
func RenderLineFormat(snap Snapshot) string {
	ts := snap.Timestamp.UnixMilli()
	var b strings.Builder
	for _, row := range snapshotRows(snap) {
		fmt.Fprintf(&b, "%s %s %d\n", row.name, formatValue(row.value), ts)
	}
	return b.String()
}

// RenderTSV renders a snapshot as a tab-delimited table with a header.
func RenderTSV(snap Snapshot) string {
	var b strings.Builder
	b.WriteString("metric\tvalue\ttimestamp\n")
	ts := snap.Timestamp.Format("2006-01-02T15:04:05.000Z07:00")
	for _, row := range snapshotRows(snap) {
		fmt.Fprintf(&b, "%s\t%s\t%s\n", row.name, formatValue(row.value), ts)
	}
	return b.String()
}

// formatValue trims trailing zeros so integers render without decimals.
func formatValue(v float64) string {
	s := fmt.Sprintf("%.4f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
