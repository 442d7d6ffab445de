package tracing

import (
	"sort"
	"time"
)

// timelineBinSize is the bucket width of the statistics timeline.
const timelineBinSize = 5 * time.Minute

// TimelineBucket is one fixed-width slice of the statistics window. Buckets
// with no traffic are present with zero counts.
type TimelineBucket struct {
	Start      time.Time `json:"start"`
	Count      int64     `json:"count"`
	ErrorCount int64     `json:"error_count"`
}

// Statistics summarizes the completed traces inside a time window.
type Statistics struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	TotalCount int64 `json:"total_count"`
	ErrorCount int64 `json:"error_count"`

	AvgDuration time.Duration `json:"avg_duration"`
	P95Duration time.Duration `json:"p95_duration"`
	P99Duration time.Duration `json:"p99_duration"`

	ByOperation map[string]int64 `json:"by_operation"`
	ByProvider  map[string]int64 `json:"by_provider"`
	ByError     map[string]int64 `json:"by_error"`

	Timeline []TimelineBucket `json:"timeline"`
}

// Statistics computes counts, latency percentiles, breakdowns and a
// five-minute-binned timeline over completed traces whose start time falls
// in [start, end].
func (s *Service) Statistics(start, end time.Time) Statistics {
	stats := Statistics{
		WindowStart: start,
		WindowEnd:   end,
		ByOperation: make(map[string]int64),
		ByProvider:  make(map[string]int64),
		ByError:     make(map[string]int64),
		Timeline:    emptyTimeline(start, end),
	}

	s.mu.RLock()
	var durations []time.Duration
	var total time.Duration
	for _, tr := range s.completed {
		if tr.StartTime.Before(start) || tr.StartTime.After(end) {
			continue
		}
		stats.TotalCount++
		stats.ByOperation[tr.OperationType]++
		if p := tr.Provider(); p != "" {
			stats.ByProvider[p]++
		}
		if tr.Status == StatusError {
			stats.ErrorCount++
			if tr.Error != "" {
				stats.ByError[tr.Error]++
			}
		}
		durations = append(durations, tr.Duration)
		total += tr.Duration

		if i := bucketIndex(start, tr.StartTime); i >= 0 && i < len(stats.Timeline) {
			stats.Timeline[i].Count++
			if tr.Status == StatusError {
				stats.Timeline[i].ErrorCount++
			}
		}
	}
	s.mu.RUnlock()

	if len(durations) > 0 {
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		stats.AvgDuration = total / time.Duration(len(durations))
		stats.P95Duration = percentile(durations, 0.95)
		stats.P99Duration = percentile(durations, 0.99)
	}
	return stats
}

func emptyTimeline(start, end time.Time) []TimelineBucket {
	if !end.After(start) {
		return nil
	}
	binStart := start.Truncate(timelineBinSize)
	var out []TimelineBucket
	for t := binStart; t.Before(end); t = t.Add(timelineBinSize) {
		out = append(out, TimelineBucket{Start: t})
	}
	return out
}

func bucketIndex(windowStart, ts time.Time) int {
	binStart := windowStart.Truncate(timelineBinSize)
	return int(ts.Sub(binStart) / timelineBinSize)
}

// percentile uses nearest-rank on a sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(float64(len(sorted))*p+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
