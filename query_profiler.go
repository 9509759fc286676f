package shopquery

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// DefaultProfileCapacity is the number of profiles a QueryProfiler keeps.
const DefaultProfileCapacity = 10000

// QueryProfile tracks execution details for a single query
type QueryProfile struct {
	Operation   string // "similar_users", "products_by_category"
	Backend     string
	Strategy    Strategy
	StartTime   time.Time
	Duration    time.Duration
	ResultCount int
	FullScan    bool // walked every user of the backend
	Fallback    bool // scanned because the backend has no reverse index
	Snapshot    bool
	Err         error
}

// QueryProfiler collects and reports query performance.
// Only the most recent profiles are kept.
type QueryProfiler struct {
	mu                 sync.RWMutex
	profiles           []QueryProfile
	capacity           int
	slowQueryThreshold time.Duration
	enabled            bool
}

// NewQueryProfiler creates a profiler keeping up to capacity profiles.
// capacity <= 0 uses DefaultProfileCapacity.
func NewQueryProfiler(capacity int) *QueryProfiler {
	if capacity <= 0 {
		capacity = DefaultProfileCapacity
	}
	return &QueryProfiler{
		profiles:           make([]QueryProfile, 0),
		capacity:           capacity,
		slowQueryThreshold: 100 * time.Millisecond,
		enabled:            true,
	}
}

// SetSlowQueryThreshold sets the duration threshold for slow queries
func (p *QueryProfiler) SetSlowQueryThreshold(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slowQueryThreshold = d
}

// SetEnabled enables or disables profiling
func (p *QueryProfiler) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}

// Record records a completed query profile
func (p *QueryProfiler) Record(profile QueryProfile) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return
	}
	if len(p.profiles) == p.capacity {
		copy(p.profiles, p.profiles[1:])
		p.profiles = p.profiles[:len(p.profiles)-1]
	}
	p.profiles = append(p.profiles, profile)
}

// GetProfiles returns all recorded profiles, oldest first
func (p *QueryProfiler) GetProfiles() []QueryProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]QueryProfile, len(p.profiles))
	copy(result, p.profiles)
	return result
}

// GetSlowQueries returns queries that exceeded the slow query threshold
func (p *QueryProfiler) GetSlowQueries() []QueryProfile {
	return p.filter(func(q QueryProfile) bool { return q.Duration > p.slowQueryThreshold })
}

// GetFullScans returns queries that walked every user
func (p *QueryProfiler) GetFullScans() []QueryProfile {
	return p.filter(func(q QueryProfile) bool { return q.FullScan })
}

// GetFallbacks returns queries that scanned for lack of a reverse index
func (p *QueryProfiler) GetFallbacks() []QueryProfile {
	return p.filter(func(q QueryProfile) bool { return q.Fallback })
}

func (p *QueryProfiler) filter(keep func(QueryProfile) bool) []QueryProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]QueryProfile, 0)
	for _, profile := range p.profiles {
		if keep(profile) {
			out = append(out, profile)
		}
	}
	return out
}

// Clear clears all recorded profiles
func (p *QueryProfiler) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiles = make([]QueryProfile, 0)
}

// ProfileSummary is a statistical summary of recorded profiles.
type ProfileSummary struct {
	TotalQueries    int
	Errors          int
	SlowQueries     int
	FullScans       int
	Fallbacks       int
	AverageDuration time.Duration
	P50Duration     time.Duration
	P95Duration     time.Duration
	P99Duration     time.Duration
	ByOperation     map[string]OperationStats
}

type OperationStats struct {
	Count           int
	Errors          int
	TotalDuration   time.Duration
	AverageDuration time.Duration
	MaxDuration     time.Duration
	MinDuration     time.Duration
	FullScans       int
}

// GetSummary returns a statistical summary of all profiles
func (p *QueryProfiler) GetSummary() ProfileSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	summary := ProfileSummary{
		TotalQueries: len(p.profiles),
		ByOperation:  make(map[string]OperationStats),
	}
	if len(p.profiles) == 0 {
		return summary
	}

	var totalDuration time.Duration
	durations := make([]time.Duration, 0, len(p.profiles))

	for _, profile := range p.profiles {
		totalDuration += profile.Duration
		durations = append(durations, profile.Duration)

		if profile.Err != nil {
			summary.Errors++
		}
		if profile.Duration > p.slowQueryThreshold {
			summary.SlowQueries++
		}
		if profile.FullScan {
			summary.FullScans++
		}
		if profile.Fallback {
			summary.Fallbacks++
		}

		stats := summary.ByOperation[profile.Operation]
		stats.Count++
		stats.TotalDuration += profile.Duration
		if stats.Count == 1 || profile.Duration > stats.MaxDuration {
			stats.MaxDuration = profile.Duration
		}
		if stats.Count == 1 || profile.Duration < stats.MinDuration {
			stats.MinDuration = profile.Duration
		}
		if profile.Err != nil {
			stats.Errors++
		}
		if profile.FullScan {
			stats.FullScans++
		}
		summary.ByOperation[profile.Operation] = stats
	}

	summary.AverageDuration = totalDuration / time.Duration(len(p.profiles))
	for op, stats := range summary.ByOperation {
		stats.AverageDuration = stats.TotalDuration / time.Duration(stats.Count)
		summary.ByOperation[op] = stats
	}

	sort.Slice(durations, func(i, j int) bool {
		return durations[i] < durations[j]
	})
	summary.P50Duration = durations[len(durations)*50/100]
	summary.P95Duration = durations[len(durations)*95/100]
	summary.P99Duration = durations[len(durations)*99/100]

	return summary
}

// PrintSummary writes a formatted summary to w
func (p *QueryProfiler) PrintSummary(w io.Writer) {
	summary := p.GetSummary()
	if summary.TotalQueries == 0 {
		fmt.Fprintln(w, "no queries profiled")
		return
	}
	pct := func(n int) float64 { return float64(n) * 100 / float64(summary.TotalQueries) }

	fmt.Fprintln(w, "=== Query Performance Summary ===")
	fmt.Fprintf(w, "Total Queries:     %d\n", summary.TotalQueries)
	fmt.Fprintf(w, "Errors:            %d (%.1f%%)\n", summary.Errors, pct(summary.Errors))
	fmt.Fprintf(w, "Slow Queries:      %d (%.1f%%)\n", summary.SlowQueries, pct(summary.SlowQueries))
	fmt.Fprintf(w, "Full Scans:        %d (%.1f%%)\n", summary.FullScans, pct(summary.FullScans))
	fmt.Fprintf(w, "Fallbacks:         %d (%.1f%%)\n", summary.Fallbacks, pct(summary.Fallbacks))

	fmt.Fprintln(w, "\n=== Duration Stats ===")
	fmt.Fprintf(w, "Average:           %v\n", summary.AverageDuration)
	fmt.Fprintf(w, "P50:               %v\n", summary.P50Duration)
	fmt.Fprintf(w, "P95:               %v\n", summary.P95Duration)
	fmt.Fprintf(w, "P99:               %v\n", summary.P99Duration)

	fmt.Fprintln(w, "\n=== By Operation (slowest first) ===")
	ops := make([]string, 0, len(summary.ByOperation))
	for op := range summary.ByOperation {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		return summary.ByOperation[ops[i]].AverageDuration > summary.ByOperation[ops[j]].AverageDuration
	})
	for _, op := range ops {
		s := summary.ByOperation[op]
		fmt.Fprintf(w, "%-24s count=%4d avg=%8v max=%8v errors=%3d scans=%3d\n",
			op, s.Count, s.AverageDuration, s.MaxDuration, s.Errors, s.FullScans)
	}
}
