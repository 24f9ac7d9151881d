package provider

import (
	"sort"
	"sync"
	"time"
)

// Op identifies which provider call a latency sample belongs to.
type Op string

const (
	OpEmbed    Op = "embed"
	OpGenerate Op = "generate"
)

type sample struct {
	timestamp time.Time
	duration  time.Duration
	ok        bool
}

// OpSnapshot is a point-in-time aggregate for one operation.
type OpSnapshot struct {
	Count    int     `json:"count"`
	Failures int     `json:"failures"`
	MinMs    int64   `json:"min_ms"`
	MaxMs    int64   `json:"max_ms"`
	AvgMs    float64 `json:"avg_ms"`
	P50Ms    float64 `json:"p50_ms"`
	P95Ms    float64 `json:"p95_ms"`
}

// CallStats tracks recent provider call latencies within a rolling window,
// broken down by operation.
type CallStats struct {
	mu      sync.Mutex
	samples map[Op][]sample
	maxAge  time.Duration
}

func NewCallStats(maxAge time.Duration) *CallStats {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &CallStats{
		samples: make(map[Op][]sample),
		maxAge:  maxAge,
	}
}

func (s *CallStats) Record(op Op, d time.Duration, ok bool) {
	if d < 0 {
		d = 0
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(op, now)
	s.samples[op] = append(s.samples[op], sample{timestamp: now, duration: d, ok: ok})
}

// Snapshot aggregates the current window per operation.
func (s *CallStats) Snapshot() map[Op]OpSnapshot {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[Op]OpSnapshot, len(s.samples))
	for op := range s.samples {
		s.pruneLocked(op, now)
		sms := s.samples[op]
		if len(sms) == 0 {
			continue
		}

		values := make([]int64, 0, len(sms))
		var sum int64
		failures := 0
		for _, sm := range sms {
			ms := sm.duration.Milliseconds()
			values = append(values, ms)
			sum += ms
			if !sm.ok {
				failures++
			}
		}
		sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

		out[op] = OpSnapshot{
			Count:    len(values),
			Failures: failures,
			MinMs:    values[0],
			MaxMs:    values[len(values)-1],
			AvgMs:    float64(sum) / float64(len(values)),
			P50Ms:    percentile(values, 50),
			P95Ms:    percentile(values, 95),
		}
	}
	return out
}

func (s *CallStats) pruneLocked(op Op, now time.Time) {
	cutoff := now.Add(-s.maxAge)
	sms := s.samples[op]
	writeIdx := 0
	for _, sm := range sms {
		if !sm.timestamp.Before(cutoff) {
			sms[writeIdx] = sm
			writeIdx++
		}
	}
	s.samples[op] = sms[:writeIdx]
}

func percentile(sortedValues []int64, pct float64) float64 {
	if len(sortedValues) == 0 {
		return 0
	}
	if pct <= 0 {
		return float64(sortedValues[0])
	}
	if pct >= 100 {
		return float64(sortedValues[len(sortedValues)-1])
	}

	index := (float64(len(sortedValues)-1) * pct) / 100.0
	lower := int(index)
	upper := lower + 1
	if upper >= len(sortedValues) {
		return float64(sortedValues[lower])
	}
	weight := index - float64(lower)
	lo := float64(sortedValues[lower])
	hi := float64(sortedValues[upper])
	return lo + ((hi - lo) * weight)
}
