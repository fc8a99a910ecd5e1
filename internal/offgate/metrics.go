package offgate

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Operations tracked by the latency tracker.
const (
	opAPINetwork  = "api_network"
	opAPIFallback = "api_fallback"
	opStaticHit   = "static_hit"
	opStaticFill  = "static_fill"
	opPrecache    = "precache"
	opReplay      = "outbox_replay"
)

// latencyTracker records per-operation latency quantiles with DDSketch.
type latencyTracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	relativeAccuracy float64
}

func newLatencyTracker(relativeAccuracy float64) *latencyTracker {
	return &latencyTracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		relativeAccuracy: relativeAccuracy,
	}
}

func (lt *latencyTracker) Record(operation string, duration time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, exists := lt.sketches[operation]
	if !exists {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(lt.relativeAccuracy)
		}
		lt.sketches[operation] = sketch
	}

	// Milliseconds with sub-ms resolution.
	sketch.Add(float64(duration.Microseconds()) / 1000.0)
}

// since is a convenience for deferring a single Record call.
func (lt *latencyTracker) since(operation string, start time.Time) {
	lt.Record(operation, time.Since(start))
}

type latencyStats struct {
	Operation string  `json:"operation"`
	Count     int64   `json:"count"`
	Min       float64 `json:"minMs"`
	P50       float64 `json:"p50Ms"`
	P95       float64 `json:"p95Ms"`
	P99       float64 `json:"p99Ms"`
	Max       float64 `json:"maxMs"`
}

func (lt *latencyTracker) Stats(operation string) (latencyStats, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.statsLocked(operation)
}

func (lt *latencyTracker) statsLocked(operation string) (latencyStats, error) {
	sketch, exists := lt.sketches[operation]
	if !exists {
		return latencyStats{}, fmt.Errorf("no data for operation: %s", operation)
	}

	count := sketch.GetCount()
	if count == 0 {
		return latencyStats{Operation: operation}, nil
	}

	min, _ := sketch.GetMinValue()
	p50, _ := sketch.GetValueAtQuantile(0.50)
	p95, _ := sketch.GetValueAtQuantile(0.95)
	p99, _ := sketch.GetValueAtQuantile(0.99)
	max, _ := sketch.GetMaxValue()

	return latencyStats{
		Operation: operation,
		Count:     int64(count),
		Min:       min,
		P50:       p50,
		P95:       p95,
		P99:       p99,
		Max:       max,
	}, nil
}

func (lt *latencyTracker) AllStats() []latencyStats {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	ops := make([]string, 0, len(lt.sketches))
	for op := range lt.sketches {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	stats := make([]latencyStats, 0, len(ops))
	for _, op := range ops {
		st, err := lt.statsLocked(op)
		if err == nil {
			stats = append(stats, st)
		}
	}
	return stats
}

func (s latencyStats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("  %s: no data", s.Operation)
	}
	return fmt.Sprintf("  %s (n=%d): min=%.2fms p50=%.2fms p95=%.2fms p99=%.2fms max=%.2fms",
		s.Operation, s.Count, s.Min, s.P50, s.P95, s.P99, s.Max)
}
