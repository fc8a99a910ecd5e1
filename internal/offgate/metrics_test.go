package offgate

import (
	"testing"
	"time"
)

func TestLatencyTracker(t *testing.T) {
	tracker := newLatencyTracker(0.01)

	operations := []string{opAPINetwork, opStaticHit, opReplay}
	for _, op := range operations {
		tracker.Record(op, 1*time.Millisecond)
		tracker.Record(op, 5*time.Millisecond)
		tracker.Record(op, 10*time.Millisecond)
		tracker.Record(op, 50*time.Millisecond)
		tracker.Record(op, 100*time.Millisecond)
	}

	for _, op := range operations {
		stats, err := tracker.Stats(op)
		if err != nil {
			t.Errorf("stats for %s: %v", op, err)
			continue
		}
		if stats.Count != 5 {
			t.Errorf("expected count 5 for %s, got %d", op, stats.Count)
		}
		if stats.Min < 0.9 || stats.Min > 1.1 {
			t.Errorf("expected min ~1ms for %s, got %.2fms", op, stats.Min)
		}
		if stats.Max < 99 || stats.Max > 101 {
			t.Errorf("expected max ~100ms for %s, got %.2fms", op, stats.Max)
		}
		if stats.P50 < 5 || stats.P50 > 15 {
			t.Errorf("expected p50 ~10ms for %s, got %.2fms", op, stats.P50)
		}
	}

	all := tracker.AllStats()
	if len(all) != len(operations) {
		t.Errorf("expected %d operations in AllStats, got %d", len(operations), len(all))
	}

	if _, err := tracker.Stats("never-recorded"); err == nil {
		t.Error("expected error for unknown operation")
	}
}
