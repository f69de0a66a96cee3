package maintenance

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func newTestOp(name, tabletID string, stats Stats, perform func(context.Context) error) *FuncOp {
	if perform == nil {
		perform = func(context.Context) error { return nil }
	}
	return NewFuncOp(name, tabletID, func() Stats { return stats }, nil, perform)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSchedulerSelectsHighestScoreByDefault(t *testing.T) {
	s := NewScheduler(Config{Workers: 2, WorkloadWeight: 1.0, ScoreFloor: 0.0})
	ran := make(chan string, 2)
	s.Register(newTestOp("low", "t1", Stats{Runnable: true, PerfImprovement: 0.1}, func(context.Context) error {
		ran <- "low"
		return nil
	}), 0)
	s.Register(newTestOp("high", "t1", Stats{Runnable: true, PerfImprovement: 0.9}, func(context.Context) error {
		ran <- "high"
		return nil
	}), 0)

	name := s.Tick(context.Background())
	if name != "high" {
		t.Fatalf("expected high-score op selected, got %q", name)
	}
	select {
	case got := <-ran:
		if got != "high" {
			t.Fatalf("expected high to run, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("op never ran")
	}
}

func TestSchedulerMemoryPressureOverridesScore(t *testing.T) {
	s := NewScheduler(Config{Workers: 2, MemorySoftLimitBytes: 100, WorkloadWeight: 1.0})
	s.Register(newTestOp("high-score-low-ram", "t1", Stats{Runnable: true, PerfImprovement: 0.9, RAMAnchored: 10}, nil), 0)
	s.Register(newTestOp("low-score-high-ram", "t1", Stats{Runnable: true, PerfImprovement: 0.1, RAMAnchored: 200}, nil), 0)

	name := s.Tick(context.Background())
	if name != "low-score-high-ram" {
		t.Fatalf("expected memory-pressure override to pick the high-RAM op, got %q", name)
	}
}

func TestSchedulerLogRetentionOverridesScore(t *testing.T) {
	s := NewScheduler(Config{Workers: 2, LogRetentionThresholdBytes: 100, WorkloadWeight: 1.0})
	s.Register(newTestOp("high-score", "t1", Stats{Runnable: true, PerfImprovement: 0.9, LogsRetainedBytes: 5}, nil), 0)
	s.Register(newTestOp("retains-logs", "t1", Stats{Runnable: true, PerfImprovement: 0.1, LogsRetainedBytes: 500}, nil), 0)

	name := s.Tick(context.Background())
	if name != "retains-logs" {
		t.Fatalf("expected log-retention override, got %q", name)
	}
}

func TestSchedulerScoreFloorDiscardsLowScoringOps(t *testing.T) {
	s := NewScheduler(Config{Workers: 2, ScoreFloor: 0.5})
	s.Register(newTestOp("below-floor", "t1", Stats{Runnable: true, PerfImprovement: 0.1}, nil), 0)

	name := s.Tick(context.Background())
	if name != "" {
		t.Fatalf("expected no op selected below the score floor, got %q", name)
	}
}

func TestSchedulerTieBreaksByPriorityThenFIFO(t *testing.T) {
	s := NewScheduler(Config{Workers: 2})
	s.Register(newTestOp("first", "t1", Stats{Runnable: true, PerfImprovement: 0.5}, nil), 0)
	s.Register(newTestOp("second-higher-priority", "t1", Stats{Runnable: true, PerfImprovement: 0.5}, nil), 5)

	name := s.Tick(context.Background())
	if name != "second-higher-priority" {
		t.Fatalf("expected higher-priority tie-break winner, got %q", name)
	}
}

func TestSchedulerSkipsInFlightOps(t *testing.T) {
	s := NewScheduler(Config{Workers: 1})
	block := make(chan struct{})
	s.Register(newTestOp("blocking", "t1", Stats{Runnable: true, PerfImprovement: 1.0}, func(ctx context.Context) error {
		<-block
		return nil
	}), 0)
	s.Register(newTestOp("second", "t1", Stats{Runnable: true, PerfImprovement: 0.9}, nil), 0)

	first := s.Tick(context.Background())
	if first != "blocking" {
		t.Fatalf("expected blocking op selected first, got %q", first)
	}
	waitUntil(t, time.Second, func() bool { return s.RunningCount() == 1 })

	second := s.Tick(context.Background())
	if second != "" {
		t.Fatalf("expected no selection while the single worker slot is occupied, got %q", second)
	}
	close(block)
	waitUntil(t, time.Second, func() bool { return s.RunningCount() == 0 })
}

func TestWALGCGateAllowsOnlyOneAtATime(t *testing.T) {
	s := NewScheduler(Config{})
	gate := s.WALGCGate("t1")
	if !gate.TryAcquire() {
		t.Fatal("expected first acquire to succeed")
	}
	if gate.TryAcquire() {
		t.Fatal("expected second acquire to fail while held")
	}
	gate.Release()
	if !gate.TryAcquire() {
		t.Fatal("expected acquire to succeed after release")
	}
}

func TestFlushPerfImprovementSizePressure(t *testing.T) {
	th := DefaultFlushThresholds()
	score := FlushPerfImprovement(int64(64*bytesPerMiB), 0, th)
	if score < 1.0 {
		t.Fatalf("expected size-pressure score >= 1.0, got %f", score)
	}
}

func TestFlushPerfImprovementBelowThresholds(t *testing.T) {
	th := DefaultFlushThresholds()
	score := FlushPerfImprovement(int64(bytesPerMiB), time.Second, th)
	if score != 0 {
		t.Fatalf("expected zero score below both thresholds, got %f", score)
	}
}

func TestFlushPerfImprovementTimePressure(t *testing.T) {
	th := DefaultFlushThresholds()
	score := FlushPerfImprovement(int64(bytesPerMiB), 4*time.Minute, th)
	if score <= 0 || score > 1.0 {
		t.Fatalf("expected a score in (0, 1.0] under time pressure, got %f", score)
	}
}

func TestMinUnflushedLogIndexTakesOverallMinimum(t *testing.T) {
	got := MinUnflushedLogIndex(100, []uint64{80, 120})
	if got != 80 {
		t.Fatalf("expected 80, got %d", got)
	}
}

func TestWritePrometheusExposesRunningGaugeAndDurationSummary(t *testing.T) {
	s := NewScheduler(Config{Workers: 1})
	s.Register(newTestOp("metered", "t1", Stats{Runnable: true, PerfImprovement: 1.0}, nil), 0)

	name := s.Tick(context.Background())
	if name != "metered" {
		t.Fatalf("expected metered op selected, got %q", name)
	}
	waitUntil(t, time.Second, func() bool { return s.RunningCount() == 0 })

	var buf bytes.Buffer
	s.WritePrometheus(&buf)
	out := buf.String()
	if !strings.Contains(out, "maintenance_running_ops") {
		t.Fatalf("expected running gauge in exported metrics, got:\n%s", out)
	}
	if !strings.Contains(out, `maintenance_op_duration_seconds{op="metered"`) {
		t.Fatalf("expected per-op duration summary in exported metrics, got:\n%s", out)
	}
}

func TestTwoSchedulersDoNotCollideOnMetricNames(t *testing.T) {
	a := NewScheduler(Config{Workers: 1})
	b := NewScheduler(Config{Workers: 1})
	a.Register(newTestOp("op", "t1", Stats{Runnable: true, PerfImprovement: 1.0}, nil), 0)
	b.Register(newTestOp("op", "t1", Stats{Runnable: true, PerfImprovement: 1.0}, nil), 0)

	if name := a.Tick(context.Background()); name != "op" {
		t.Fatalf("expected scheduler a to select op, got %q", name)
	}
	if name := b.Tick(context.Background()); name != "op" {
		t.Fatalf("expected scheduler b to select op, got %q", name)
	}
}
