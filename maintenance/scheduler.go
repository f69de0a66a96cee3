package maintenance

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ledgerwatch/log/v3"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// Config tunes the scheduler's selection rule and worker pool (spec.md
// §4.9). Zero-value Config is usable but runs every op serially and never
// overrides on memory/log-retention pressure.
type Config struct {
	// Workers bounds how many ops may have Perform in flight at once.
	Workers int64
	// MemorySoftLimitBytes is the server-wide per-tablet RAM-anchored
	// threshold; crossing it forces the ram_anchored-maximizing override.
	MemorySoftLimitBytes int64
	// LogRetentionThresholdBytes is the per-tablet logs_retained_bytes
	// threshold; crossing it forces the logs_retained_bytes override.
	LogRetentionThresholdBytes int64
	// WorkloadWeight is the "w" multiplier in perf_improvement +
	// workload_score * w.
	WorkloadWeight float64
	// ScoreFloor discards ops whose combined score falls below it in the
	// default (non-override) selection path.
	ScoreFloor float64
}

// DefaultConfig matches the values the teacher's aggregator used for its
// own single-worker background loop, adapted to this scheduler's knobs.
func DefaultConfig() Config {
	return Config{
		Workers:                    4,
		MemorySoftLimitBytes:       1 << 30, // 1 GiB
		LogRetentionThresholdBytes: 256 << 20,
		WorkloadWeight:             1.0,
		ScoreFloor:                 0.01,
	}
}

type registration struct {
	op       Op
	priority int
	seq      uint64
}

// Scheduler runs one process-wide registry of maintenance ops, selecting and
// executing one per tick under a bounded worker pool (spec.md §4.9).
type Scheduler struct {
	cfg Config
	sem *semaphore.Weighted

	mu      sync.Mutex
	regs    []*registration
	nextSeq uint64
	inFlight map[string]bool // op Name -> running

	running atomic.Int32

	// metricsSet is this scheduler's own VictoriaMetrics registry (spec.md
	// §4.9's per-op "duration histogram, running gauge"), isolated per
	// instance rather than registered into the global default set so
	// standing up more than one Scheduler in a process never collides on
	// metric names.
	metricsSet *metrics.Set

	walGCMu  sync.Mutex
	walGCSem map[string]chan struct{} // tabletID -> 1-buffered gate
}

// NewScheduler builds a scheduler with the given configuration.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	s := &Scheduler{
		cfg:        cfg,
		sem:        semaphore.NewWeighted(cfg.Workers),
		inFlight:   make(map[string]bool),
		metricsSet: metrics.NewSet(),
		walGCSem:   make(map[string]chan struct{}),
	}
	s.metricsSet.NewGauge("maintenance_running_ops", func() float64 {
		return float64(s.running.Load())
	})
	return s
}

// WritePrometheus exposes this scheduler's duration-summary and
// running-gauge metrics in Prometheus text format, for whatever embedder
// scrapes process metrics.
func (s *Scheduler) WritePrometheus(w io.Writer) { s.metricsSet.WritePrometheus(w) }

// Register adds an op to the registry. priority breaks ties in the default
// selection path (higher runs first); registration order is the FIFO
// tie-break beneath that.
func (s *Scheduler) Register(op Op, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs = append(s.regs, &registration{op: op, priority: priority, seq: s.nextSeq})
	s.nextSeq++
}

// Unregister removes an op (e.g. its tablet was dropped or its DRS retired).
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.regs {
		if r.op.Name() == name {
			s.regs = append(s.regs[:i], s.regs[i+1:]...)
			return
		}
	}
}

// WALGCGate returns the per-tablet WAL GC semaphore, creating it on first
// use. WAL GC ops call TryAcquire/Release around their Perform to enforce
// "at most one WAL GC per tablet" (spec.md §4.9/§5).
func (s *Scheduler) WALGCGate(tabletID string) *walGCGate {
	s.walGCMu.Lock()
	defer s.walGCMu.Unlock()
	ch, ok := s.walGCSem[tabletID]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{}
		s.walGCSem[tabletID] = ch
	}
	return &walGCGate{ch: ch}
}

// walGCGate is a 1-buffered channel-backed mutex with a non-blocking
// TryAcquire, mirroring rowset.MemRowSet's flushSem pattern.
type walGCGate struct{ ch chan struct{} }

func (g *walGCGate) TryAcquire() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *walGCGate) Release() { g.ch <- struct{}{} }

// polled is one op's freshly computed stats alongside its registration.
type polled struct {
	reg   *registration
	stats Stats
}

// selection applies spec.md §4.9's four-step rule to a poll of every
// registered, currently-idle op. Returns nil if nothing is runnable.
func (s *Scheduler) selection(polls []polled) *registration {
	runnable := polls[:0:0]
	for _, p := range polls {
		if p.stats.Runnable {
			runnable = append(runnable, p)
		}
	}
	if len(runnable) == 0 {
		return nil
	}

	// Step 2: any tablet above the memory soft limit overrides to
	// ram_anchored maximization.
	tabletRAM := make(map[string]int64)
	for _, p := range runnable {
		tabletRAM[p.reg.op.TabletID()] += p.stats.RAMAnchored
	}
	memPressure := false
	if s.cfg.MemorySoftLimitBytes > 0 {
		for _, bytes := range tabletRAM {
			if bytes >= s.cfg.MemorySoftLimitBytes {
				memPressure = true
				break
			}
		}
	}
	if memPressure {
		return maxBy(runnable, func(p polled) float64 { return float64(p.stats.RAMAnchored) })
	}

	// Step 3: any tablet above the log-retention threshold overrides to
	// logs_retained_bytes maximization.
	tabletLogs := make(map[string]int64)
	for _, p := range runnable {
		tabletLogs[p.reg.op.TabletID()] += p.stats.LogsRetainedBytes
	}
	logPressure := false
	if s.cfg.LogRetentionThresholdBytes > 0 {
		for _, bytes := range tabletLogs {
			if bytes >= s.cfg.LogRetentionThresholdBytes {
				logPressure = true
				break
			}
		}
	}
	if logPressure {
		return maxBy(runnable, func(p polled) float64 { return float64(p.stats.LogsRetainedBytes) })
	}

	// Step 4: perf_improvement + workload_score * w, floor-filtered, ties
	// broken by priority then FIFO (registration order).
	scored := runnable[:0:0]
	for _, p := range runnable {
		score := p.stats.PerfImprovement + p.stats.WorkloadScore*s.cfg.WorkloadWeight
		if score >= s.cfg.ScoreFloor {
			scored = append(scored, p)
		}
	}
	if len(scored) == 0 {
		return nil
	}
	sort.SliceStable(scored, func(i, j int) bool {
		si := scored[i].stats.PerfImprovement + scored[i].stats.WorkloadScore*s.cfg.WorkloadWeight
		sj := scored[j].stats.PerfImprovement + scored[j].stats.WorkloadScore*s.cfg.WorkloadWeight
		if si != sj {
			return si > sj
		}
		if scored[i].reg.priority != scored[j].reg.priority {
			return scored[i].reg.priority > scored[j].reg.priority
		}
		return scored[i].reg.seq < scored[j].reg.seq
	})
	return scored[0].reg
}

func maxBy(polls []polled, key func(polled) float64) *registration {
	best := polls[0]
	bestScore := key(best)
	for _, p := range polls[1:] {
		if v := key(p); v > bestScore {
			best, bestScore = p, v
		}
	}
	return best.reg
}

// Tick polls every idle registered op, selects the winner per the spec's
// selection rule, and dispatches it onto the worker pool without blocking
// for its completion. Returns the selected op's name, or "" if nothing ran.
func (s *Scheduler) Tick(ctx context.Context) string {
	s.mu.Lock()
	polls := make([]polled, 0, len(s.regs))
	for _, r := range s.regs {
		if s.inFlight[r.op.Name()] {
			continue
		}
		polls = append(polls, polled{reg: r, stats: r.op.UpdateStats()})
	}
	s.mu.Unlock()

	if len(polls) == 0 {
		return ""
	}
	winner := s.selection(polls)
	if winner == nil {
		return ""
	}

	s.mu.Lock()
	s.inFlight[winner.op.Name()] = true
	s.mu.Unlock()

	if !s.sem.TryAcquire(1) {
		s.mu.Lock()
		delete(s.inFlight, winner.op.Name())
		s.mu.Unlock()
		return ""
	}

	s.running.Inc()
	go func() {
		defer s.sem.Release(1)
		defer s.running.Dec()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, winner.op.Name())
			s.mu.Unlock()
		}()

		start := time.Now()
		ok, err := winner.op.Prepare(ctx)
		if err != nil {
			log.Warn("[maintenance] prepare", "op", winner.op.Name(), "err", err)
			return
		}
		if !ok {
			return
		}
		if err := winner.op.Perform(ctx); err != nil {
			log.Warn("[maintenance] perform", "op", winner.op.Name(), "err", err)
		}
		s.recordDuration(winner.op.Name(), start)
	}()

	return winner.op.Name()
}

// recordDuration publishes one completed op's runtime into its duration
// summary (spec.md §4.9's "duration histogram" requirement), keyed by op
// name the way kv_interface.go's own per-phase summaries
// (`db_commit_seconds{phase="..."}`) are keyed by label.
func (s *Scheduler) recordDuration(op string, start time.Time) {
	s.metricsSet.GetOrCreateSummary(fmt.Sprintf(`maintenance_op_duration_seconds{op=%q}`, op)).UpdateDuration(start)
}

// RunningCount returns the number of ops currently executing Perform.
func (s *Scheduler) RunningCount() int32 { return s.running.Load() }

// Run ticks the scheduler on interval until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Tick(ctx)
		}
	}
}
