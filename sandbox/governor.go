package sandbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Verdict is the governor's decision about how a step ended.
type Verdict int32

const (
	VerdictRunning Verdict = iota
	VerdictCompleted
	VerdictTimeout
	VerdictResourceExceeded
	VerdictCanceled
)

func (v Verdict) String() string {
	switch v {
	case VerdictRunning:
		return "running"
	case VerdictCompleted:
		return "completed"
	case VerdictTimeout:
		return "timeout"
	case VerdictResourceExceeded:
		return "resource_exceeded"
	case VerdictCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// DefaultProbeInterval is how often the governor samples memory usage.
const DefaultProbeInterval = 10 * time.Millisecond

// Governor bounds one running step in wall time and memory.
//
// A single atomic state word decides every race: the first of completion,
// deadline, memory breach or cancellation to leave VerdictRunning wins, and
// the process is killed only when a governor verdict wins.
type Governor struct {
	limits        Limits
	proc          Process
	logger        *zap.Logger
	probeInterval time.Duration

	state    atomic.Int32
	peak     atomic.Int64
	started  time.Time
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// GovernorOption defines a functional option for Governor
type GovernorOption func(*Governor)

// WithProbeInterval overrides the memory sampling interval
func WithProbeInterval(d time.Duration) GovernorOption {
	return func(g *Governor) {
		g.probeInterval = d
	}
}

// NewGovernor creates a governor for proc. Nothing is enforced until Watch.
func NewGovernor(limits Limits, proc Process, logger *zap.Logger, opts ...GovernorOption) *Governor {
	g := &Governor{
		limits:        limits,
		proc:          proc,
		logger:        logger,
		probeInterval: DefaultProbeInterval,
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Watch starts the deadline timer and the memory probe. Cancelling ctx kills
// the process with VerdictCanceled.
func (g *Governor) Watch(ctx context.Context) {
	g.started = time.Now()

	g.wg.Add(1)
	go g.watchDeadline(ctx)

	if g.limits.MemoryBytes > 0 {
		if _, err := g.proc.MemoryUsage(); !errors.Is(err, ErrProbeUnsupported) {
			g.wg.Add(1)
			go g.watchMemory()
		}
	}
}

func (g *Governor) watchDeadline(ctx context.Context) {
	defer g.wg.Done()

	var deadline <-chan time.Time
	if g.limits.Timeout > 0 {
		timer := time.NewTimer(g.limits.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-deadline:
		g.trip(VerdictTimeout)
	case <-ctx.Done():
		g.trip(VerdictCanceled)
	case <-g.stop:
	}
}

func (g *Governor) watchMemory() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			usage, err := g.proc.MemoryUsage()
			if err != nil {
				// the process is usually already gone
				continue
			}
			g.recordPeak(usage)
			if usage > g.limits.MemoryBytes {
				g.trip(VerdictResourceExceeded)
				return
			}
		}
	}
}

func (g *Governor) recordPeak(usage int64) {
	for {
		cur := g.peak.Load()
		if usage <= cur || g.peak.CompareAndSwap(cur, usage) {
			return
		}
	}
}

// trip records a governor verdict and kills the process if the run was still live.
func (g *Governor) trip(v Verdict) {
	if !g.state.CompareAndSwap(int32(VerdictRunning), int32(v)) {
		return
	}
	if err := g.proc.Kill(); err != nil {
		g.logger.Warn("failed to kill governed process",
			zap.String("verdict", v.String()),
			zap.Error(err))
	}
}

// Complete is called once the process has exited. It stops the watchers and
// returns the final verdict; kernel-side breaches recorded in exit turn a
// normal completion into VerdictResourceExceeded.
func (g *Governor) Complete(exit Exit) Verdict {
	g.state.CompareAndSwap(int32(VerdictRunning), int32(VerdictCompleted))
	g.stopOnce.Do(func() { close(g.stop) })
	g.wg.Wait()

	g.recordPeak(exit.PeakMemoryBytes)

	v := Verdict(g.state.Load())
	if v == VerdictCompleted && (exit.OOMKilled || exit.CPUExceeded) {
		return VerdictResourceExceeded
	}
	if v == VerdictCompleted && g.limits.MemoryBytes > 0 && exit.PeakMemoryBytes > g.limits.MemoryBytes {
		return VerdictResourceExceeded
	}
	return v
}

// Peak returns the memory high-water mark observed so far.
func (g *Governor) Peak() int64 {
	return g.peak.Load()
}

// Elapsed returns the time since Watch was called.
func (g *Governor) Elapsed() time.Duration {
	if g.started.IsZero() {
		return 0
	}
	return time.Since(g.started)
}
