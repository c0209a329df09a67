package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestGovernor(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("CompletesNormally", func(t *testing.T) {
		proc := newFakeProcess(Exit{ExitCode: 0}, 0)
		proc.memory.Store(1 << 20)
		gov := NewGovernor(Limits{Timeout: time.Second, MemoryBytes: 64 << 20}, proc, logger)

		gov.Watch(context.Background())
		exit, err := proc.Wait()
		assert.NoError(t, err)

		assert.Equal(t, VerdictCompleted, gov.Complete(exit))
		assert.Zero(t, proc.kills.Load())
	})

	t.Run("DeadlineKillsProcess", func(t *testing.T) {
		proc := newFakeProcess(Exit{}, -1)
		gov := NewGovernor(Limits{Timeout: 20 * time.Millisecond}, proc, logger)

		gov.Watch(context.Background())
		exit, _ := proc.Wait()

		assert.Equal(t, VerdictTimeout, gov.Complete(exit))
		assert.Equal(t, int32(1), proc.kills.Load())
		assert.GreaterOrEqual(t, gov.Elapsed(), 20*time.Millisecond)
	})

	t.Run("MemoryBreachKillsProcess", func(t *testing.T) {
		proc := newFakeProcess(Exit{}, -1)
		proc.memory.Store(100 << 20)
		gov := NewGovernor(Limits{Timeout: 5 * time.Second, MemoryBytes: 10 << 20}, proc, logger,
			WithProbeInterval(time.Millisecond))

		gov.Watch(context.Background())
		exit, _ := proc.Wait()

		assert.Equal(t, VerdictResourceExceeded, gov.Complete(exit))
		assert.Equal(t, int64(100<<20), gov.Peak())
		assert.Equal(t, int32(1), proc.kills.Load())
	})

	t.Run("CancellationKillsProcess", func(t *testing.T) {
		proc := newFakeProcess(Exit{}, -1)
		gov := NewGovernor(Limits{Timeout: 5 * time.Second}, proc, logger)

		ctx, cancel := context.WithCancel(context.Background())
		gov.Watch(ctx)
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		exit, _ := proc.Wait()

		assert.Equal(t, VerdictCanceled, gov.Complete(exit))
	})

	t.Run("KernelOOMIsResourceExceeded", func(t *testing.T) {
		proc := newFakeProcess(Exit{ExitCode: 137, OOMKilled: true, PeakMemoryBytes: 70 << 20}, 0)
		proc.noProbe = true
		gov := NewGovernor(Limits{Timeout: time.Second, MemoryBytes: 64 << 20}, proc, logger)

		gov.Watch(context.Background())
		exit, _ := proc.Wait()

		assert.Equal(t, VerdictResourceExceeded, gov.Complete(exit))
		assert.Equal(t, int64(70<<20), gov.Peak())
		assert.Zero(t, proc.kills.Load())
	})

	t.Run("CPULimitIsResourceExceeded", func(t *testing.T) {
		proc := newFakeProcess(Exit{Signal: "SIGXCPU", CPUExceeded: true}, 0)
		gov := NewGovernor(Limits{Timeout: time.Second}, proc, logger)

		gov.Watch(context.Background())
		exit, _ := proc.Wait()

		assert.Equal(t, VerdictResourceExceeded, gov.Complete(exit))
	})

	t.Run("PeakOverLimitAtExit", func(t *testing.T) {
		proc := newFakeProcess(Exit{PeakMemoryBytes: 80 << 20}, 0)
		proc.noProbe = true
		gov := NewGovernor(Limits{Timeout: time.Second, MemoryBytes: 64 << 20}, proc, logger)

		gov.Watch(context.Background())
		exit, _ := proc.Wait()

		assert.Equal(t, VerdictResourceExceeded, gov.Complete(exit))
	})

	t.Run("NoKillAfterCompletion", func(t *testing.T) {
		proc := newFakeProcess(Exit{}, 0)
		gov := NewGovernor(Limits{Timeout: 20 * time.Millisecond}, proc, logger)

		gov.Watch(context.Background())
		exit, _ := proc.Wait()
		assert.Equal(t, VerdictCompleted, gov.Complete(exit))

		time.Sleep(50 * time.Millisecond)
		assert.Zero(t, proc.kills.Load())
	})
}
