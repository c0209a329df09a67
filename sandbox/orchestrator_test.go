package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/registry"
)

func testConfig() *config.Config {
	return &config.Config{
		Sandbox: config.SandboxConfig{
			Backend:         config.BackendProcess,
			AllowUnconfined: true,
			MaxConcurrent:   2,
			AdmissionPolicy: config.PolicyBlock,
			MaxQueueWaitMs:  5000,
			MaxCodeBytes:    1024,
			MaxStdinBytes:   1024,
			MaxOutputBytes:  1024,
			MaxMemoryBytes:  256 << 20,
			TeardownGraceMs: 1000,
			CPUQuota:        1,
			PIDsLimit:       32,
		},
	}
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.Profile{
		{
			ID:             "python",
			Aliases:        []string{"py"},
			FileName:       "main.py",
			RunCmd:         []string{"python3", "-u", "main.py"},
			DefaultTimeout: time.Second,
			MaxTimeout:     5 * time.Second,
			DefaultMemory:  64 << 20,
			MaxMemory:      128 << 20,
		},
		{
			ID:             "java",
			FileName:       "Main.java",
			CompileCmd:     []string{"javac", "Main.java"},
			RunCmd:         []string{"java", "-cp", ".", "Main"},
			DefaultTimeout: time.Second,
			MaxTimeout:     5 * time.Second,
			CompileTimeout: 2 * time.Second,
			DefaultMemory:  128 << 20,
			MaxMemory:      512 << 20,
		},
	})
	require.NoError(t, err)
	return reg
}

// transitionLog collects every state transition per run.
type transitionLog struct {
	mu   sync.Mutex
	runs map[string][]State
}

func newTransitionLog() *transitionLog {
	return &transitionLog{runs: map[string][]State{}}
}

func (l *transitionLog) observe(runID string, from, to State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.runs[runID]) == 0 {
		l.runs[runID] = []State{from}
	}
	l.runs[runID] = append(l.runs[runID], to)
}

func (l *transitionLog) only(t *testing.T) []State {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.Len(t, l.runs, 1)
	for _, states := range l.runs {
		return states
	}
	return nil
}

// recordingRecorder implements Recorder for testing
type recordingRecorder struct {
	mu         sync.Mutex
	results    []Result
	rejections []Kind
}

func (r *recordingRecorder) ObserveResult(_ string, res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recordingRecorder) ObserveRejection(kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejections = append(r.rejections, kind)
}

func (r *recordingRecorder) ObserveTransition(State) {}

type orchestratorFixture struct {
	orch     *Orchestrator
	iso      *fakeIsolator
	adm      *Admission
	log      *transitionLog
	recorder *recordingRecorder
}

func newFixture(t *testing.T, cfg *config.Config, iso *fakeIsolator) *orchestratorFixture {
	t.Helper()
	adm, err := NewAdmissionFromConfig(cfg)
	require.NoError(t, err)

	log := newTransitionLog()
	rec := &recordingRecorder{}
	orch := NewOrchestrator(zaptest.NewLogger(t), cfg, testRegistry(t), iso, adm,
		WithRecorder(rec),
		WithStateObserver(log.observe),
		WithGovernorOptions(WithProbeInterval(time.Millisecond)),
	)
	return &orchestratorFixture{orch: orch, iso: iso, adm: adm, log: log, recorder: rec}
}

var completedPath = []State{StateQueued, StateAdmitted, StatePreparing, StateRunning, StateFinalizing, StateCompleted}

func TestOrchestratorSubmit(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		f := newFixture(t, testConfig(), &fakeIsolator{})

		res, err := f.orch.Submit(context.Background(), Request{Code: []byte(`print("ok")`), Language: "python"})
		require.NoError(t, err)

		assert.Equal(t, StatusSuccess, res.Status)
		assert.Equal(t, "ok\n", res.Stdout)
		assert.NotEmpty(t, res.RunID)
		require.NotNil(t, res.ExitCode)
		assert.Equal(t, 0, *res.ExitCode)

		assert.Equal(t, completedPath, f.log.only(t))
		created, destroyed := f.iso.counts()
		assert.Equal(t, 1, created)
		assert.Equal(t, 1, destroyed)
		assert.Equal(t, 0, f.adm.InUse())
		assert.Len(t, f.recorder.results, 1)
	})

	t.Run("AliasResolves", func(t *testing.T) {
		f := newFixture(t, testConfig(), &fakeIsolator{})

		res, err := f.orch.Submit(context.Background(), Request{Code: []byte("print(1)"), Language: "PY"})
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, res.Status)
	})

	t.Run("DefaultsFromProfile", func(t *testing.T) {
		f := newFixture(t, testConfig(), &fakeIsolator{})

		_, err := f.orch.Submit(context.Background(), Request{Code: []byte("print(1)"), Language: "python", Stdin: []byte("in")})
		require.NoError(t, err)

		require.Len(t, f.iso.steps, 1)
		limits := f.iso.steps[0].Limits
		assert.Equal(t, time.Second, limits.Timeout)
		assert.Equal(t, int64(64<<20), limits.MemoryBytes)
		assert.Equal(t, int64(1024), limits.OutputBytes)
		assert.Equal(t, int64(32), limits.PIDs)
		assert.Equal(t, []byte("in"), f.iso.stdins[0])
	})

	t.Run("RequestedLimitsApplied", func(t *testing.T) {
		f := newFixture(t, testConfig(), &fakeIsolator{})

		_, err := f.orch.Submit(context.Background(), Request{
			Code: []byte("print(1)"), Language: "python",
			TimeoutMillis: 3000, MemoryLimitBytes: 100 << 20,
		})
		require.NoError(t, err)

		limits := f.iso.steps[0].Limits
		assert.Equal(t, 3*time.Second, limits.Timeout)
		assert.Equal(t, int64(100<<20), limits.MemoryBytes)
	})

	t.Run("UnsupportedLanguageNeverCreates", func(t *testing.T) {
		f := newFixture(t, testConfig(), &fakeIsolator{})

		res, err := f.orch.Submit(context.Background(), Request{Code: []byte("DISPLAY 'HI'."), Language: "cobol"})
		require.Error(t, err)
		assert.Equal(t, KindNotSupported, KindOf(err))
		assert.ErrorIs(t, err, ErrNotSupported)
		assert.Equal(t, Result{}, res)

		created, _ := f.iso.counts()
		assert.Zero(t, created)
		assert.Equal(t, []Kind{KindNotSupported}, f.recorder.rejections)
	})

	t.Run("RuntimeError", func(t *testing.T) {
		iso := &fakeIsolator{script: func(Step) *fakeProcess {
			return newFakeProcess(Exit{ExitCode: 1, Stderr: bufferWith(1024, "ZeroDivisionError")}, 0)
		}}
		f := newFixture(t, testConfig(), iso)

		res, err := f.orch.Submit(context.Background(), Request{Code: []byte("1/0"), Language: "python"})
		require.NoError(t, err)
		assert.Equal(t, StatusRuntimeError, res.Status)
		assert.Contains(t, res.ErrorMessage, "ZeroDivisionError")
		assert.Equal(t, completedPath, f.log.only(t))
	})

	t.Run("Timeout", func(t *testing.T) {
		iso := &fakeIsolator{script: func(Step) *fakeProcess {
			return newFakeProcess(Exit{Stdout: bufferWith(1024, "started\n")}, -1)
		}}
		f := newFixture(t, testConfig(), iso)

		start := time.Now()
		res, err := f.orch.Submit(context.Background(), Request{Code: []byte("while True: pass"), Language: "python", TimeoutMillis: 50})
		require.NoError(t, err)

		assert.Equal(t, StatusTimeout, res.Status)
		assert.Equal(t, "started\n", res.Stdout)
		assert.Nil(t, res.ExitCode)
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.GreaterOrEqual(t, res.DurationMillis, int64(50))
		assert.LessOrEqual(t, res.DurationMillis, int64(50+1000), "duration is bounded by the timeout plus the teardown grace")
		_, destroyed := f.iso.counts()
		assert.Equal(t, 1, destroyed)
	})

	t.Run("MemoryBreach", func(t *testing.T) {
		iso := &fakeIsolator{script: func(Step) *fakeProcess {
			p := newFakeProcess(Exit{}, -1)
			p.memory.Store(200 << 20)
			return p
		}}
		f := newFixture(t, testConfig(), iso)

		res, err := f.orch.Submit(context.Background(), Request{Code: []byte("x = ' ' * 10**9"), Language: "python"})
		require.NoError(t, err)
		assert.Equal(t, StatusResourceExceeded, res.Status)
		assert.Equal(t, int64(200<<20), res.PeakMemoryBytes)
	})
}

func TestOrchestratorCompiledLanguage(t *testing.T) {
	t.Run("CompileThenRun", func(t *testing.T) {
		iso := &fakeIsolator{script: func(step Step) *fakeProcess {
			if step.Phase == PhaseCompile {
				return newFakeProcess(Exit{}, 20*time.Millisecond)
			}
			return newFakeProcess(Exit{Stdout: bufferWith(1024, "Hello, World!\n")}, 0)
		}}
		f := newFixture(t, testConfig(), iso)

		res, err := f.orch.Submit(context.Background(), Request{Code: []byte("class Main {}"), Language: "java"})
		require.NoError(t, err)

		assert.Equal(t, StatusSuccess, res.Status)
		assert.Equal(t, "Hello, World!\n", res.Stdout)
		assert.GreaterOrEqual(t, res.CompileMillis, int64(20))
		assert.Equal(t, []Phase{PhaseCompile, PhaseRun}, f.iso.phases())

		compile := f.iso.steps[0]
		assert.Equal(t, 2*time.Second, compile.Limits.Timeout)
		assert.Equal(t, int64(256<<20), compile.Limits.MemoryBytes, "compile runs under the tighter of profile and system ceilings")
		assert.Nil(t, f.iso.stdins[0], "stdin is reserved for the run step")
	})

	t.Run("CompileErrorSkipsRun", func(t *testing.T) {
		iso := &fakeIsolator{script: func(Step) *fakeProcess {
			return newFakeProcess(Exit{ExitCode: 1, Stderr: bufferWith(1024, "Main.java:1: error: ';' expected")}, 0)
		}}
		f := newFixture(t, testConfig(), iso)

		res, err := f.orch.Submit(context.Background(), Request{Code: []byte("class Main {"), Language: "java"})
		require.NoError(t, err)

		assert.Equal(t, StatusCompileError, res.Status)
		assert.Contains(t, res.ErrorMessage, "expected")
		assert.Zero(t, res.DurationMillis)
		assert.Equal(t, []Phase{PhaseCompile}, f.iso.phases())
		assert.Equal(t, completedPath, f.log.only(t))
	})

	t.Run("CompileTimeout", func(t *testing.T) {
		cfg := testConfig()
		iso := &fakeIsolator{script: func(Step) *fakeProcess {
			return newFakeProcess(Exit{}, -1)
		}}
		f := newFixture(t, cfg, iso)
		reg, err := registry.New([]registry.Profile{{
			ID: "java", FileName: "Main.java",
			CompileCmd: []string{"javac", "Main.java"}, RunCmd: []string{"java", "Main"},
			DefaultTimeout: time.Second, MaxTimeout: time.Second, CompileTimeout: 30 * time.Millisecond,
			DefaultMemory: 1 << 20, MaxMemory: 1 << 20,
		}})
		require.NoError(t, err)
		f.orch.registry = reg

		res, err := f.orch.Submit(context.Background(), Request{Code: []byte("class Main {}"), Language: "java"})
		require.NoError(t, err)
		assert.Equal(t, StatusTimeout, res.Status)
		assert.Contains(t, res.ErrorMessage, "compile phase")
		assert.Equal(t, []Phase{PhaseCompile}, f.iso.phases())
	})
}

func TestOrchestratorValidation(t *testing.T) {
	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{"EmptyCode", Request{Language: "python"}, "code"},
		{"CodeTooLarge", Request{Language: "python", Code: []byte(strings.Repeat("x", 1025))}, "code"},
		{"StdinTooLarge", Request{Language: "python", Code: []byte("x"), Stdin: []byte(strings.Repeat("x", 1025))}, "stdin"},
		{"NegativeTimeout", Request{Language: "python", Code: []byte("x"), TimeoutMillis: -1}, "timeout_ms"},
		{"TimeoutOverMax", Request{Language: "python", Code: []byte("x"), TimeoutMillis: 5001}, "timeout_ms"},
		{"NegativeMemory", Request{Language: "python", Code: []byte("x"), MemoryLimitBytes: -1}, "memory_limit_bytes"},
		{"MemoryOverProfileMax", Request{Language: "python", Code: []byte("x"), MemoryLimitBytes: 129 << 20}, "memory_limit_bytes"},
		{"MemoryOverSystemMax", Request{Language: "java", Code: []byte("x"), MemoryLimitBytes: 300 << 20}, "memory_limit_bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testConfig(), &fakeIsolator{})

			_, err := f.orch.Submit(context.Background(), tt.req)
			require.Error(t, err)

			var se *Error
			require.True(t, errors.As(err, &se))
			assert.Equal(t, KindValidation, se.Kind)
			assert.Equal(t, tt.field, se.Field)

			created, _ := f.iso.counts()
			assert.Zero(t, created)
		})
	}
}

func TestOrchestratorInternalFailures(t *testing.T) {
	t.Run("CreateFailure", func(t *testing.T) {
		f := newFixture(t, testConfig(), &fakeIsolator{createErr: errors.New("scratch root is read-only")})

		res, err := f.orch.Submit(context.Background(), Request{Code: []byte("print(1)"), Language: "python"})
		require.NoError(t, err)

		assert.Equal(t, StatusInternalFailure, res.Status)
		assert.Contains(t, res.ErrorMessage, "read-only")
		assert.Equal(t,
			[]State{StateQueued, StateAdmitted, StatePreparing, StateFinalizing, StateFailed},
			f.log.only(t))
		assert.Equal(t, 0, f.adm.InUse())
	})

	t.Run("StartFailure", func(t *testing.T) {
		f := newFixture(t, testConfig(), &fakeIsolator{startErr: errors.New("exec format error")})

		res, err := f.orch.Submit(context.Background(), Request{Code: []byte("print(1)"), Language: "python"})
		require.NoError(t, err)

		assert.Equal(t, StatusInternalFailure, res.Status)
		_, destroyed := f.iso.counts()
		assert.Equal(t, 1, destroyed)
	})

	t.Run("WaitFailure", func(t *testing.T) {
		iso := &fakeIsolator{script: func(Step) *fakeProcess {
			p := newFakeProcess(Exit{}, 0)
			p.waitErr = errors.New("lost track of process")
			return p
		}}
		f := newFixture(t, testConfig(), iso)

		res, err := f.orch.Submit(context.Background(), Request{Code: []byte("print(1)"), Language: "python"})
		require.NoError(t, err)
		assert.Equal(t, StatusInternalFailure, res.Status)
	})

	t.Run("PanicIsRecovered", func(t *testing.T) {
		f := newFixture(t, testConfig(), &fakeIsolator{panicOn: PhaseRun})

		res, err := f.orch.Submit(context.Background(), Request{Code: []byte("print(1)"), Language: "python"})
		require.NoError(t, err)

		assert.Equal(t, StatusInternalFailure, res.Status)
		assert.Contains(t, res.ErrorMessage, "isolator exploded")
		_, destroyed := f.iso.counts()
		assert.Equal(t, 1, destroyed)
		assert.Equal(t, 0, f.adm.InUse())

		states := f.log.only(t)
		assert.Equal(t, StateFailed, states[len(states)-1])
	})
}

func TestOrchestratorCancel(t *testing.T) {
	iso := &fakeIsolator{script: func(Step) *fakeProcess {
		return newFakeProcess(Exit{}, -1)
	}}
	f := newFixture(t, testConfig(), iso)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := f.orch.Submit(ctx, Request{Code: []byte("while True: pass"), Language: "python"})
	require.Error(t, err)
	assert.Equal(t, KindCanceled, KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Result{}, res)

	_, destroyed := f.iso.counts()
	assert.Equal(t, 1, destroyed)
	assert.Equal(t, 0, f.adm.InUse())

	states := f.log.only(t)
	assert.Equal(t, []State{StateFinalizing, StateFailed}, states[len(states)-2:])
}

func TestOrchestratorConcurrency(t *testing.T) {
	t.Run("BlockingAdmissionBoundsParallelism", func(t *testing.T) {
		cfg := testConfig()
		iso := &fakeIsolator{script: func(Step) *fakeProcess {
			return newFakeProcess(Exit{}, 30*time.Millisecond)
		}}
		f := newFixture(t, cfg, iso)

		const submissions = 4
		var wg sync.WaitGroup
		errs := make(chan error, submissions)
		for i := 0; i < submissions; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := f.orch.Submit(context.Background(), Request{Code: []byte("print(1)"), Language: "python"})
				if err == nil && res.Status != StatusSuccess {
					err = errors.New(res.Status.String())
				}
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			assert.NoError(t, err)
		}
		assert.LessOrEqual(t, iso.maxActive.Load(), int32(cfg.Sandbox.MaxConcurrent))
		created, destroyed := iso.counts()
		assert.Equal(t, submissions, created)
		assert.Equal(t, submissions, destroyed)
	})

	t.Run("FailFastRejectsOverflow", func(t *testing.T) {
		cfg := testConfig()
		cfg.Sandbox.MaxConcurrent = 1
		cfg.Sandbox.AdmissionPolicy = config.PolicyFailFast

		release := make(chan struct{})
		var once sync.Once
		proc := newFakeProcess(Exit{}, -1)
		iso := &fakeIsolator{script: func(Step) *fakeProcess {
			once.Do(func() { close(release) })
			return proc
		}}
		f := newFixture(t, cfg, iso)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = f.orch.Submit(context.Background(), Request{Code: []byte("while True: pass"), Language: "python"})
		}()
		<-release

		_, err := f.orch.Submit(context.Background(), Request{Code: []byte("print(1)"), Language: "python"})
		assert.Equal(t, KindOverloaded, KindOf(err))

		_ = proc.Kill()
		<-done
		created, _ := iso.counts()
		assert.Equal(t, 1, created)
	})
}

func TestOrchestratorShutdown(t *testing.T) {
	iso := &fakeIsolator{script: func(Step) *fakeProcess {
		return newFakeProcess(Exit{}, 30*time.Millisecond)
	}}
	f := newFixture(t, testConfig(), iso)

	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := f.orch.Submit(context.Background(), Request{Code: []byte("print(1)"), Language: "python"})
		assert.NoError(t, err)
		assert.Equal(t, StatusSuccess, res.Status)
	}()
	require.Eventually(t, func() bool { return f.adm.InUse() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.orch.Shutdown(ctx))
	<-done

	_, err := f.orch.Submit(context.Background(), Request{Code: []byte("print(1)"), Language: "python"})
	assert.Equal(t, KindOverloaded, KindOf(err))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, canTransition(StateQueued, StateAdmitted))
	assert.True(t, canTransition(StateQueued, StateFailed))
	assert.True(t, canTransition(StatePreparing, StateFinalizing))
	assert.False(t, canTransition(StateQueued, StateRunning))
	assert.False(t, canTransition(StateRunning, StateCompleted))
	assert.False(t, canTransition(StateCompleted, StateFailed))
	assert.Equal(t, "finalizing", StateFinalizing.String())
}
