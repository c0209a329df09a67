package sandbox

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/registry"
)

// State is a step of the per-request execution state machine.
type State int

const (
	StateQueued State = iota
	StateAdmitted
	StatePreparing
	StateRunning
	StateFinalizing
	StateCompleted
	StateFailed
)

var stateNames = [...]string{
	StateQueued:     "queued",
	StateAdmitted:   "admitted",
	StatePreparing:  "preparing",
	StateRunning:    "running",
	StateFinalizing: "finalizing",
	StateCompleted:  "completed",
	StateFailed:     "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Queued may only fail when admission rejects the request; nothing has been
// allocated yet so there is nothing to finalize.
var transitions = map[State][]State{
	StateQueued:     {StateAdmitted, StateFailed},
	StateAdmitted:   {StatePreparing},
	StatePreparing:  {StateRunning, StateFinalizing},
	StateRunning:    {StateFinalizing},
	StateFinalizing: {StateCompleted, StateFailed},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateObserver is notified of every state transition of every run.
type StateObserver func(runID string, from, to State)

// Recorder receives execution telemetry.
type Recorder interface {
	ObserveResult(language string, res Result)
	ObserveRejection(kind Kind)
	ObserveTransition(to State)
}

type nopRecorder struct{}

func (nopRecorder) ObserveResult(string, Result) {}
func (nopRecorder) ObserveRejection(Kind)        {}
func (nopRecorder) ObserveTransition(State)      {}

// Orchestrator drives each request through admission, isolation, governed
// execution, teardown and classification.
type Orchestrator struct {
	logger    *zap.Logger
	cfg       *config.Config
	registry  *registry.Registry
	isolator  Isolator
	admission *Admission
	recorder  Recorder
	observer  StateObserver
	govOpts   []GovernorOption

	closing atomic.Bool
	wg      sync.WaitGroup
}

// OrchestratorOption defines a functional option for Orchestrator
type OrchestratorOption func(*Orchestrator)

// WithRecorder sets the telemetry sink
func WithRecorder(r Recorder) OrchestratorOption {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithStateObserver registers a callback for state transitions
func WithStateObserver(fn StateObserver) OrchestratorOption {
	return func(o *Orchestrator) {
		o.observer = fn
	}
}

// WithGovernorOptions passes options to every governor the orchestrator creates
func WithGovernorOptions(opts ...GovernorOption) OrchestratorOption {
	return func(o *Orchestrator) {
		o.govOpts = append(o.govOpts, opts...)
	}
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(
	logger *zap.Logger,
	cfg *config.Config,
	reg *registry.Registry,
	iso Isolator,
	adm *Admission,
	opts ...OrchestratorOption,
) *Orchestrator {
	o := &Orchestrator{
		logger:    logger,
		cfg:       cfg,
		registry:  reg,
		isolator:  iso,
		admission: adm,
		recorder:  nopRecorder{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

var _ Executor = (*Orchestrator)(nil)

// run is the private state of one accepted request.
type run struct {
	id      string
	req     Request
	profile registry.Profile
	limits  Limits
	state   State
	logger  *zap.Logger
}

// Submit executes req and returns its classified result. Requests that are
// rejected before execution return a *Error and an empty Result.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (Result, error) {
	if o.closing.Load() {
		return Result{}, o.reject(overloaded("sandbox is shutting down"))
	}

	profile, err := o.registry.Resolve(req.Language)
	if err != nil {
		return Result{}, o.reject(notSupported(req.Language, err))
	}

	limits, verr := o.limitsFor(profile, req)
	if verr != nil {
		return Result{}, o.reject(verr)
	}

	o.wg.Add(1)
	defer o.wg.Done()

	r := &run{
		id:      uuid.NewString(),
		req:     req,
		profile: profile,
		limits:  limits,
		state:   StateQueued,
	}
	r.logger = logger.ForRun(o.logger, r.id, profile.ID)

	slot, err := o.admission.Acquire(ctx)
	if err != nil {
		o.transition(r, StateFailed)
		var se *Error
		if errors.As(err, &se) {
			o.recorder.ObserveRejection(se.Kind)
		}
		r.logger.Info("submission rejected by admission", zap.Error(err))
		return Result{}, err
	}
	o.transition(r, StateAdmitted)
	r.logger.Debug("admission granted", zap.Duration("queue_wait", slot.QueueWait()))

	return o.execute(ctx, r, slot)
}

func (o *Orchestrator) reject(err *Error) error {
	o.recorder.ObserveRejection(err.Kind)
	o.logger.Debug("submission rejected",
		zap.String("kind", string(err.Kind)),
		zap.String("field", err.Field),
		zap.String("message", err.Message))
	return err
}

// limitsFor validates the request bounds and resolves defaults from the profile.
func (o *Orchestrator) limitsFor(profile registry.Profile, req Request) (Limits, *Error) {
	sb := o.cfg.Sandbox

	if len(req.Code) == 0 {
		return Limits{}, validationFailed("code", "must not be empty")
	}
	if int64(len(req.Code)) > sb.MaxCodeBytes {
		return Limits{}, validationFailed("code", "size %d exceeds the maximum of %d bytes", len(req.Code), sb.MaxCodeBytes)
	}
	if int64(len(req.Stdin)) > sb.MaxStdinBytes {
		return Limits{}, validationFailed("stdin", "size %d exceeds the maximum of %d bytes", len(req.Stdin), sb.MaxStdinBytes)
	}

	timeout := profile.DefaultTimeout
	switch {
	case req.TimeoutMillis < 0:
		return Limits{}, validationFailed("timeout_ms", "must not be negative")
	case req.TimeoutMillis > profile.MaxTimeout.Milliseconds():
		return Limits{}, validationFailed("timeout_ms", "%d exceeds the %s maximum of %d ms",
			req.TimeoutMillis, profile.ID, profile.MaxTimeout.Milliseconds())
	case req.TimeoutMillis > 0:
		timeout = time.Duration(req.TimeoutMillis) * time.Millisecond
	}

	maxMemory := min(profile.MaxMemory, sb.MaxMemoryBytes)
	memory := profile.DefaultMemory
	switch {
	case req.MemoryLimitBytes < 0:
		return Limits{}, validationFailed("memory_limit_bytes", "must not be negative")
	case req.MemoryLimitBytes > maxMemory:
		return Limits{}, validationFailed("memory_limit_bytes", "%d exceeds the maximum of %d bytes",
			req.MemoryLimitBytes, maxMemory)
	case req.MemoryLimitBytes > 0:
		memory = req.MemoryLimitBytes
	}

	return Limits{
		Timeout:     timeout,
		MemoryBytes: memory,
		OutputBytes: sb.MaxOutputBytes,
		CPUQuota:    sb.CPUQuota,
		PIDs:        sb.PIDsLimit,
	}, nil
}

func (o *Orchestrator) transition(r *run, to State) {
	from := r.state
	if !canTransition(from, to) {
		r.logger.DPanic("illegal state transition",
			zap.Stringer("from", from),
			zap.Stringer("to", to))
	}
	r.state = to
	r.logger.Debug("state transition",
		zap.Stringer("from", from),
		zap.Stringer("to", to))
	o.recorder.ObserveTransition(to)
	if o.observer != nil {
		o.observer(r.id, from, to)
	}
}

// execute owns the admission slot from here on. Finalizing is reached on
// every path, including panics inside the isolator.
func (o *Orchestrator) execute(ctx context.Context, r *run, slot *Slot) (Result, error) {
	outcome, h := o.prepareAndRun(ctx, r)

	if r.state != StateRunning && r.state != StatePreparing {
		// a panic escaped before Preparing was entered
		o.transition(r, StatePreparing)
	}
	o.transition(r, StateFinalizing)
	o.teardown(r, h)
	slot.Release()

	if outcome.Verdict == VerdictCanceled && ctx.Err() != nil {
		o.transition(r, StateFailed)
		o.recorder.ObserveRejection(KindCanceled)
		r.logger.Info("execution canceled by caller", zap.String("phase", string(outcome.Phase)))
		return Result{}, canceled(ctx.Err())
	}

	res := Classify(outcome)
	res.RunID = r.id

	if res.Status == StatusInternalFailure {
		o.transition(r, StateFailed)
		r.logger.Error("execution failed inside the sandbox infrastructure",
			zap.String("phase", string(outcome.Phase)),
			zap.Error(outcome.Internal))
	} else {
		o.transition(r, StateCompleted)
		r.logger.Info("execution completed",
			zap.Stringer("status", res.Status),
			zap.Int64("duration_ms", res.DurationMillis),
			zap.Int64("compile_ms", res.CompileMillis),
			zap.Int64("peak_memory_bytes", res.PeakMemoryBytes),
			zap.Bool("truncated", res.Truncated))
	}
	o.recorder.ObserveResult(r.profile.ID, res)
	return res, nil
}

func (o *Orchestrator) prepareAndRun(ctx context.Context, r *run) (outcome Outcome, h *Handle) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic during execution",
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			outcome = Outcome{
				Phase:    outcome.Phase,
				Limits:   r.limits,
				Internal: fmt.Errorf("%w: panic: %v", ErrInternal, p),
			}
		}
	}()

	o.transition(r, StatePreparing)
	outcome.Limits = r.limits
	outcome.Phase = PhaseRun
	if r.profile.Compiled() {
		outcome.Phase = PhaseCompile
	}

	h, err := o.isolator.Create(ctx, r.profile, r.req.Code)
	if err != nil {
		if ctx.Err() != nil {
			outcome.Verdict = VerdictCanceled
			return outcome, nil
		}
		outcome.Internal = fmt.Errorf("failed to create isolation unit: %w", err)
		return outcome, nil
	}
	r.logger.Debug("isolation unit created", zap.String("handle_id", h.ID), zap.String("dir", h.Dir))

	o.transition(r, StateRunning)

	if r.profile.Compiled() {
		compile := Step{
			Phase: PhaseCompile,
			Cmd:   r.profile.CompileCmd,
			Limits: Limits{
				Timeout:     r.profile.CompileTimeout,
				MemoryBytes: min(r.profile.MaxMemory, o.cfg.Sandbox.MaxMemoryBytes),
				OutputBytes: r.limits.OutputBytes,
				CPUQuota:    r.limits.CPUQuota,
				PIDs:        r.limits.PIDs,
			},
		}
		step := o.runStep(ctx, r, h, compile, nil)
		outcome.CompileDuration = step.Duration
		if step.Internal != nil || step.Verdict != VerdictCompleted || step.failed() {
			step.CompileDuration = step.Duration
			step.Duration = 0
			return step, h
		}
	}

	main := Step{Phase: PhaseRun, Cmd: r.profile.RunCmd, Limits: r.limits}
	step := o.runStep(ctx, r, h, main, r.req.Stdin)
	step.CompileDuration = outcome.CompileDuration
	return step, h
}

func (o Outcome) failed() bool {
	return o.Exit.ExitCode != 0 || o.Exit.Signal != ""
}

// runStep launches one step under a governor and waits for it.
func (o *Orchestrator) runStep(ctx context.Context, r *run, h *Handle, step Step, stdin []byte) Outcome {
	outcome := Outcome{Phase: step.Phase, Limits: step.Limits}

	proc, err := o.isolator.Start(ctx, h, step, stdin)
	if err != nil {
		if ctx.Err() != nil {
			outcome.Verdict = VerdictCanceled
			return outcome
		}
		outcome.Internal = fmt.Errorf("failed to start %s step: %w", step.Phase, err)
		return outcome
	}

	gov := NewGovernor(step.Limits, proc, logger.ForPhase(r.logger, string(step.Phase)), o.govOpts...)
	gov.Watch(ctx)

	exit, waitErr := proc.Wait()
	outcome.Verdict = gov.Complete(exit)
	outcome.Duration = gov.Elapsed()
	outcome.Exit = exit
	outcome.PeakMemoryBytes = gov.Peak()

	if waitErr != nil && outcome.Verdict == VerdictCompleted {
		outcome.Internal = fmt.Errorf("failed to wait for %s step: %w", step.Phase, waitErr)
	}

	r.logger.Debug("step finished",
		zap.String("phase", string(step.Phase)),
		zap.Stringer("verdict", outcome.Verdict),
		zap.Int("exit_code", exit.ExitCode),
		zap.String("signal", exit.Signal),
		zap.Duration("elapsed", outcome.Duration))
	return outcome
}

// teardown destroys the isolation unit with a context that survives caller cancellation.
func (o *Orchestrator) teardown(r *run, h *Handle) {
	if h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.TeardownGrace())
	defer cancel()

	if err := o.isolator.Destroy(ctx, h); err != nil {
		r.logger.Warn("failed to destroy isolation unit",
			zap.String("handle_id", h.ID),
			zap.Error(err))
	}
}

// Languages lists the registered execution profiles.
func (o *Orchestrator) Languages() []registry.Profile {
	return o.registry.Languages()
}

// Shutdown stops accepting submissions and waits for in-flight runs.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closing.Store(true)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight executions: %w", ctx.Err())
	}
}
