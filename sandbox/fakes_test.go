package sandbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/isdmx/runbox/registry"
)

// fakeProcess is a scripted Process. A negative runFor keeps it alive until killed.
type fakeProcess struct {
	exit    Exit
	runFor  time.Duration
	waitErr error
	noProbe bool

	memory   atomic.Int64
	kills    atomic.Int32
	killed   chan struct{}
	killOnce sync.Once
}

func newFakeProcess(exit Exit, runFor time.Duration) *fakeProcess {
	return &fakeProcess{exit: exit, runFor: runFor, killed: make(chan struct{})}
}

func (p *fakeProcess) Wait() (Exit, error) {
	var done <-chan time.Time
	if p.runFor >= 0 {
		timer := time.NewTimer(p.runFor)
		defer timer.Stop()
		done = timer.C
	}

	select {
	case <-done:
		return p.exit, p.waitErr
	case <-p.killed:
		exit := p.exit
		exit.ExitCode = 137
		exit.Signal = "SIGKILL"
		return exit, nil
	}
}

func (p *fakeProcess) Kill() error {
	p.kills.Add(1)
	p.killOnce.Do(func() { close(p.killed) })
	return nil
}

func (p *fakeProcess) MemoryUsage() (int64, error) {
	if p.noProbe {
		return 0, ErrProbeUnsupported
	}
	return p.memory.Load(), nil
}

// fakeIsolator records the lifecycle of every handle it hands out.
type fakeIsolator struct {
	mu        sync.Mutex
	createErr error
	startErr  error
	panicOn   Phase
	script    func(step Step) *fakeProcess

	steps     []Step
	stdins    [][]byte
	created   int
	destroyed int
	nextID    int

	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeIsolator) Create(ctx context.Context, profile registry.Profile, _ []byte) (*Handle, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.created++
	f.nextID++
	id := f.nextID
	f.mu.Unlock()

	n := f.active.Add(1)
	for {
		cur := f.maxActive.Load()
		if n <= cur || f.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}

	return &Handle{
		ID:        fmt.Sprintf("fake-%d", id),
		Dir:       "/tmp/fake",
		Profile:   profile,
		CreatedAt: time.Now(),
	}, nil
}

func (f *fakeIsolator) Start(_ context.Context, _ *Handle, step Step, stdin []byte) (Process, error) {
	f.mu.Lock()
	f.steps = append(f.steps, step)
	f.stdins = append(f.stdins, stdin)
	f.mu.Unlock()

	if f.panicOn != "" && f.panicOn == step.Phase {
		panic("isolator exploded")
	}
	if f.startErr != nil {
		return nil, f.startErr
	}
	if f.script != nil {
		return f.script(step), nil
	}
	return newFakeProcess(Exit{ExitCode: 0, Stdout: bufferWith(1024, "ok\n")}, 0), nil
}

func (f *fakeIsolator) Destroy(_ context.Context, _ *Handle) error {
	f.mu.Lock()
	f.destroyed++
	f.mu.Unlock()
	f.active.Add(-1)
	return nil
}

func (f *fakeIsolator) counts() (created, destroyed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.destroyed
}

func (f *fakeIsolator) phases() []Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Phase, 0, len(f.steps))
	for _, s := range f.steps {
		out = append(out, s.Phase)
	}
	return out
}
