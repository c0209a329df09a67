package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/isdmx/runbox/config"
)

// AdmissionPolicy decides what happens when every slot is taken.
type AdmissionPolicy string

const (
	// PolicyBlock queues the request for at most the configured queue wait.
	PolicyBlock AdmissionPolicy = config.PolicyBlock
	// PolicyFailFast rejects the request immediately.
	PolicyFailFast AdmissionPolicy = config.PolicyFailFast
)

// Admission bounds the number of concurrent executions with a fixed slot pool.
type Admission struct {
	sem      *semaphore.Weighted
	capacity int64
	policy   AdmissionPolicy
	maxWait  time.Duration
	maxDepth int64

	inUse   atomic.Int64
	waiting atomic.Int64
}

// Slot is a capacity token. Release returns it to the pool exactly once.
type Slot struct {
	adm      *Admission
	once     sync.Once
	QueuedAt time.Time
	Admitted time.Time
}

// NewAdmission creates an admission controller. A zero maxDepth leaves the
// queue unbounded; a zero maxWait with PolicyBlock waits only on ctx.
func NewAdmission(capacity int, policy AdmissionPolicy, maxWait time.Duration, maxDepth int) (*Admission, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("admission capacity must be positive, got: %d", capacity)
	}
	if policy != PolicyBlock && policy != PolicyFailFast {
		return nil, fmt.Errorf("unknown admission policy: %s", policy)
	}
	return &Admission{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
		policy:   policy,
		maxWait:  maxWait,
		maxDepth: int64(maxDepth),
	}, nil
}

// NewAdmissionFromConfig builds the admission controller from the sandbox section
func NewAdmissionFromConfig(cfg *config.Config) (*Admission, error) {
	return NewAdmission(
		cfg.Sandbox.MaxConcurrent,
		AdmissionPolicy(cfg.Sandbox.AdmissionPolicy),
		cfg.QueueWait(),
		cfg.Sandbox.MaxQueueDepth,
	)
}

// Acquire obtains a slot or fails with ErrOverloaded (backpressure) or
// ErrCanceled (caller gave up).
func (a *Admission) Acquire(ctx context.Context) (*Slot, error) {
	queuedAt := time.Now()

	if a.sem.TryAcquire(1) {
		return a.grant(queuedAt), nil
	}

	if a.policy == PolicyFailFast {
		return nil, overloaded(fmt.Sprintf("all %d execution slots are busy", a.capacity))
	}

	if depth := a.waiting.Add(1); a.maxDepth > 0 && depth > a.maxDepth {
		a.waiting.Add(-1)
		return nil, overloaded(fmt.Sprintf("admission queue is full (%d waiting)", a.maxDepth))
	}
	defer a.waiting.Add(-1)

	waitCtx := ctx
	if a.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, a.maxWait)
		defer cancel()
	}

	if err := a.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, canceled(ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, overloaded(fmt.Sprintf("no execution slot freed within %s", a.maxWait))
		}
		return nil, canceled(err)
	}
	return a.grant(queuedAt), nil
}

func (a *Admission) grant(queuedAt time.Time) *Slot {
	a.inUse.Add(1)
	return &Slot{adm: a, QueuedAt: queuedAt, Admitted: time.Now()}
}

// Release returns the slot to the pool. Extra calls are no-ops.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.adm.inUse.Add(-1)
		s.adm.sem.Release(1)
	})
}

// QueueWait returns how long the request waited for its slot.
func (s *Slot) QueueWait() time.Duration {
	return s.Admitted.Sub(s.QueuedAt)
}

// Capacity returns the pool size.
func (a *Admission) Capacity() int {
	return int(a.capacity)
}

// InUse returns the number of slots currently held.
func (a *Admission) InUse() int {
	return int(a.inUse.Load())
}

// Waiting returns the number of requests queued for a slot.
func (a *Admission) Waiting() int {
	return int(a.waiting.Load())
}
