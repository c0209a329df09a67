package sandbox

import (
	"context"
	"os"
	"time"

	"github.com/isdmx/runbox/registry"
)

// Request is one submission of source code for execution.
// Zero TimeoutMillis or MemoryLimitBytes select the language defaults.
type Request struct {
	Code             []byte
	Language         string
	Stdin            []byte
	TimeoutMillis    int64
	MemoryLimitBytes int64
}

// Status is the classification of a finished execution.
type Status int

const (
	StatusSuccess Status = iota
	StatusRuntimeError
	StatusCompileError
	StatusTimeout
	StatusResourceExceeded
	StatusInternalFailure
)

var statusNames = map[Status]string{
	StatusSuccess:          "SUCCESS",
	StatusRuntimeError:     "RUNTIME_ERROR",
	StatusCompileError:     "COMPILE_ERROR",
	StatusTimeout:          "TIMEOUT",
	StatusResourceExceeded: "RESOURCE_EXCEEDED",
	StatusInternalFailure:  "INTERNAL_FAILURE",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result is the outcome of one accepted request.
type Result struct {
	RunID           string `json:"run_id"`
	Status          Status `json:"status"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	Truncated       bool   `json:"truncated"`
	ErrorMessage    string `json:"error_message,omitempty"`
	DurationMillis  int64  `json:"duration_ms"`
	CompileMillis   int64  `json:"compile_ms,omitempty"`
	PeakMemoryBytes int64  `json:"peak_memory_bytes"`
	ExitCode        *int   `json:"exit_code,omitempty"`
}

// Executor is the boundary consumed by callers of the sandbox core.
type Executor interface {
	Submit(ctx context.Context, req Request) (Result, error)
}

// Limits bounds one governed step.
type Limits struct {
	Timeout     time.Duration
	MemoryBytes int64
	OutputBytes int64
	CPUQuota    float64
	PIDs        int64
}

// Phase names the step of a run.
type Phase string

const (
	PhaseCompile Phase = "compile"
	PhaseRun     Phase = "run"
)

// Step is one process launch inside an isolation unit.
type Step struct {
	Phase  Phase
	Cmd    []string
	Limits Limits
}

// Exit is the raw outcome of a step as observed by the isolator.
type Exit struct {
	ExitCode        int
	Signal          string
	OOMKilled       bool
	CPUExceeded     bool
	PeakMemoryBytes int64
	Stdout          *LimitedBuffer
	Stderr          *LimitedBuffer
}

// Handle is one disposable isolation unit. It is owned by a single run.
type Handle struct {
	ID        string
	Dir       string
	Profile   registry.Profile
	CreatedAt time.Time

	// backend-private teardown state
	cleanup []func(ctx context.Context) error
}

func (h *Handle) onDestroy(fn func(ctx context.Context) error) {
	h.cleanup = append(h.cleanup, fn)
}

// Process is a launched step.
type Process interface {
	// Wait blocks until the process tree has exited and its output is drained.
	Wait() (Exit, error)
	// Kill terminates the process tree. Repeated calls are no-ops.
	Kill() error
	// MemoryUsage samples current memory usage in bytes.
	MemoryUsage() (int64, error)
}

// Isolator creates, runs and destroys isolation units.
type Isolator interface {
	Create(ctx context.Context, profile registry.Profile, code []byte) (*Handle, error)
	Start(ctx context.Context, h *Handle, step Step, stdin []byte) (Process, error)
	Destroy(ctx context.Context, h *Handle) error
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	Chmod(path string, perm os.FileMode) error
	Chown(path string, uid, gid int) error
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) Chmod(path string, perm os.FileMode) error {
	return os.Chmod(path, perm)
}

func (RealFileSystem) Chown(path string, uid, gid int) error {
	return os.Chown(path, uid, gid)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// File permission constants
const (
	DirPermission  = 0o755
	FilePermission = 0o644
	// ScratchPermission keeps a run's host scratch directory private to its owner.
	ScratchPermission = 0o700
	// WorkspacePermission is the mode of workspace directories inside a
	// single-run container, writable by the unprivileged container user.
	WorkspacePermission = 0o777
	// ScratchPrefix names every scratch directory under the scratch root.
	ScratchPrefix = "runbox-"
)
