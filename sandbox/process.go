package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/registry"
)

const (
	defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	// maxWorkspaceFileBytes caps any single file the submitted code writes.
	maxWorkspaceFileBytes = 16 << 20
	maxOpenFiles          = 256
)

// ProcessIsolator runs each step as a host process confined by process groups,
// rlimits and, on Linux when configured, namespaces, cgroup v2 and seccomp.
type ProcessIsolator struct {
	logger *zap.Logger
	fs     FileSystem

	scratchRoot      string
	unconfined       bool
	helperPath       string
	enableNamespaces bool
	enableSeccomp    bool
	seccompProfile   string
	cgroupRoot       string
	runAsUID         int
	runAsGID         int
	waitDelay        time.Duration
}

// ProcessIsolatorOption defines a functional option for ProcessIsolator
type ProcessIsolatorOption func(*ProcessIsolator)

// WithProcessFileSystem sets the FileSystem for ProcessIsolator
func WithProcessFileSystem(fs FileSystem) ProcessIsolatorOption {
	return func(p *ProcessIsolator) {
		p.fs = fs
	}
}

// NewProcessIsolator creates a process isolator from the sandbox configuration.
func NewProcessIsolator(logger *zap.Logger, cfg *config.Config, opts ...ProcessIsolatorOption) (*ProcessIsolator, error) {
	sb := cfg.Sandbox
	if (sb.EnableNamespaces || sb.EnableSeccomp) && sb.HelperPath == "" {
		return nil, errors.New("namespaces and seccomp require sandbox.helper_path")
	}
	if err := cfg.CheckProcessConfinement(); err != nil {
		return nil, err
	}
	if sb.AllowUnconfined {
		logger.Warn("process backend is unconfined, submitted code shares the host filesystem and network",
			zap.Bool("namespaces", sb.EnableNamespaces),
			zap.Int("run_as_uid", sb.RunAsUID))
	}

	p := &ProcessIsolator{
		logger:           logger,
		fs:               &RealFileSystem{},
		scratchRoot:      sb.ScratchRoot,
		unconfined:       sb.AllowUnconfined,
		helperPath:       sb.HelperPath,
		enableNamespaces: sb.EnableNamespaces,
		enableSeccomp:    sb.EnableSeccomp,
		seccompProfile:   sb.SeccompProfile,
		cgroupRoot:       sb.CgroupRoot,
		runAsUID:         sb.RunAsUID,
		runAsGID:         sb.RunAsGID,
		waitDelay:        cfg.TeardownGrace(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Create allocates the scratch directory and writes the entry file. The
// directory is private to the user the steps run as.
func (p *ProcessIsolator) Create(_ context.Context, profile registry.Profile, code []byte) (*Handle, error) {
	if !p.unconfined && profile.RootFS == "" {
		return nil, fmt.Errorf("language %s has no root filesystem", profile.ID)
	}

	dir, err := createScratch(p.fs, p.scratchRoot, profile.FileName, code)
	if err != nil {
		return nil, err
	}

	if p.runAsUID >= 0 && !p.enableNamespaces {
		for _, path := range []string{dir, filepath.Join(dir, profile.FileName)} {
			if err := p.fs.Chown(path, p.runAsUID, p.runAsGID); err != nil {
				_ = p.fs.RemoveAll(dir)
				return nil, fmt.Errorf("failed to hand scratch dir to sandbox user: %w", err)
			}
		}
	}

	h := &Handle{
		ID:        uuid.NewString(),
		Dir:       dir,
		Profile:   profile,
		CreatedAt: time.Now(),
	}
	h.onDestroy(func(context.Context) error {
		if err := p.fs.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove scratch dir: %w", err)
		}
		return nil
	})
	return h, nil
}

// Destroy kills whatever survived the handle's steps and removes the scratch dir.
// Every cleanup runs even if an earlier one fails.
func (p *ProcessIsolator) Destroy(ctx context.Context, h *Handle) error {
	return runCleanup(ctx, h)
}

// runCleanup runs cleanups in reverse registration order.
func runCleanup(ctx context.Context, h *Handle) error {
	var errs []error
	for i := len(h.cleanup) - 1; i >= 0; i-- {
		if err := h.cleanup[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	h.cleanup = nil
	return errors.Join(errs...)
}

// stepEnv is the clean environment of a step: profile variables plus a fixed
// PATH and a HOME inside the workspace.
func stepEnv(profile registry.Profile, workDir string) []string {
	env := []string{
		"PATH=" + defaultPath,
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
		"LANG=C.UTF-8",
	}
	return append(env, profile.EnvList()...)
}

// cpuSeconds derives the RLIMIT_CPU backstop from the wall timeout.
func cpuSeconds(l Limits) uint64 {
	if l.Timeout <= 0 {
		return 0
	}
	return uint64((l.Timeout+time.Second-1)/time.Second) + 1
}
