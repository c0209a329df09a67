//go:build linux

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Start launches one step inside the handle's scratch directory.
func (p *ProcessIsolator) Start(ctx context.Context, h *Handle, step Step, stdin []byte) (Process, error) {
	if len(step.Cmd) == 0 {
		return nil, errors.New("command is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd, initReq, err := p.buildCommand(h, step)
	if err != nil {
		return nil, err
	}

	var cg *cgroup
	if p.cgroupRoot != "" {
		cg, err = createStepCgroup(p.cgroupRoot, h.ID, step.Phase)
		if err != nil {
			return nil, err
		}
		h.onDestroy(cg.remove)
		if err := cg.apply(step.Limits); err != nil {
			return nil, fmt.Errorf("apply cgroup limits: %w", err)
		}
		fd, err := cg.open()
		if err != nil {
			return nil, fmt.Errorf("open cgroup: %w", err)
		}
		defer fd.Close()
		cmd.SysProcAttr.UseCgroupFD = true
		cmd.SysProcAttr.CgroupFD = int(fd.Fd())
	}

	proc := &linuxProcess{
		cmd:       cmd,
		cgroup:    cg,
		logger:    p.logger.With(zap.String("handle_id", h.ID), zap.String("phase", string(step.Phase))),
		stdout:    NewLimitedBuffer(step.Limits.OutputBytes),
		stderr:    NewLimitedBuffer(step.Limits.OutputBytes),
		cpuLimit:  cpuSeconds(step.Limits),
		helper:    initReq != nil,
		waitDelay: p.waitDelay,
	}
	if err := proc.start(initReq, stdin); err != nil {
		return nil, err
	}

	if !proc.helper {
		// the helper applies these itself before exec
		proc.applyRlimits()
	}
	if cg == nil {
		proc.tree = newProcessTree(proc.cmd.Process.Pid)
	}

	h.onDestroy(func(context.Context) error {
		proc.killAll()
		return nil
	})
	return proc, nil
}

func (p *ProcessIsolator) buildCommand(h *Handle, step Step) (*exec.Cmd, *InitRequest, error) {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	if p.helperPath == "" {
		//nolint:gosec // running submitted code is the purpose of the sandbox
		cmd := exec.Command(step.Cmd[0], step.Cmd[1:]...)
		cmd.Dir = h.Dir
		cmd.Env = stepEnv(h.Profile, h.Dir)
		if p.runAsUID >= 0 {
			attr.Credential = &syscall.Credential{Uid: uint32(p.runAsUID), Gid: uint32(p.runAsGID), NoSetGroups: true}
		}
		cmd.SysProcAttr = attr
		return cmd, nil, nil
	}

	workDir := h.Dir
	req := &InitRequest{
		Cmd:        step.Cmd,
		Namespaces: p.enableNamespaces,
		Rlimits: InitRlimits{
			CPUSeconds:    cpuSeconds(step.Limits),
			FileSizeBytes: maxWorkspaceFileBytes,
			OpenFiles:     maxOpenFiles,
		},
	}
	if p.enableNamespaces && h.Profile.RootFS != "" {
		workDir = WorkspaceDir
		req.RootFS = h.Profile.RootFS
		req.Mounts = []MountSpec{{Source: h.Dir, Target: WorkspaceDir}}
	}
	req.WorkDir = workDir
	req.Env = stepEnv(h.Profile, workDir)
	if p.enableSeccomp {
		req.Seccomp = &SeccompSpec{ProfilePath: p.seccompProfile}
	}

	if p.enableNamespaces {
		attr.Cloneflags = syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS |
			syscall.CLONE_NEWIPC | syscall.CLONE_NEWNET | syscall.CLONE_NEWUSER
		attr.GidMappingsEnableSetgroups = false
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}}
	} else if p.runAsUID >= 0 {
		attr.Credential = &syscall.Credential{Uid: uint32(p.runAsUID), Gid: uint32(p.runAsGID), NoSetGroups: true}
	}

	cmd := exec.Command(p.helperPath)
	cmd.Dir = h.Dir
	cmd.Env = []string{"PATH=" + defaultPath}
	cmd.SysProcAttr = attr
	return cmd, req, nil
}

// linuxProcess owns every pipe of the child so output draining can be bounded
// independently of exec.Cmd.
type linuxProcess struct {
	cmd    *exec.Cmd
	cgroup *cgroup
	tree   *processTree
	logger *zap.Logger

	stdout, stderr *LimitedBuffer
	readers        []*os.File
	drained        sync.WaitGroup

	pgid      int
	cpuLimit  uint64
	helper    bool
	waitDelay time.Duration
}

func (lp *linuxProcess) start(initReq *InitRequest, stdin []byte) error {
	var parentEnds, childEnds []*os.File
	closeAll := func(files []*os.File) {
		for _, f := range files {
			_ = f.Close()
		}
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll([]*os.File{stdoutR, stdoutW})
		return fmt.Errorf("create stderr pipe: %w", err)
	}
	parentEnds = append(parentEnds, stdoutR, stderrR)
	childEnds = append(childEnds, stdoutW, stderrW)
	lp.cmd.Stdout = stdoutW
	lp.cmd.Stderr = stderrW

	var stdinW *os.File
	if len(stdin) > 0 {
		var stdinR *os.File
		stdinR, stdinW, err = os.Pipe()
		if err != nil {
			closeAll(append(parentEnds, childEnds...))
			return fmt.Errorf("create stdin pipe: %w", err)
		}
		parentEnds = append(parentEnds, stdinW)
		childEnds = append(childEnds, stdinR)
		lp.cmd.Stdin = stdinR
	}

	var reqW *os.File
	var payload []byte
	if initReq != nil {
		payload, err = json.Marshal(initReq)
		if err != nil {
			closeAll(append(parentEnds, childEnds...))
			return fmt.Errorf("encode init request: %w", err)
		}
		var reqR *os.File
		reqR, reqW, err = os.Pipe()
		if err != nil {
			closeAll(append(parentEnds, childEnds...))
			return fmt.Errorf("create init pipe: %w", err)
		}
		parentEnds = append(parentEnds, reqW)
		childEnds = append(childEnds, reqR)
		lp.cmd.ExtraFiles = []*os.File{reqR}
	}

	if err := lp.cmd.Start(); err != nil {
		closeAll(append(parentEnds, childEnds...))
		return fmt.Errorf("start process: %w", err)
	}
	closeAll(childEnds)
	lp.pgid = lp.cmd.Process.Pid

	lp.readers = []*os.File{stdoutR, stderrR}
	lp.drain(stdoutR, lp.stdout)
	lp.drain(stderrR, lp.stderr)

	if reqW != nil {
		go writeAndClose(reqW, payload)
	}
	if stdinW != nil {
		go writeAndClose(stdinW, stdin)
	}
	return nil
}

func (lp *linuxProcess) drain(r *os.File, buf *LimitedBuffer) {
	lp.drained.Add(1)
	go func() {
		defer lp.drained.Done()
		_, _ = io.Copy(buf, r)
	}()
}

// writeAndClose feeds a pipe; EPIPE just means the child stopped reading.
func writeAndClose(w *os.File, data []byte) {
	_, _ = w.Write(data)
	_ = w.Close()
}

func (lp *linuxProcess) applyRlimits() {
	pid := lp.cmd.Process.Pid
	if lp.cpuLimit > 0 {
		lim := &unix.Rlimit{Cur: lp.cpuLimit, Max: lp.cpuLimit + 1}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, lim, nil); err != nil {
			lp.logger.Warn("failed to set cpu rlimit", zap.Error(err))
		}
	}
	fsize := &unix.Rlimit{Cur: maxWorkspaceFileBytes, Max: maxWorkspaceFileBytes}
	if err := unix.Prlimit(pid, unix.RLIMIT_FSIZE, fsize, nil); err != nil {
		lp.logger.Warn("failed to set file size rlimit", zap.Error(err))
	}
}

// Wait reaps the child, kills every descendant still alive and collects
// post-mortem accounting.
func (lp *linuxProcess) Wait() (Exit, error) {
	waitErr := lp.cmd.Wait()

	lp.killAll()
	lp.waitDrained()
	for _, r := range lp.readers {
		_ = r.Close()
	}

	exit := Exit{Stdout: lp.stdout, Stderr: lp.stderr}
	state := lp.cmd.ProcessState
	if state == nil {
		return exit, fmt.Errorf("wait for process: %w", waitErr)
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return exit, fmt.Errorf("wait for process: %w", waitErr)
	}

	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		exit.Signal = unix.SignalName(sig)
		exit.ExitCode = 128 + int(sig)
		exit.CPUExceeded = sig == syscall.SIGXCPU
	} else {
		exit.ExitCode = state.ExitCode()
	}

	if usage, ok := state.SysUsage().(*syscall.Rusage); ok {
		cpu := time.Duration(usage.Utime.Nano() + usage.Stime.Nano())
		if lp.cpuLimit > 0 && cpu >= time.Duration(lp.cpuLimit)*time.Second {
			exit.CPUExceeded = true
		}
		exit.PeakMemoryBytes = usage.Maxrss * 1024
	}

	if lp.cgroup != nil {
		if peak, err := lp.cgroup.memoryPeak(); err == nil && peak > 0 {
			exit.PeakMemoryBytes = peak
		}
		exit.OOMKilled = lp.cgroup.oomKilled()
	}

	if lp.helper && exit.ExitCode == HelperFailureExitCode && strings.HasPrefix(lp.stderr.String(), HelperErrorPrefix) {
		return exit, fmt.Errorf("sandbox helper failed: %s", strings.TrimSpace(lp.stderr.String()))
	}
	return exit, nil
}

// waitDrained bounds output draining: a descendant that escaped the process
// group may hold the pipes open.
func (lp *linuxProcess) waitDrained() {
	done := make(chan struct{})
	go func() {
		lp.drained.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(lp.waitDelay):
		lp.logger.Warn("output pipes still open after exit, closing")
		for _, r := range lp.readers {
			_ = r.Close()
		}
		<-done
	}
}

// Kill sends SIGKILL to the whole process group and to every member of the
// step cgroup, or without cgroups to every tracked descendant. Repeated calls
// are harmless.
func (lp *linuxProcess) Kill() error {
	lp.killGroup()
	if lp.cgroup != nil {
		return lp.cgroup.kill()
	}
	if lp.tree != nil {
		lp.tree.killAll(lp.logger)
	}
	return nil
}

func (lp *linuxProcess) killAll() {
	if err := lp.Kill(); err != nil {
		lp.logger.Warn("failed to kill step cgroup", zap.Error(err))
	}
}

func (lp *linuxProcess) killGroup() {
	if lp.pgid <= 0 {
		return
	}
	if err := unix.Kill(-lp.pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		lp.logger.Warn("failed to kill process group", zap.Int("pgid", lp.pgid), zap.Error(err))
	}
}

// MemoryUsage reads the cgroup charge, or without cgroups the resident set
// summed over the child and every descendant.
func (lp *linuxProcess) MemoryUsage() (int64, error) {
	if lp.cgroup != nil {
		return lp.cgroup.memoryCurrent()
	}
	_, rss, err := lp.tree.scan()
	return rss, err
}

// processTree follows the descendants of a step without cgroups. Members are
// the root, anything in its process group and the children of any member.
// Every member is remembered by pid and start time, so children that called
// setsid or were reparented after their parent exited are still found and
// killed.
type processTree struct {
	mu        sync.Mutex
	root      int
	rootStart uint64
	seen      map[int]uint64
}

func newProcessTree(root int) *processTree {
	t := &processTree{root: root, seen: make(map[int]uint64)}
	if p, err := procfs.NewProc(root); err == nil {
		if stat, err := p.Stat(); err == nil {
			t.rootStart = stat.Starttime
			t.seen[root] = stat.Starttime
		}
	}
	return t
}

// scan walks /proc once and returns the live members of the tree and their
// summed resident memory.
func (t *processTree) scan() ([]int, int64, error) {
	procs, err := procfs.AllProcs()
	if err != nil {
		return nil, 0, err
	}

	stats := make(map[int]procfs.ProcStat, len(procs))
	children := make(map[int][]int)
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			// exited between listing and reading
			continue
		}
		stats[stat.PID] = stat
		children[stat.PPID] = append(children[stat.PPID], stat.PID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var queue []int
	for pid, start := range t.seen {
		if stat, ok := stats[pid]; ok && stat.Starttime == start {
			queue = append(queue, pid)
		} else {
			delete(t.seen, pid)
		}
	}
	for pid, stat := range stats {
		// the group id outlives the root; a later start time rules out reuse
		if stat.PGRP == t.root && stat.Starttime >= t.rootStart {
			queue = append(queue, pid)
		}
	}

	var members []int
	var rss int64
	visited := make(map[int]bool, len(queue))
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		if visited[pid] {
			continue
		}
		visited[pid] = true

		stat := stats[pid]
		t.seen[pid] = stat.Starttime
		queue = append(queue, children[pid]...)
		if stat.State == "Z" {
			continue
		}
		members = append(members, pid)
		rss += int64(stat.ResidentMemory())
	}
	return members, rss, nil
}

// killAll sends SIGKILL to every live member until none is left. A member
// forking while it is being killed is picked up by the next pass.
func (t *processTree) killAll(logger *zap.Logger) {
	const maxPasses = 5
	for range maxPasses {
		members, _, err := t.scan()
		if err != nil {
			logger.Warn("failed to list descendants", zap.Error(err))
			return
		}
		if len(members) == 0 {
			return
		}
		for _, pid := range members {
			if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				logger.Warn("failed to kill descendant", zap.Int("pid", pid), zap.Error(err))
			}
		}
	}
}
