//go:build linux

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"

	"github.com/isdmx/runbox/sandbox"
)

// deniedSyscalls is the built-in filter used when no profile is configured.
var deniedSyscalls = []string{
	"ptrace",
	"mount",
	"umount2",
	"reboot",
	"kexec_load",
	"init_module",
	"finit_module",
	"delete_module",
	"swapon",
	"swapoff",
	"pivot_root",
	"unshare",
	"setns",
	"bpf",
	"perf_event_open",
	"keyctl",
	"add_key",
	"request_key",
}

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, sandbox.HelperErrorPrefix+err.Error())
		os.Exit(sandbox.HelperFailureExitCode)
	}
}

func run() error {
	reqFile := os.NewFile(uintptr(sandbox.InitRequestFD), "init-request")
	if reqFile == nil {
		return errors.New("init request descriptor is missing")
	}
	req, err := decodeRequest(reqFile)
	_ = reqFile.Close()
	if err != nil {
		return err
	}
	if err := validateRequest(req); err != nil {
		return err
	}

	if req.Namespaces {
		if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
			return fmt.Errorf("make mount private: %w", err)
		}
		if err := applyMounts(req.RootFS, req.Mounts); err != nil {
			return err
		}
		if req.RootFS != "" {
			if err := unix.Chroot(req.RootFS); err != nil {
				return fmt.Errorf("chroot: %w", err)
			}
			if err := os.Chdir("/"); err != nil {
				return fmt.Errorf("chdir root: %w", err)
			}
		}
	} else if req.RootFS != "" || len(req.Mounts) > 0 {
		return errors.New("rootfs and mounts require namespaces")
	}

	if err := os.Chdir(req.WorkDir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}

	if err := applyRlimits(req.Rlimits); err != nil {
		return err
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}

	// PATH lookup must happen before the filter is loaded and the env replaced.
	cmdPath, err := lookPath(req.Cmd[0], req.Env)
	if err != nil {
		return err
	}

	if req.Seccomp != nil {
		if err := applySeccomp(req.Seccomp.ProfilePath); err != nil {
			return err
		}
	}

	return unix.Exec(cmdPath, req.Cmd, req.Env)
}

func decodeRequest(r io.Reader) (sandbox.InitRequest, error) {
	var req sandbox.InitRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return sandbox.InitRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func validateRequest(req sandbox.InitRequest) error {
	if len(req.Cmd) == 0 {
		return errors.New("command is required")
	}
	if req.WorkDir == "" {
		return errors.New("work dir is required")
	}
	return nil
}

func lookPath(name string, env []string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	for _, kv := range env {
		if path, ok := strings.CutPrefix(kv, "PATH="); ok {
			if err := os.Setenv("PATH", path); err != nil {
				return "", fmt.Errorf("set PATH: %w", err)
			}
			break
		}
	}
	resolved, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("resolve command: %w", err)
	}
	return resolved, nil
}

func applyMounts(rootfs string, mounts []sandbox.MountSpec) error {
	if rootfs != "" {
		// bind the rootfs onto itself so it can be remounted read-only
		if err := unix.Mount(rootfs, rootfs, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind rootfs: %w", err)
		}
		if err := unix.Mount("", rootfs, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
			return fmt.Errorf("remount rootfs readonly: %w", err)
		}
	}

	for _, m := range mounts {
		if m.Source == "" || m.Target == "" {
			return errors.New("invalid mount spec")
		}
		target := m.Target
		if rootfs != "" {
			target = filepath.Join(rootfs, m.Target)
		}
		if err := ensureMountTarget(m.Source, target); err != nil {
			return err
		}
		if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind mount %s: %w", m.Target, err)
		}
		if m.ReadOnly {
			if err := unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
				return fmt.Errorf("remount %s readonly: %w", m.Target, err)
			}
		}
	}

	if rootfs != "" {
		procPath := filepath.Join(rootfs, "proc")
		if err := unix.Mount("proc", procPath, "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil && !errors.Is(err, unix.EBUSY) {
			return fmt.Errorf("mount proc: %w", err)
		}
	}
	return nil
}

// ensureMountTarget checks the target exists. The rootfs is read-only by now,
// so targets have to be part of the image.
func ensureMountTarget(source, target string) error {
	if _, err := os.Stat(source); err != nil {
		return fmt.Errorf("stat mount source: %w", err)
	}
	if _, err := os.Stat(target); err != nil {
		return fmt.Errorf("mount target %s: %w", target, err)
	}
	return nil
}

func applyRlimits(limits sandbox.InitRlimits) error {
	set := []struct {
		name     string
		resource int
		value    uint64
	}{
		{"cpu", unix.RLIMIT_CPU, limits.CPUSeconds},
		{"fsize", unix.RLIMIT_FSIZE, limits.FileSizeBytes},
		{"stack", unix.RLIMIT_STACK, limits.StackBytes},
		{"nofile", unix.RLIMIT_NOFILE, limits.OpenFiles},
	}
	for _, l := range set {
		if l.value == 0 {
			continue
		}
		if err := unix.Setrlimit(l.resource, &unix.Rlimit{Cur: l.value, Max: l.value}); err != nil {
			return fmt.Errorf("set rlimit %s: %w", l.name, err)
		}
	}
	return nil
}

func applySeccomp(profilePath string) error {
	filter, err := buildFilter(profilePath)
	if err != nil {
		return err
	}
	defer filter.Release()

	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}

func buildFilter(profilePath string) (*seccomp.ScmpFilter, error) {
	if profilePath == "" {
		return denyListFilter()
	}

	data, err := os.ReadFile(profilePath)
	if err != nil {
		return nil, fmt.Errorf("read seccomp profile: %w", err)
	}
	var cfg seccompConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse seccomp profile: %w", err)
	}
	defaultAction, err := parseSeccompAction(cfg.DefaultAction)
	if err != nil {
		return nil, err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return nil, fmt.Errorf("create seccomp filter: %w", err)
	}
	for _, rule := range cfg.Syscalls {
		action, err := parseSeccompAction(rule.Action)
		if err != nil {
			filter.Release()
			return nil, err
		}
		for _, name := range rule.Names {
			if err := addRule(filter, name, action); err != nil {
				filter.Release()
				return nil, err
			}
		}
	}
	return filter, nil
}

func denyListFilter() (*seccomp.ScmpFilter, error) {
	filter, err := seccomp.NewFilter(seccomp.ActAllow)
	if err != nil {
		return nil, fmt.Errorf("create seccomp filter: %w", err)
	}
	deny := seccomp.ActErrno.SetReturnCode(int16(unix.EPERM))
	for _, name := range deniedSyscalls {
		if err := addRule(filter, name, deny); err != nil {
			filter.Release()
			return nil, err
		}
	}
	return filter, nil
}

func addRule(filter *seccomp.ScmpFilter, name string, action seccomp.ScmpAction) error {
	call, err := seccomp.GetSyscallFromName(name)
	if err != nil {
		// not present on this architecture
		return nil
	}
	if err := filter.AddRule(call, action); err != nil {
		return fmt.Errorf("add seccomp rule %s: %w", name, err)
	}
	return nil
}

type seccompConfig struct {
	DefaultAction string           `json:"defaultAction"`
	Syscalls      []seccompSyscall `json:"syscalls"`
}

type seccompSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

func parseSeccompAction(action string) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case "SCMP_ACT_ALLOW":
		return seccomp.ActAllow, nil
	case "SCMP_ACT_ERRNO":
		return seccomp.ActErrno.SetReturnCode(int16(unix.EPERM)), nil
	case "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return seccomp.ActKillProcess, nil
	default:
		return seccomp.ActKillProcess, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}
