//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// cgroup is a per-step cgroup v2 leaf under the configured root.
type cgroup struct {
	path string
}

func createStepCgroup(root, handleID string, phase Phase) (*cgroup, error) {
	if root == "" {
		return nil, errors.New("cgroup root is required")
	}
	path := filepath.Join(root, fmt.Sprintf("%s%s-%s", ScratchPrefix, handleID, phase))
	if err := os.Mkdir(path, 0o750); err != nil {
		return nil, fmt.Errorf("create cgroup path: %w", err)
	}
	return &cgroup{path: path}, nil
}

func (c *cgroup) apply(limits Limits) error {
	pids := "max"
	if limits.PIDs > 0 {
		pids = strconv.FormatInt(limits.PIDs, 10)
	}
	if err := c.write("pids.max", pids); err != nil {
		return err
	}

	if limits.MemoryBytes > 0 {
		if err := c.write("memory.max", strconv.FormatInt(limits.MemoryBytes, 10)); err != nil {
			return err
		}
		// absent when swap accounting is off
		if err := c.write("memory.swap.max", "0"); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	cpu := "max 100000"
	if limits.CPUQuota > 0 {
		cpu = fmt.Sprintf("%d 100000", int64(limits.CPUQuota*100000))
	}
	return c.write("cpu.max", cpu)
}

// open returns a directory descriptor for SysProcAttr.CgroupFD.
func (c *cgroup) open() (*os.File, error) {
	return os.Open(c.path)
}

func (c *cgroup) kill() error {
	err := c.write("cgroup.kill", "1")
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (c *cgroup) memoryCurrent() (int64, error) {
	return c.readInt("memory.current")
}

func (c *cgroup) memoryPeak() (int64, error) {
	return c.readInt("memory.peak")
}

func (c *cgroup) oomKilled() bool {
	data, err := os.ReadFile(filepath.Join(c.path, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 || fields[0] != "oom_kill" {
			continue
		}
		val, _ := strconv.ParseInt(fields[1], 10, 64)
		return val > 0
	}
	return false
}

// remove kills the members and removes the leaf, retrying while the kernel
// finishes reaping.
func (c *cgroup) remove(ctx context.Context) error {
	if err := c.kill(); err != nil {
		return fmt.Errorf("kill cgroup: %w", err)
	}
	for {
		err := os.Remove(c.path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("remove cgroup %s: %w", c.path, err)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (c *cgroup) readInt(name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(c.path, name))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func (c *cgroup) write(name, value string) error {
	return os.WriteFile(filepath.Join(c.path, name), []byte(value), 0o640)
}
