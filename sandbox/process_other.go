//go:build !linux

package sandbox

import (
	"context"
	"errors"
)

// Start is only implemented on Linux, where process groups, rlimits and
// cgroups give the isolation the backend promises.
func (*ProcessIsolator) Start(context.Context, *Handle, Step, []byte) (Process, error) {
	return nil, errors.New("the process backend requires linux; use the docker or podman backend")
}
