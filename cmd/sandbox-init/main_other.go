//go:build !linux

package main

import (
	"fmt"
	"os"

	"github.com/isdmx/runbox/sandbox"
)

func main() {
	_, _ = fmt.Fprintln(os.Stderr, sandbox.HelperErrorPrefix+"only supported on linux")
	os.Exit(sandbox.HelperFailureExitCode)
}
