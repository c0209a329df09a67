package sandbox

import (
	"fmt"
	"time"
)

// Outcome is everything the classifier needs about one run.
type Outcome struct {
	Phase   Phase
	Verdict Verdict
	Exit    Exit
	// Internal is set when the orchestration itself failed.
	Internal error

	Limits          Limits
	Duration        time.Duration
	CompileDuration time.Duration
	PeakMemoryBytes int64
}

// Classify maps a raw outcome to a Result. Evaluation order:
// internal fault, timeout, resource breach, compile failure, runtime failure, success.
func Classify(o Outcome) Result {
	res := Result{
		DurationMillis:  o.Duration.Milliseconds(),
		CompileMillis:   o.CompileDuration.Milliseconds(),
		PeakMemoryBytes: o.PeakMemoryBytes,
	}

	if o.Internal != nil {
		res.Status = StatusInternalFailure
		res.ErrorMessage, _ = truncateString(o.Internal.Error(), o.Limits.OutputBytes)
		return res
	}

	captureOutput(&res, o.Exit)

	switch o.Verdict {
	case VerdictTimeout:
		res.Status = StatusTimeout
		res.ErrorMessage = fmt.Sprintf("%s phase exceeded the time limit of %d ms", o.Phase, o.Limits.Timeout.Milliseconds())
		return res
	case VerdictResourceExceeded:
		res.Status = StatusResourceExceeded
		res.ErrorMessage = resourceMessage(o)
		return res
	case VerdictCanceled:
		res.Status = StatusInternalFailure
		res.ErrorMessage = "execution canceled before completion"
		return res
	}

	code := o.Exit.ExitCode
	res.ExitCode = &code

	failed := code != 0 || o.Exit.Signal != ""
	switch {
	case failed && o.Phase == PhaseCompile:
		res.Status = StatusCompileError
		res.ErrorMessage = res.Stderr
		if res.ErrorMessage == "" {
			res.ErrorMessage = res.Stdout
		}
	case failed:
		res.Status = StatusRuntimeError
		res.ErrorMessage = res.Stderr
		if o.Exit.Signal != "" {
			res.ErrorMessage = fmt.Sprintf("terminated by signal %s\n%s", o.Exit.Signal, res.Stderr)
		}
	default:
		res.Status = StatusSuccess
	}
	return res
}

func captureOutput(res *Result, exit Exit) {
	if exit.Stdout != nil {
		res.Stdout = exit.Stdout.String()
		res.Truncated = res.Truncated || exit.Stdout.Truncated()
	}
	if exit.Stderr != nil {
		res.Stderr = exit.Stderr.String()
		res.Truncated = res.Truncated || exit.Stderr.Truncated()
	}
}

func resourceMessage(o Outcome) string {
	switch {
	case o.Exit.CPUExceeded:
		return fmt.Sprintf("%s phase exceeded the CPU time limit", o.Phase)
	case o.Limits.MemoryBytes > 0:
		return fmt.Sprintf("%s phase exceeded the memory limit of %d bytes", o.Phase, o.Limits.MemoryBytes)
	default:
		return fmt.Sprintf("%s phase exceeded a resource limit", o.Phase)
	}
}
