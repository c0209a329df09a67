// Package sandbox provides secure code execution capabilities.
//
// The sandbox package implements the execution engine for running untrusted
// code in isolated environments. A submission is resolved against the
// language registry, validated, admitted through a bounded slot pool, and then
// driven by the Orchestrator through a fixed state machine:
//
//	queued -> admitted -> preparing -> running -> finalizing -> completed|failed
//
// Each run gets its own isolation unit from an Isolator (host processes on
// Linux, or one container per step with Docker or Podman). A Governor bounds
// every step in wall time and memory, and the Classify function turns the raw
// outcome into a Result. Teardown of the isolation unit happens on every path,
// including caller cancellation and panics.
//
// Rejections (unsupported language, invalid limits, overload, cancellation)
// are returned as *Error; everything else, including infrastructure failures,
// is reported in the Result status.
//
// Usage:
//
//	iso, err := sandbox.NewIsolator(logger, cfg)
//	adm, err := sandbox.NewAdmissionFromConfig(cfg)
//	orch := sandbox.NewOrchestrator(logger, cfg, reg, iso, adm)
//	result, err := orch.Submit(ctx, sandbox.Request{
//	    Language: "python",
//	    Code:     []byte("print('Hello, World!')"),
//	})
package sandbox
