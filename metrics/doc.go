// Package metrics exposes execution telemetry in the Prometheus format.
//
// Metrics implements sandbox.Recorder, so the orchestrator feeds it directly,
// and reads admission occupancy on every scrape. Server serves the registry
// over HTTP next to a health endpoint.
//
// Usage:
//
//	m := metrics.New(admission)
//	orch := sandbox.NewOrchestrator(logger, cfg, reg, iso, admission, sandbox.WithRecorder(m))
//	srv := metrics.NewServer(logger, cfg, m)
//	err := srv.Start()
package metrics
