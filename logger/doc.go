// Package logger provides structured logging capabilities.
//
// The logger package sets up and configures the application's logging
// system using zap. Every entry carries the service name, and run-scoped
// loggers carry the run id and language so the lifecycle of one execution
// can be followed across the orchestrator, governor and isolator.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    return err
//	}
//	runLog := logger.ForRun(log, runID, "python")
//	runLog.Info("execution completed", zap.Stringer("status", status))
package logger
