// Package main is the entry point for the runbox MCP server.
//
// The runbox server executes untrusted code (JavaScript, Python, Java and any
// language added through configuration) in isolated, time- and
// memory-bounded sandboxes and exposes them through the Model Context
// Protocol over stdio or HTTP. Concurrency is bounded by an admission slot
// pool; excess requests queue for a bounded time or are rejected as
// overloaded.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging, viper for configuration and
// Prometheus for metrics.
package main
