// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes the
// sandbox to MCP clients. It uses the mark3labs/mcp-go library to handle the
// protocol details and registers two tools:
//
//   - execute_code submits code to the sandbox and returns the JSON result
//   - list_languages returns the supported languages and their limits
//
// Rejections (unsupported language, invalid limits, overload, cancellation)
// come back as tool errors prefixed with their kind, for example
// "OVERLOADED: ...", so clients can retry backpressure and fix bad input.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, orchestrator, registry)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
