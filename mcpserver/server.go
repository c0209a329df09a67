// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/registry"
	"github.com/isdmx/runbox/sandbox"
)

const (
	ToolExecuteCode   = "execute_code"
	ToolListLanguages = "list_languages"

	serverName    = "runbox"
	serverVersion = "1.0.0"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	executor  sandbox.Executor
	registry  *registry.Registry
	mcpServer *server.MCPServer

	mu         sync.Mutex
	httpServer *server.StreamableHTTPServer
}

// LanguageInfo is one entry of the list_languages response.
type LanguageInfo struct {
	ID                 string   `json:"id"`
	Aliases            []string `json:"aliases,omitempty"`
	Compiled           bool     `json:"compiled"`
	DefaultTimeoutMs   int64    `json:"default_timeout_ms"`
	MaxTimeoutMs       int64    `json:"max_timeout_ms"`
	DefaultMemoryBytes int64    `json:"default_memory_bytes"`
	MaxMemoryBytes     int64    `json:"max_memory_bytes"`
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, executor sandbox.Executor, reg *registry.Registry) (*MCPServer, error) {
	if executor == nil {
		return nil, errors.New("executor is required")
	}

	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		executor: executor,
		registry: reg,
	}

	profiles := reg.Languages()
	languages := make([]string, 0, len(profiles))
	for _, p := range profiles {
		languages = append(languages, p.ID)
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.Int("sandbox.max_concurrent", cfg.Sandbox.MaxConcurrent),
		zap.String("sandbox.admission_policy", cfg.Sandbox.AdmissionPolicy),
		zap.Int64("sandbox.max_code_bytes", cfg.Sandbox.MaxCodeBytes),
		zap.Int64("sandbox.max_output_bytes", cfg.Sandbox.MaxOutputBytes),
		zap.Int64("sandbox.max_memory_bytes", cfg.Sandbox.MaxMemoryBytes),
		zap.Strings("languages", languages),
	)

	s.mcpServer = server.NewMCPServer(serverName, serverVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	s.registerExecuteCodeTool(languages)
	s.registerListLanguagesTool()

	return s, nil
}

func (s *MCPServer) registerExecuteCodeTool(languages []string) {
	tool := mcp.NewTool(ToolExecuteCode,
		mcp.WithDescription("Execute untrusted code in an isolated, time- and memory-bounded sandbox"),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("Source code to execute"),
		),
		mcp.WithString("language",
			mcp.Required(),
			mcp.Description(fmt.Sprintf("Language identifier or alias, one of: %v", languages)),
		),
		mcp.WithString("stdin",
			mcp.Description("Data written to the program's standard input"),
		),
		mcp.WithNumber("timeout_ms",
			mcp.Description("Wall-clock limit in milliseconds; the language default applies when omitted"),
		),
		mcp.WithNumber("memory_limit_bytes",
			mcp.Description("Memory ceiling in bytes; the language default applies when omitted"),
		),
	)

	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

func (s *MCPServer) registerListLanguagesTool() {
	tool := mcp.NewTool(ToolListLanguages,
		mcp.WithDescription("List the supported languages with their limits"),
	)

	s.mcpServer.AddTool(tool, s.handleListLanguages)
}

// handleExecuteCode handles the execute_code tool
func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: code parameter is required", sandbox.KindValidation)), nil
	}

	language, err := request.RequireString("language")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: language parameter is required", sandbox.KindValidation)), nil
	}

	timeoutMillis, err := optionalCount(request, "timeout_ms")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", sandbox.KindValidation, err)), nil
	}

	memoryLimit, err := optionalCount(request, "memory_limit_bytes")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", sandbox.KindValidation, err)), nil
	}

	req := sandbox.Request{
		Code:             []byte(code),
		Language:         language,
		Stdin:            []byte(request.GetString("stdin", "")),
		TimeoutMillis:    timeoutMillis,
		MemoryLimitBytes: memoryLimit,
	}

	s.logger.Info("code execution requested",
		zap.String("language", language),
		zap.Int("code_len", len(req.Code)),
		zap.Int("stdin_len", len(req.Stdin)),
		zap.Int64("timeout_ms", req.TimeoutMillis))

	result, err := s.executor.Submit(ctx, req)
	if err != nil {
		s.logger.Info("code execution rejected",
			zap.String("language", language),
			zap.String("kind", string(sandbox.KindOf(err))),
			zap.Error(err))
		return mcp.NewToolResultError(rejectionMessage(err)), nil
	}

	s.logger.Info("code execution completed",
		zap.String("run_id", result.RunID),
		zap.String("language", language),
		zap.Stringer("status", result.Status),
		zap.Int("stdout_len", len(result.Stdout)),
		zap.Int("stderr_len", len(result.Stderr)))

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(resultJSON)), nil
}

// handleListLanguages handles the list_languages tool
func (s *MCPServer) handleListLanguages(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	profiles := s.registry.Languages()
	infos := make([]LanguageInfo, 0, len(profiles))
	for _, p := range profiles {
		infos = append(infos, LanguageInfo{
			ID:                 p.ID,
			Aliases:            p.Aliases,
			Compiled:           p.Compiled(),
			DefaultTimeoutMs:   p.DefaultTimeout.Milliseconds(),
			MaxTimeoutMs:       p.MaxTimeout.Milliseconds(),
			DefaultMemoryBytes: p.DefaultMemory,
			MaxMemoryBytes:     p.MaxMemory,
		})
	}

	data, err := json.Marshal(infos)
	if err != nil {
		return nil, fmt.Errorf("failed to encode languages: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// optionalCount reads a non-negative integer argument. An absent argument is
// zero; fractions, negatives and values beyond int64 are rejected rather than
// rounded into a different limit.
func optionalCount(request mcp.CallToolRequest, name string) (int64, error) {
	if raw, ok := request.GetArguments()[name]; !ok || raw == nil {
		return 0, nil
	}

	v, err := request.RequireFloat(name)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) || v < 0 || v >= math.MaxInt64 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %v", name, v)
	}
	return int64(v), nil
}

// rejectionMessage prefixes the error with its kind so clients can tell
// backpressure from bad input without parsing prose.
func rejectionMessage(err error) string {
	var se *sandbox.Error
	if errors.As(err, &se) {
		return se.Error()
	}
	return fmt.Sprintf("%s: %v", sandbox.KindInternal, err)
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// Shutdown stops the HTTP transport. Stdio stops when its input closes.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()

	if httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
