package main

import (
	"context"
	"io"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/mcpserver"
	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/registry"
	"github.com/isdmx/runbox/sandbox"
)

// pinger and preparer are implemented by the container isolator.
type pinger interface {
	Ping(ctx context.Context) error
}

type preparer interface {
	Prepare(ctx context.Context, profiles []registry.Profile) error
}

func newMetrics(adm *sandbox.Admission) *metrics.Metrics {
	return metrics.New(adm)
}

func newOrchestrator(
	log *zap.Logger,
	cfg *config.Config,
	reg *registry.Registry,
	iso sandbox.Isolator,
	adm *sandbox.Admission,
	m *metrics.Metrics,
) *sandbox.Orchestrator {
	return sandbox.NewOrchestrator(log, cfg, reg, iso, adm, sandbox.WithRecorder(m))
}

func asExecutor(o *sandbox.Orchestrator) sandbox.Executor {
	return o
}

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Language registry
			registry.NewFromConfig,

			// Isolation backend based on config
			sandbox.NewIsolator,

			// Execution pipeline
			sandbox.NewAdmissionFromConfig,
			newMetrics,
			newOrchestrator,
			asExecutor,

			// Servers
			metrics.NewServer,
			mcpserver.New,
		),

		fx.Invoke(registerLifecycle),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

type lifecycleParams struct {
	fx.In

	Lifecycle     fx.Lifecycle
	Shutdowner    fx.Shutdowner
	Config        *config.Config
	Logger        *zap.Logger
	Registry      *registry.Registry
	Isolator      sandbox.Isolator
	Orchestrator  *sandbox.Orchestrator
	MetricsServer *metrics.Server
	Server        *mcpserver.MCPServer
}

func registerLifecycle(p lifecycleParams) {
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if pg, ok := p.Isolator.(pinger); ok {
				if err := pg.Ping(ctx); err != nil {
					return err
				}
			}
			if pr, ok := p.Isolator.(preparer); ok && p.Config.Sandbox.PullImages {
				// images are also ensured lazily per run, so a slow pull must not block startup
				go func() {
					if err := pr.Prepare(context.Background(), p.Registry.Languages()); err != nil {
						p.Logger.Warn("failed to prepare language images", zap.Error(err))
					}
				}()
			}

			if p.Config.Server.MetricsPort > 0 {
				if err := p.MetricsServer.Start(); err != nil {
					return err
				}
			}

			go serve(p)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := p.Server.Shutdown(ctx); err != nil {
				p.Logger.Warn("failed to stop MCP server", zap.Error(err))
			}
			if err := p.Orchestrator.Shutdown(ctx); err != nil {
				p.Logger.Warn("in-flight executions did not finish", zap.Error(err))
			}
			if p.Config.Server.MetricsPort > 0 {
				if err := p.MetricsServer.Shutdown(ctx); err != nil {
					p.Logger.Warn("failed to stop metrics server", zap.Error(err))
				}
			}
			if c, ok := p.Isolator.(io.Closer); ok {
				return c.Close()
			}
			return nil
		},
	})
}

// serve runs the configured transport and stops the application when it ends.
func serve(p lifecycleParams) {
	var err error
	switch p.Config.Server.Transport {
	case "stdio":
		err = p.Server.ServeStdio()
	case "http":
		err = p.Server.ServeHTTP()
	}
	if err != nil {
		p.Logger.Error("MCP transport stopped", zap.Error(err))
	}
	if shutdownErr := p.Shutdowner.Shutdown(); shutdownErr != nil {
		p.Logger.Debug("shutdown already in progress", zap.Error(shutdownErr))
	}
}
