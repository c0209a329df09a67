package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
)

// NewIsolator creates the isolator for the configured backend
func NewIsolator(logger *zap.Logger, cfg *config.Config) (Isolator, error) {
	backend := cfg.Sandbox.Backend
	logger = logger.With(zap.String("backend", backend))

	switch backend {
	case config.BackendProcess:
		iso, err := NewProcessIsolator(logger, cfg)
		if err != nil {
			return nil, err
		}
		return iso, nil
	case config.BackendDocker, config.BackendPodman:
		iso, err := NewContainerIsolator(logger, cfg)
		if err != nil {
			return nil, err
		}
		return iso, nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}
