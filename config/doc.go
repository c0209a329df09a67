// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files. It covers the server transport, logging,
// the system-wide sandbox ceilings (concurrency, queue wait, code, output and
// memory sizes) and the language profile table consumed by the registry.
//
// Configuration is read once at startup; changing it requires a restart.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
