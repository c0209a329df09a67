package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Logging   LoggingConfig       `mapstructure:"logging"`
	Sandbox   SandboxConfig       `mapstructure:"sandbox"`
	Languages map[string]Language `mapstructure:"languages"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport   string `mapstructure:"transport"`
	HTTPPort    int    `mapstructure:"http_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig holds the system-wide execution limits and isolation settings.
type SandboxConfig struct {
	Backend     string `mapstructure:"backend"`
	ScratchRoot string `mapstructure:"scratch_root"`

	MaxConcurrent   int    `mapstructure:"max_concurrent"`
	AdmissionPolicy string `mapstructure:"admission_policy"`
	MaxQueueWaitMs  int64  `mapstructure:"max_queue_wait_ms"`
	MaxQueueDepth   int    `mapstructure:"max_queue_depth"`

	MaxCodeBytes    int64 `mapstructure:"max_code_bytes"`
	MaxStdinBytes   int64 `mapstructure:"max_stdin_bytes"`
	MaxOutputBytes  int64 `mapstructure:"max_output_bytes"`
	MaxMemoryBytes  int64 `mapstructure:"max_memory_bytes"`
	TeardownGraceMs int64 `mapstructure:"teardown_grace_ms"`

	// process backend
	AllowUnconfined  bool    `mapstructure:"allow_unconfined"`
	HelperPath       string  `mapstructure:"helper_path"`
	EnableNamespaces bool    `mapstructure:"enable_namespaces"`
	EnableSeccomp    bool    `mapstructure:"enable_seccomp"`
	SeccompProfile   string  `mapstructure:"seccomp_profile"`
	CgroupRoot       string  `mapstructure:"cgroup_root"`
	CPUQuota         float64 `mapstructure:"cpu_quota"`
	PIDsLimit        int64   `mapstructure:"pids_limit"`
	RunAsUID         int     `mapstructure:"run_as_uid"`
	RunAsGID         int     `mapstructure:"run_as_gid"`

	// container backends
	DockerHost   string `mapstructure:"docker_host"`
	PodmanSocket string `mapstructure:"podman_socket"`
	PullImages   bool   `mapstructure:"pull_images"`
}

// Language holds the execution profile of one language as configured.
type Language struct {
	Aliases            []string          `mapstructure:"aliases" yaml:"aliases,omitempty"`
	FileName           string            `mapstructure:"file_name" yaml:"file_name"`
	Image              string            `mapstructure:"image" yaml:"image,omitempty"`
	CompileCmd         string            `mapstructure:"compile_cmd" yaml:"compile_cmd,omitempty"`
	RunCmd             string            `mapstructure:"run_cmd" yaml:"run_cmd"`
	RootFS             string            `mapstructure:"root_fs" yaml:"root_fs,omitempty"`
	Environment        map[string]string `mapstructure:"environment" yaml:"environment,omitempty"`
	DefaultTimeoutMs   int64             `mapstructure:"default_timeout_ms" yaml:"default_timeout_ms"`
	MaxTimeoutMs       int64             `mapstructure:"max_timeout_ms" yaml:"max_timeout_ms"`
	CompileTimeoutMs   int64             `mapstructure:"compile_timeout_ms" yaml:"compile_timeout_ms,omitempty"`
	DefaultMemoryBytes int64             `mapstructure:"default_memory_bytes" yaml:"default_memory_bytes"`
	MaxMemoryBytes     int64             `mapstructure:"max_memory_bytes" yaml:"max_memory_bytes"`
}

const (
	BackendProcess = "process"
	BackendDocker  = "docker"
	BackendPodman  = "podman"

	PolicyBlock    = "block"
	PolicyFailFast = "fail_fast"
)

const mib = 1024 * 1024

// New loads and validates the application configuration.
// RUNBOX_CONFIG may point at an explicit file; otherwise config.yaml is
// searched in . and ./config.
func New() (*Config, error) {
	return Load(os.Getenv("RUNBOX_CONFIG"))
}

// Load reads the configuration from path, or from the default search
// locations when path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("RUNBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if len(config.Languages) == 0 {
		config.Languages = DefaultLanguages()
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 0)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("sandbox.backend", BackendDocker)
	v.SetDefault("sandbox.scratch_root", "")
	v.SetDefault("sandbox.max_concurrent", 4)
	v.SetDefault("sandbox.admission_policy", PolicyBlock)
	v.SetDefault("sandbox.max_queue_wait_ms", 10000)
	v.SetDefault("sandbox.max_queue_depth", 64)
	v.SetDefault("sandbox.max_code_bytes", 64*1024)
	v.SetDefault("sandbox.max_stdin_bytes", mib)
	v.SetDefault("sandbox.max_output_bytes", 64*1024)
	v.SetDefault("sandbox.max_memory_bytes", 512*mib)
	v.SetDefault("sandbox.teardown_grace_ms", 2000)
	v.SetDefault("sandbox.allow_unconfined", false)
	v.SetDefault("sandbox.helper_path", "")
	v.SetDefault("sandbox.enable_namespaces", false)
	v.SetDefault("sandbox.enable_seccomp", false)
	v.SetDefault("sandbox.seccomp_profile", "")
	v.SetDefault("sandbox.cgroup_root", "")
	v.SetDefault("sandbox.cpu_quota", 1.0)
	v.SetDefault("sandbox.pids_limit", 64)
	v.SetDefault("sandbox.run_as_uid", -1)
	v.SetDefault("sandbox.run_as_gid", -1)
	v.SetDefault("sandbox.docker_host", "")
	v.SetDefault("sandbox.podman_socket", "unix:///run/podman/podman.sock")
	v.SetDefault("sandbox.pull_images", true)
}

// DefaultLanguages returns the built-in javascript, python and java profiles.
func DefaultLanguages() map[string]Language {
	return map[string]Language{
		"javascript": {
			Aliases:            []string{"js", "node", "nodejs"},
			FileName:           "main.js",
			Image:              "node:20-alpine",
			RunCmd:             "node {file}",
			DefaultTimeoutMs:   5000,
			MaxTimeoutMs:       30000,
			DefaultMemoryBytes: 128 * mib,
			MaxMemoryBytes:     512 * mib,
		},
		"python": {
			Aliases:            []string{"py", "python3"},
			FileName:           "main.py",
			Image:              "python:3.11-slim",
			RunCmd:             "python3 -u {file}",
			Environment:        map[string]string{"PYTHONDONTWRITEBYTECODE": "1"},
			DefaultTimeoutMs:   10000,
			MaxTimeoutMs:       30000,
			DefaultMemoryBytes: 128 * mib,
			MaxMemoryBytes:     512 * mib,
		},
		"java": {
			FileName:           "Main.java",
			Image:              "eclipse-temurin:21-jdk",
			CompileCmd:         "javac -J-Xss8m {file}",
			RunCmd:             "java -Xss8m -XX:+UseSerialGC -cp . {class}",
			DefaultTimeoutMs:   15000,
			MaxTimeoutMs:       30000,
			CompileTimeoutMs:   20000,
			DefaultMemoryBytes: 256 * mib,
			MaxMemoryBytes:     512 * mib,
		},
	}
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	switch c.Sandbox.Backend {
	case BackendProcess, BackendDocker, BackendPodman:
	default:
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.AdmissionPolicy != PolicyBlock && c.Sandbox.AdmissionPolicy != PolicyFailFast {
		return fmt.Errorf("invalid sandbox.admission_policy: %s, must be 'block' or 'fail_fast'", c.Sandbox.AdmissionPolicy)
	}

	if c.Sandbox.MaxConcurrent <= 0 {
		return fmt.Errorf("sandbox.max_concurrent must be positive, got: %d", c.Sandbox.MaxConcurrent)
	}

	if c.Sandbox.MaxQueueWaitMs < 0 {
		return fmt.Errorf("sandbox.max_queue_wait_ms must not be negative, got: %d", c.Sandbox.MaxQueueWaitMs)
	}

	if c.Sandbox.MaxQueueDepth < 0 {
		return fmt.Errorf("sandbox.max_queue_depth must not be negative, got: %d", c.Sandbox.MaxQueueDepth)
	}

	positives := []struct {
		name  string
		value int64
	}{
		{"sandbox.max_code_bytes", c.Sandbox.MaxCodeBytes},
		{"sandbox.max_stdin_bytes", c.Sandbox.MaxStdinBytes},
		{"sandbox.max_output_bytes", c.Sandbox.MaxOutputBytes},
		{"sandbox.max_memory_bytes", c.Sandbox.MaxMemoryBytes},
		{"sandbox.teardown_grace_ms", c.Sandbox.TeardownGraceMs},
	}
	for _, p := range positives {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got: %d", p.name, p.value)
		}
	}

	if c.Sandbox.CPUQuota < 0 {
		return fmt.Errorf("sandbox.cpu_quota must not be negative, got: %v", c.Sandbox.CPUQuota)
	}

	if c.Sandbox.EnableSeccomp && c.Sandbox.HelperPath == "" {
		return fmt.Errorf("sandbox.enable_seccomp requires sandbox.helper_path")
	}

	if c.Sandbox.EnableNamespaces && c.Sandbox.HelperPath == "" {
		return fmt.Errorf("sandbox.enable_namespaces requires sandbox.helper_path")
	}

	if len(c.Languages) == 0 {
		return fmt.Errorf("at least one language must be configured")
	}

	if c.Sandbox.Backend == BackendProcess {
		if err := c.CheckProcessConfinement(); err != nil {
			return err
		}
	}

	for id, lang := range c.Languages {
		if err := c.validateLanguage(id, lang); err != nil {
			return err
		}
	}

	return nil
}

// CheckProcessConfinement reports why the process backend would run code
// unconfined. Without sandbox.allow_unconfined it needs the helper, fresh
// namespaces and a root filesystem for every language.
func (c *Config) CheckProcessConfinement() error {
	if c.Sandbox.AllowUnconfined {
		return nil
	}
	if c.Sandbox.HelperPath == "" || !c.Sandbox.EnableNamespaces {
		return errors.New("the process backend requires sandbox.helper_path and sandbox.enable_namespaces unless sandbox.allow_unconfined is set")
	}
	for id, lang := range c.Languages {
		if lang.RootFS == "" {
			return fmt.Errorf("languages.%s.root_fs is required by the confined process backend", id)
		}
	}
	return nil
}

func (c *Config) validateLanguage(id string, lang Language) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("languages: empty language id")
	}
	if lang.FileName == "" {
		return fmt.Errorf("languages.%s.file_name is required", id)
	}
	if strings.TrimSpace(lang.RunCmd) == "" {
		return fmt.Errorf("languages.%s.run_cmd is required", id)
	}
	if lang.DefaultTimeoutMs <= 0 || lang.MaxTimeoutMs <= 0 {
		return fmt.Errorf("languages.%s timeouts must be positive", id)
	}
	if lang.DefaultTimeoutMs > lang.MaxTimeoutMs {
		return fmt.Errorf("languages.%s.default_timeout_ms exceeds max_timeout_ms", id)
	}
	if lang.DefaultMemoryBytes <= 0 || lang.MaxMemoryBytes <= 0 {
		return fmt.Errorf("languages.%s memory limits must be positive", id)
	}
	if lang.DefaultMemoryBytes > lang.MaxMemoryBytes {
		return fmt.Errorf("languages.%s.default_memory_bytes exceeds max_memory_bytes", id)
	}
	if lang.MaxMemoryBytes > c.Sandbox.MaxMemoryBytes {
		return fmt.Errorf("languages.%s.max_memory_bytes exceeds sandbox.max_memory_bytes", id)
	}
	if lang.CompileTimeoutMs < 0 {
		return fmt.Errorf("languages.%s.compile_timeout_ms must not be negative", id)
	}
	if (c.Sandbox.Backend == BackendDocker || c.Sandbox.Backend == BackendPodman) && lang.Image == "" {
		return fmt.Errorf("languages.%s.image is required for the %s backend", id, c.Sandbox.Backend)
	}
	return nil
}

// QueueWait returns the maximum time a request may wait for an admission slot.
func (c *Config) QueueWait() time.Duration {
	return time.Duration(c.Sandbox.MaxQueueWaitMs) * time.Millisecond
}

// TeardownGrace returns the time budget for destroying one isolation unit.
func (c *Config) TeardownGrace() time.Duration {
	return time.Duration(c.Sandbox.TeardownGraceMs) * time.Millisecond
}
