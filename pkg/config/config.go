// Package config loads and validates the runtime configuration for a scan:
// container settings, timeouts, ceilings, model limits, and the recovery
// policy. Values the runtime needs in several places live here once, so
// there is a single source of truth for every default.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CrashPolicy decides what the coordinator does after a mid-scan sandbox crash.
type CrashPolicy string

const (
	// CrashAbort tears the scan down as soon as the sandbox is lost.
	CrashAbort CrashPolicy = "abort"
	// CrashDegrade keeps the scan alive with sandbox-routed tools failing fast.
	CrashDegrade CrashPolicy = "degrade"
)

// Config is the full runtime configuration.
type Config struct {
	Container Container `yaml:"container"`
	Timeouts  Timeouts  `yaml:"timeouts"`
	Engine    Engine    `yaml:"engine"`
	Model     Model     `yaml:"model"`
	Recovery  Recovery  `yaml:"recovery"`
	MCP       []MCP     `yaml:"mcp"`
	Telemetry Telemetry `yaml:"telemetry"`
	Modules   Modules   `yaml:"modules"`
	Hooks     []Hook    `yaml:"hooks"`
}

// Container describes how the sandbox container is created. All values are
// configuration, never hard-coded into the runtime.
type Container struct {
	Image       string   `yaml:"image"`
	Network     string   `yaml:"network"`
	Memory      string   `yaml:"memory"` // docker --memory syntax, e.g. "2g"
	CPUs        string   `yaml:"cpus"`   // docker --cpus syntax, e.g. "2.0"
	CapAdd      []string `yaml:"cap_add"`
	PortRangeLo int      `yaml:"port_range_lo"`
	PortRangeHi int      `yaml:"port_range_hi"`
}

// Timeouts collects every blocking bound in one place.
type Timeouts struct {
	MessageWait   time.Duration `yaml:"message_wait"`
	SandboxHealth time.Duration `yaml:"sandbox_health"`
	ToolInvoke    time.Duration `yaml:"tool_invoke"`
	ModelCall     time.Duration `yaml:"model_call"`
}

// Engine bounds the agent loop.
type Engine struct {
	MaxIterations int     `yaml:"max_iterations"`
	WarnRatio     float64 `yaml:"warn_ratio"`
}

// Model configures the reasoning-model client.
type Model struct {
	Name           string        `yaml:"name"`
	APIKeyEnv      string        `yaml:"api_key_env"`
	BaseURL        string        `yaml:"base_url"`
	MaxTokens      int           `yaml:"max_tokens"`
	MaxRetries     int           `yaml:"max_retries"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	RequestDelay   time.Duration `yaml:"request_delay"`
	BreakerTrips   uint32        `yaml:"breaker_trips"`
	BreakerTimeout time.Duration `yaml:"breaker_timeout"`
}

// Recovery holds the policy decisions spec'd as configurable.
type Recovery struct {
	OnSandboxCrash CrashPolicy `yaml:"on_sandbox_crash"`
}

// MCP points at one external MCP tool server.
type MCP struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // stdio or http
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
}

// Telemetry configures span export.
type Telemetry struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// Modules points at the on-disk knowledge module library.
type Modules struct {
	Dir string `yaml:"dir"`
}

// Hook binds a shell command to a scan lifecycle event.
type Hook struct {
	Event   string            `yaml:"event"`
	Command string            `yaml:"command"`
	Tool    string            `yaml:"tool"`    // optional regex on tool name
	Pattern string            `yaml:"pattern"` // optional regex on payload JSON
	Timeout time.Duration     `yaml:"timeout"`
	Env     map[string]string `yaml:"env"`
	Name    string            `yaml:"name"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		Container: Container{
			Image:       "swarmsec/sandbox:latest",
			Network:     "bridge",
			Memory:      "2g",
			CPUs:        "2.0",
			CapAdd:      []string{"NET_RAW"},
			PortRangeLo: 42000,
			PortRangeHi: 42999,
		},
		Timeouts: Timeouts{
			MessageWait:   5 * time.Minute,
			SandboxHealth: 30 * time.Second,
			ToolInvoke:    3 * time.Minute,
			ModelCall:     2 * time.Minute,
		},
		Engine: Engine{
			MaxIterations: 300,
			WarnRatio:     0.85,
		},
		Model: Model{
			Name:           "claude-sonnet-4-5",
			APIKeyEnv:      "ANTHROPIC_API_KEY",
			MaxTokens:      8192,
			MaxRetries:     3,
			MaxConcurrent:  6,
			RequestDelay:   time.Second,
			BreakerTrips:   5,
			BreakerTimeout: time.Minute,
		},
		Recovery: Recovery{OnSandboxCrash: CrashAbort},
	}
}

// Load reads path and overlays it on the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the runtime cannot honor.
func (c Config) Validate() error {
	if c.Container.Image == "" {
		return errors.New("config: container.image is required")
	}
	if c.Container.PortRangeLo <= 0 || c.Container.PortRangeHi < c.Container.PortRangeLo || c.Container.PortRangeHi > 65535 {
		return fmt.Errorf("config: invalid port range %d-%d", c.Container.PortRangeLo, c.Container.PortRangeHi)
	}
	if c.Timeouts.MessageWait <= 0 {
		return errors.New("config: timeouts.message_wait must be positive")
	}
	if c.Timeouts.SandboxHealth <= 0 {
		return errors.New("config: timeouts.sandbox_health must be positive")
	}
	if c.Timeouts.ToolInvoke <= 0 {
		return errors.New("config: timeouts.tool_invoke must be positive")
	}
	if c.Engine.MaxIterations <= 0 {
		return errors.New("config: engine.max_iterations must be positive")
	}
	if c.Engine.WarnRatio <= 0 || c.Engine.WarnRatio >= 1 {
		return errors.New("config: engine.warn_ratio must be in (0, 1)")
	}
	switch c.Recovery.OnSandboxCrash {
	case CrashAbort, CrashDegrade:
	default:
		return fmt.Errorf("config: unknown recovery policy %q", c.Recovery.OnSandboxCrash)
	}
	for i, h := range c.Hooks {
		if h.Event == "" {
			return fmt.Errorf("config: hooks[%d]: event is required", i)
		}
		if h.Command == "" {
			return fmt.Errorf("config: hooks[%d]: command is required", i)
		}
	}
	for i, srv := range c.MCP {
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("config: mcp[%d]: stdio transport requires command", i)
			}
		case "http":
			if srv.URL == "" {
				return fmt.Errorf("config: mcp[%d]: http transport requires url", i)
			}
		default:
			return fmt.Errorf("config: mcp[%d]: unsupported transport %q", i, srv.Transport)
		}
	}
	return nil
}
