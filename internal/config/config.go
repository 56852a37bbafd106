// Package config handles loading and validating hpcbridge configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Transport names shared by the bridge and the sandbox.
const (
	TransportPipe   = "pipe"
	TransportSocket = "socket"
	TransportFile   = "file"
)

// Config is the root configuration for hpcbridge.
type Config struct {
	Bridge        BridgeConfig         `json:"bridge" yaml:"bridge"`
	Router        RouterConfig         `json:"router" yaml:"router"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Guest         GuestConfig          `json:"guest" yaml:"guest"`
	Audit         *AuditConfig         `json:"audit,omitempty" yaml:"audit,omitempty"`                 // nil = no host audit trail
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`             // nil = env:// and file:// only
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	HTTP          *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty"`                   // nil = no HTTP API
}

// BridgeConfig selects how a standalone host exposes its router.
type BridgeConfig struct {
	Transport string `json:"transport" yaml:"transport"` // "socket" (default) or "file".
	Channel   string `json:"channel" yaml:"channel"`     // Socket or file path. Default: ./hpc.sock or ./hpc.
}

// RouterConfig configures the host-side capabilities.
type RouterConfig struct {
	RNG       RNGConfig       `json:"rng" yaml:"rng"`
	TLSP      TLSPConfig      `json:"tlsp" yaml:"tlsp"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// RNGConfig configures the rng capability.
type RNGConfig struct {
	Disabled bool `json:"disabled" yaml:"disabled"`
	MaxBytes int  `json:"max_bytes" yaml:"max_bytes"` // Upper bound on bytes per call. Default: 64
}

// TLSPConfig configures the outbound HTTP proxy capability.
type TLSPConfig struct {
	Disabled         bool     `json:"disabled" yaml:"disabled"`
	AllowedDomains   []string `json:"allowed_domains" yaml:"allowed_domains"`       // Empty = deny all unless allow_all.
	AllowAll         bool     `json:"allow_all" yaml:"allow_all"`                   // Skip the domain allowlist.
	AllowPrivate     bool     `json:"allow_private" yaml:"allow_private"`           // Permit private/loopback targets (dev only).
	AllowedMethods   []string `json:"allowed_methods" yaml:"allowed_methods"`       // Default: GET, POST
	TimeoutSeconds   int      `json:"timeout_seconds" yaml:"timeout_seconds"`       // Default: 60
	MaxResponseBytes int64    `json:"max_response_bytes" yaml:"max_response_bytes"` // Default: 5 MB
}

// Timeout returns the upstream request timeout.
func (t TLSPConfig) Timeout() time.Duration {
	if t.TimeoutSeconds > 0 {
		return time.Duration(t.TimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// RateLimitConfig bounds calls per capability.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // 0 = requests_per_minute
}

// SandboxConfig configures the guest process sandbox.
type SandboxConfig struct {
	Transport           string `json:"transport" yaml:"transport"`                         // "pipe" (default) or "socket".
	MaxExecutionSeconds int    `json:"max_execution_seconds" yaml:"max_execution_seconds"` // Default: 300
	MaxCPUSeconds       int    `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`             // Default: 60
	MaxMemoryMB         int    `json:"max_memory_mb" yaml:"max_memory_mb"`                 // Default: 4096
}

// ExecutionTimeout returns the per-run wall clock limit.
func (s SandboxConfig) ExecutionTimeout() time.Duration {
	if s.MaxExecutionSeconds > 0 {
		return time.Duration(s.MaxExecutionSeconds) * time.Second
	}
	return 300 * time.Second
}

// GuestConfig configures what the host hands to the guest, and the guest's
// own defaults when it runs the adventure program.
type GuestConfig struct {
	ArgEnv          string   `json:"arg_env" yaml:"arg_env"`                     // Env var carrying the JSON-encoded guest argument. Default: HPC_GUEST_ARG
	CredentialRef   string   `json:"credential_ref" yaml:"credential_ref"`       // Secret reference, e.g. env://OPENAI_API_KEY or vault://secret/data/llm#key
	Model           string   `json:"model" yaml:"model"`                         // Default: gpt-4
	FallbackModels  []string `json:"fallback_models" yaml:"fallback_models"`     // Tried in order when the model fails.
	BaseURL         string   `json:"base_url" yaml:"base_url"`                   // Default: https://api.openai.com
	MaxOutputTokens int      `json:"max_output_tokens" yaml:"max_output_tokens"` // Default: 1024
	Rolls           int      `json:"rolls" yaml:"rolls"`                         // Default: 3
}

// AuditConfig configures the host-side record of dispatched calls.
type AuditConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "jsonl" (default), "sqlite" or "postgres".
	Path   string `json:"path" yaml:"path"`     // File path for jsonl/sqlite.
	DSN    string `json:"dsn" yaml:"dsn"`       // PostgreSQL DSN. Override: HPC_AUDIT_DSN env var.
}

// SecretsConfig configures external secret backends.
type SecretsConfig struct {
	Vault map[string]string `json:"vault,omitempty" yaml:"vault,omitempty"` // address, token, namespace, timeout, tls_skip_verify
}

// HTTPConfig configures the host's HTTP API (health, metrics, call endpoint).
type HTTPConfig struct {
	Addr       string `json:"addr" yaml:"addr"`               // Default: ":9090"
	APIToken   string `json:"api_token" yaml:"api_token"`     // Bearer token for /v1. Override: HPC_API_TOKEN env var.
	EnableCall bool   `json:"enable_call" yaml:"enable_call"` // Expose POST /v1/call.
}

// ObservabilityConfig configures metrics, tracing and anomaly detection.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// AnomalyConfig configures error-rate alerts per capability.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // 0.0–1.0
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Default: 300
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "hpcbridge"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// DefaultConfigPath returns the default config file path (~/.hpcbridge/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "hpcbridge.yaml"
	}
	return filepath.Join(home, ".hpcbridge", "config.yaml")
}

// Default returns a configuration with every default and env override applied.
// Used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default otherwise.
func LoadOrDefault(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// applyEnv overlays environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("HPC_BRIDGE_TRANSPORT"); v != "" {
		c.Bridge.Transport = v
	}
	if v := os.Getenv("HPC_BRIDGE_CHANNEL"); v != "" {
		c.Bridge.Channel = v
	}
	if v := os.Getenv("HPC_SANDBOX_TRANSPORT"); v != "" {
		c.Sandbox.Transport = v
	}
	if v := os.Getenv("HPC_CREDENTIAL_REF"); v != "" {
		c.Guest.CredentialRef = v
	}
	if v := os.Getenv("HPC_MODEL"); v != "" {
		c.Guest.Model = v
	}
	if v := os.Getenv("HPC_FALLBACK_MODELS"); v != "" {
		c.Guest.FallbackModels = splitList(v)
	}
	if v := os.Getenv("HPC_ROLLS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Guest.Rolls = n
		}
	}
	if v := os.Getenv("HPC_TLSP_ALLOWED_DOMAINS"); v != "" {
		c.Router.TLSP.AllowedDomains = splitList(v)
	}
	if v := os.Getenv("HPC_AUDIT_DSN"); v != "" {
		if c.Audit == nil {
			c.Audit = &AuditConfig{Driver: "postgres"}
		}
		c.Audit.DSN = v
	}
	if v := os.Getenv("HPC_API_TOKEN"); v != "" && c.HTTP != nil {
		c.HTTP.APIToken = v
	}
	// Credential reference falls back to the conventional provider key.
	if c.Guest.CredentialRef == "" && os.Getenv("OPENAI_API_KEY") != "" {
		c.Guest.CredentialRef = "env://OPENAI_API_KEY"
	}
}

func (c *Config) applyDefaults() {
	if c.Bridge.Transport == "" {
		c.Bridge.Transport = TransportSocket
	}
	if c.Bridge.Channel == "" {
		if c.Bridge.Transport == TransportFile {
			c.Bridge.Channel = "hpc"
		} else {
			c.Bridge.Channel = "hpc.sock"
		}
	}
	if c.Router.RNG.MaxBytes <= 0 {
		c.Router.RNG.MaxBytes = 64
	}
	if len(c.Router.TLSP.AllowedMethods) == 0 {
		c.Router.TLSP.AllowedMethods = []string{"GET", "POST"}
	}
	if c.Router.TLSP.MaxResponseBytes <= 0 {
		c.Router.TLSP.MaxResponseBytes = 5 << 20
	}
	if len(c.Router.TLSP.AllowedDomains) == 0 && !c.Router.TLSP.AllowAll {
		c.Router.TLSP.AllowedDomains = []string{"api.openai.com"}
	}
	if c.Sandbox.Transport == "" {
		c.Sandbox.Transport = TransportPipe
	}
	if c.Sandbox.MaxCPUSeconds == 0 {
		c.Sandbox.MaxCPUSeconds = 60
	}
	if c.Sandbox.MaxMemoryMB == 0 {
		c.Sandbox.MaxMemoryMB = 4096
	}
	if c.Guest.ArgEnv == "" {
		c.Guest.ArgEnv = "HPC_GUEST_ARG"
	}
	if c.Guest.Model == "" {
		c.Guest.Model = "gpt-4"
	}
	if c.Guest.BaseURL == "" {
		c.Guest.BaseURL = "https://api.openai.com"
	}
	if c.Guest.MaxOutputTokens <= 0 {
		c.Guest.MaxOutputTokens = 1024
	}
	if c.Guest.Rolls <= 0 {
		c.Guest.Rolls = 3
	}
	if c.Audit != nil && c.Audit.Driver == "" {
		c.Audit.Driver = "jsonl"
	}
	if c.HTTP != nil && c.HTTP.Addr == "" {
		c.HTTP.Addr = ":9090"
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) validate() error {
	switch c.Bridge.Transport {
	case TransportSocket, TransportFile:
	default:
		return fmt.Errorf("bridge.transport %q is not supported (use socket or file)", c.Bridge.Transport)
	}
	switch c.Sandbox.Transport {
	case TransportPipe, TransportSocket:
	default:
		return fmt.Errorf("sandbox.transport %q is not supported (use pipe or socket)", c.Sandbox.Transport)
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxExecutionSeconds < 0 {
		return fmt.Errorf("sandbox.max_execution_seconds must not be negative")
	}
	if c.Router.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("router.rate_limit.requests_per_minute must not be negative")
	}
	for _, m := range c.Router.TLSP.AllowedMethods {
		switch strings.ToUpper(m) {
		case "GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS":
		default:
			return fmt.Errorf("router.tlsp.allowed_methods: unknown method %q", m)
		}
	}
	if c.Guest.Rolls > 100 {
		return fmt.Errorf("guest.rolls must be at most 100")
	}
	if c.Audit != nil {
		switch c.Audit.Driver {
		case "jsonl", "sqlite":
			if c.Audit.Path == "" {
				return fmt.Errorf("audit.path is required for the %s driver", c.Audit.Driver)
			}
		case "postgres":
			if c.Audit.DSN == "" {
				return fmt.Errorf("audit.dsn is required for the postgres driver (or set HPC_AUDIT_DSN)")
			}
		default:
			return fmt.Errorf("audit.driver %q is not supported (use jsonl, sqlite, or postgres)", c.Audit.Driver)
		}
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		if c.Observability.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
	}
	if c.Observability != nil && c.Observability.Anomaly != nil {
		if t := c.Observability.Anomaly.ErrorRateThreshold; t < 0 || t > 1 {
			return fmt.Errorf("observability.anomaly.error_rate_threshold must be between 0 and 1")
		}
	}
	if c.HTTP != nil && c.HTTP.EnableCall && c.HTTP.APIToken == "" {
		return fmt.Errorf("http.api_token is required when http.enable_call is set")
	}
	return nil
}
