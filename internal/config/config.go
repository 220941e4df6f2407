// Package config provides configuration parsing and validation for the
// device gateway daemon.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	TLS      TLSConfig      `yaml:"tls"`
	Backend  BackendConfig  `yaml:"backend"`
	Deploy   DeployConfig   `yaml:"deploy"`
	Session  SessionConfig  `yaml:"session"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// GatewayConfig controls the listen address and logging.
type GatewayConfig struct {
	// Address is the host:port the gateway's WebSocket listener binds.
	Address string `yaml:"address"`

	// Path is the HTTP path pattern devices connect to, in Go 1.22+
	// ServeMux syntax. Default: "/wssk/{partId}/{deviceId}".
	Path string `yaml:"path"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// TLSConfig holds the gateway's server certificate. Devices do not present
// client certificates; device authentication happens in the handshake
// record layer, not at the TLS layer.
type TLSConfig struct {
	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`
	CertPEM string `yaml:"cert_pem"`
	KeyPEM  string `yaml:"key_pem"`
}

// GetCertPEM returns the certificate PEM content, reading from file if necessary.
func (t *TLSConfig) GetCertPEM() ([]byte, error) {
	if t.CertPEM != "" {
		return []byte(t.CertPEM), nil
	}
	if t.Cert != "" {
		return os.ReadFile(t.Cert)
	}
	return nil, nil
}

// GetKeyPEM returns the private key PEM content, reading from file if necessary.
func (t *TLSConfig) GetKeyPEM() ([]byte, error) {
	if t.KeyPEM != "" {
		return []byte(t.KeyPEM), nil
	}
	if t.Key != "" {
		return os.ReadFile(t.Key)
	}
	return nil, nil
}

// HasCert reports whether a certificate is configured.
func (t *TLSConfig) HasCert() bool { return t.Cert != "" || t.CertPEM != "" }

// HasKey reports whether a private key is configured.
func (t *TLSConfig) HasKey() bool { return t.Key != "" || t.KeyPEM != "" }

// BackendConfig selects which backend plane implementation the gateway
// wires its device sessions to.
type BackendConfig struct {
	// Mode is "memory" (in-process, for development and tests) or
	// "redis" (a shared redis pub/sub plane for multi-instance deployments).
	// Validate accepts both, but `gatewayd serve` runs only with "memory"
	// and returns an error for any other mode.
	Mode string `yaml:"mode"`

	// RedisAddr is the redis server address, used when Mode == "redis".
	RedisAddr string `yaml:"redis_addr"`

	// RedisDB selects the logical redis database.
	RedisDB int `yaml:"redis_db"`
}

// DeployConfig tunes the program-deployment retry/backoff engine.
type DeployConfig struct {
	// MaxBackoffFailures names the cap on the backoff formula's numFail
	// term. The gateway does not read it: identity.RetryTable applies a
	// fixed cap of 20.
	MaxBackoffFailures int `yaml:"max_backoff_failures"`
}

// SessionConfig tunes per-session behavior.
type SessionConfig struct {
	// TickInterval is how often a session flushes accumulated stats to
	// the backend plane and persists device activity.
	TickInterval time.Duration `yaml:"tick_interval"`

	// HandshakeTimeout names a bound on how long the gateway waits for a
	// device to complete its selector/auth-record handshake. The gateway
	// does not read it: the handshake runs under the HTTP request context
	// with no deadline of its own.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// HTTPConfig controls the optional metrics HTTP surface (a /metrics
// endpoint), served alongside the device WebSocket listener.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Address:   ":8443",
			Path:      "/wssk/{partId}/{deviceId}",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Backend: BackendConfig{
			Mode: "memory",
		},
		Deploy: DeployConfig{
			MaxBackoffFailures: 20,
		},
		Session: SessionConfig{
			TickInterval:     2 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Address: ":9090",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, expanding environment
// variable references first.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

// Validate checks the config for internal consistency.
func (c *Config) Validate() error {
	if c.Gateway.Address == "" {
		return fmt.Errorf("gateway.address is required")
	}
	if !isValidLogLevel(c.Gateway.LogLevel) {
		return fmt.Errorf("gateway.log_level %q is invalid", c.Gateway.LogLevel)
	}
	if !isValidLogFormat(c.Gateway.LogFormat) {
		return fmt.Errorf("gateway.log_format %q is invalid", c.Gateway.LogFormat)
	}
	switch c.Backend.Mode {
	case "memory":
	case "redis":
		if c.Backend.RedisAddr == "" {
			return fmt.Errorf("backend.redis_addr is required when backend.mode is \"redis\"")
		}
	default:
		return fmt.Errorf("backend.mode %q is invalid", c.Backend.Mode)
	}
	if c.Session.TickInterval <= 0 {
		return fmt.Errorf("session.tick_interval must be positive")
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with key material redacted, safe
// to log or print.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}
	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}
	if redacted.TLS.Key != "" {
		redacted.TLS.Key = redactedValue
	}
	if redacted.TLS.KeyPEM != "" {
		redacted.TLS.KeyPEM = redactedValue
	}
	return redacted
}

// String returns a redacted YAML representation of the config.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}
