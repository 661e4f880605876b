package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Host selection policies understood by the balancer
const (
	PolicyRoundRobin     = "round_robin"
	PolicyLeastActive    = "least_active"
	PolicyConsistentHash = "consistent_hash"
)

// Affinity key sources for the proxy listener
const (
	AffinityNone     = "none"
	AffinityClientIP = "client_ip"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// HostConfig describes one backend host
type HostConfig struct {
	ID        string `toml:"id"`         // Unique identifier (used in logs, metrics and the status API)
	Addr      string `toml:"addr"`       // host:port of the backend
	TLS       bool   `toml:"tls"`        // Use implicit TLS towards the backend
	TLSVerify *bool  `toml:"tls_verify"` // Verify the backend certificate (default: true)
}

// GetTLSVerify returns whether the backend certificate must be verified
func (h *HostConfig) GetTLSVerify() bool {
	if h.TLSVerify == nil {
		return true
	}
	return *h.TLSVerify
}

// BalancerConfig holds the connection pool and host selection settings
type BalancerConfig struct {
	Workers                     int          `toml:"workers"`                         // Number of pool-owning workers (0 = number of CPUs)
	ConnectionsPerThread        int          `toml:"connections_per_thread"`          // Hard per-(host, worker) connection cap
	SoftMaxConnectionsPerThread int          `toml:"soft_max_connections_per_thread"` // Overflow cap above the hard cap, 0 disables overflow
	TTL                         Duration     `toml:"ttl"`                             // Idle lifetime before eviction, <=0 disables eviction (bare integers are milliseconds)
	ProblemCooldown             Duration     `toml:"problem_cooldown"`                // How long a failed host is excluded from selection
	AcquireTimeout              Duration     `toml:"acquire_timeout"`                 // Maximum time a caller may wait for a pooled connection
	ConnectTimeout              Duration     `toml:"connect_timeout"`                 // Dial timeout towards backends
	Policy                      string       `toml:"policy"`                          // round_robin, least_active or consistent_hash
	ProbeInterval               Duration     `toml:"probe_interval"`                  // Interval for probing problem hosts, 0 disables probing
	Hosts                       []HostConfig `toml:"host"`
}

// GetTTL parses the idle lifetime. Zero or negative values disable eviction.
func (b *BalancerConfig) GetTTL() (time.Duration, error) {
	if b.TTL == "" {
		return 0, nil
	}
	return ParseDuration(string(b.TTL))
}

// GetProblemCooldown parses the problem cooldown duration
func (b *BalancerConfig) GetProblemCooldown() (time.Duration, error) {
	if b.ProblemCooldown == "" {
		return 10 * time.Second, nil
	}
	return ParseDuration(string(b.ProblemCooldown))
}

// GetAcquireTimeout parses the acquire timeout duration
func (b *BalancerConfig) GetAcquireTimeout() (time.Duration, error) {
	if b.AcquireTimeout == "" {
		return 10 * time.Second, nil
	}
	return ParseDuration(string(b.AcquireTimeout))
}

// GetConnectTimeout parses the backend dial timeout
func (b *BalancerConfig) GetConnectTimeout() (time.Duration, error) {
	if b.ConnectTimeout == "" {
		return 5 * time.Second, nil
	}
	return ParseDuration(string(b.ConnectTimeout))
}

// GetProbeInterval parses the problem host probe interval
func (b *BalancerConfig) GetProbeInterval() (time.Duration, error) {
	if b.ProbeInterval == "" {
		return 0, nil
	}
	return ParseDuration(string(b.ProbeInterval))
}

// ProxyConfig holds the HTTP listener settings of the dispatch front
type ProxyConfig struct {
	Addr             string   `toml:"addr"`
	ExhaustedRetries int      `toml:"exhausted_retries"` // Retries of idempotent requests when the pool is exhausted
	Affinity         string   `toml:"affinity"`          // "none" or "client_ip"
	ReadTimeout      Duration `toml:"read_timeout"`
	WriteTimeout     Duration `toml:"write_timeout"`
	IdleTimeout      Duration `toml:"idle_timeout"`
}

// GetReadTimeout parses the client read timeout
func (p *ProxyConfig) GetReadTimeout() (time.Duration, error) {
	if p.ReadTimeout == "" {
		return 30 * time.Second, nil
	}
	return ParseDuration(string(p.ReadTimeout))
}

// GetWriteTimeout parses the client write timeout (0 = no timeout)
func (p *ProxyConfig) GetWriteTimeout() (time.Duration, error) {
	if p.WriteTimeout == "" {
		return 0, nil
	}
	return ParseDuration(string(p.WriteTimeout))
}

// GetIdleTimeout parses the client keep-alive idle timeout
func (p *ProxyConfig) GetIdleTimeout() (time.Duration, error) {
	if p.IdleTimeout == "" {
		return 2 * time.Minute, nil
	}
	return ParseDuration(string(p.IdleTimeout))
}

// StatusAPIConfig holds the status API server configuration
type StatusAPIConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	APIKey  string `toml:"api_key"` // Bearer token; empty disables authentication
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled         bool     `toml:"enabled"`
	Addr            string   `toml:"addr"`
	Path            string   `toml:"path"`
	CollectInterval Duration `toml:"collect_interval"` // How often pool gauges are refreshed from the workers
}

// GetCollectInterval parses the metrics collection interval
func (m *MetricsConfig) GetCollectInterval() (time.Duration, error) {
	if m.CollectInterval == "" {
		return 15 * time.Second, nil
	}
	return ParseDuration(string(m.CollectInterval))
}

// Config holds all configuration for the application.
type Config struct {
	Logging   LoggingConfig   `toml:"logging"`
	Balancer  BalancerConfig  `toml:"balancer"`
	Proxy     ProxyConfig     `toml:"proxy"`
	StatusAPI StatusAPIConfig `toml:"status_api"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Balancer: BalancerConfig{
			Workers:                     0,
			ConnectionsPerThread:        10,
			SoftMaxConnectionsPerThread: 0,
			TTL:                         "0s",
			ProblemCooldown:             "10s",
			AcquireTimeout:              "10s",
			ConnectTimeout:              "5s",
			Policy:                      PolicyRoundRobin,
			ProbeInterval:               "0s",
		},
		Proxy: ProxyConfig{
			Addr:             ":8080",
			ExhaustedRetries: 0,
			Affinity:         AffinityNone,
		},
		StatusAPI: StatusAPIConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8081",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// Duration is a duration setting as written in the configuration file. TOML strings
// use Go duration syntax ("250ms", "1m"); bare integers are milliseconds.
type Duration string

// UnmarshalTOML accepts both duration strings and integer milliseconds
func (d *Duration) UnmarshalTOML(v any) error {
	switch val := v.(type) {
	case string:
		*d = Duration(val)
	case int64:
		*d = Duration(strconv.FormatInt(val, 10))
	default:
		return fmt.Errorf("incompatible types: duration must be a string or integer milliseconds, got %T", v)
	}
	return nil
}

// ParseDuration parses a duration string. Bare integers are interpreted as
// milliseconds so that "ttl = 2000" keeps its historical meaning.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// Validate checks the configuration for errors that would prevent startup
func (c *Config) Validate() error {
	b := &c.Balancer

	if len(b.Hosts) == 0 {
		return fmt.Errorf("balancer: at least one [[balancer.host]] is required")
	}

	seen := make(map[string]bool, len(b.Hosts))
	for i, h := range b.Hosts {
		if h.Addr == "" {
			return fmt.Errorf("balancer.host[%d]: addr is required", i)
		}
		id := h.ID
		if id == "" {
			id = h.Addr
		}
		if seen[id] {
			return fmt.Errorf("balancer.host[%d]: duplicate host id %q", i, id)
		}
		seen[id] = true
	}

	if b.Workers < 0 {
		return fmt.Errorf("balancer.workers must not be negative")
	}
	if b.ConnectionsPerThread < 1 {
		return fmt.Errorf("balancer.connections_per_thread must be at least 1")
	}
	if b.SoftMaxConnectionsPerThread < 0 {
		return fmt.Errorf("balancer.soft_max_connections_per_thread must not be negative")
	}
	if b.SoftMaxConnectionsPerThread > 0 && b.SoftMaxConnectionsPerThread <= b.ConnectionsPerThread {
		return fmt.Errorf("balancer.soft_max_connections_per_thread (%d) must be 0 or greater than connections_per_thread (%d)",
			b.SoftMaxConnectionsPerThread, b.ConnectionsPerThread)
	}

	switch b.Policy {
	case "", PolicyRoundRobin, PolicyLeastActive, PolicyConsistentHash:
	default:
		return fmt.Errorf("balancer.policy %q is not supported (use %s, %s or %s)",
			b.Policy, PolicyRoundRobin, PolicyLeastActive, PolicyConsistentHash)
	}

	durations := []struct {
		name string
		get  func() (time.Duration, error)
	}{
		{"balancer.ttl", b.GetTTL},
		{"balancer.problem_cooldown", b.GetProblemCooldown},
		{"balancer.acquire_timeout", b.GetAcquireTimeout},
		{"balancer.connect_timeout", b.GetConnectTimeout},
		{"balancer.probe_interval", b.GetProbeInterval},
		{"proxy.read_timeout", c.Proxy.GetReadTimeout},
		{"proxy.write_timeout", c.Proxy.GetWriteTimeout},
		{"proxy.idle_timeout", c.Proxy.GetIdleTimeout},
		{"metrics.collect_interval", c.Metrics.GetCollectInterval},
	}
	for _, d := range durations {
		if _, err := d.get(); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}

	if timeout, _ := b.GetAcquireTimeout(); timeout <= 0 {
		return fmt.Errorf("balancer.acquire_timeout must be positive")
	}
	if cooldown, _ := b.GetProblemCooldown(); cooldown <= 0 {
		return fmt.Errorf("balancer.problem_cooldown must be positive")
	}

	switch c.Proxy.Affinity {
	case "", AffinityNone, AffinityClientIP:
	default:
		return fmt.Errorf("proxy.affinity %q is not supported (use %s or %s)", c.Proxy.Affinity, AffinityNone, AffinityClientIP)
	}
	if c.Proxy.ExhaustedRetries < 0 {
		return fmt.Errorf("proxy.exhausted_retries must not be negative")
	}

	if c.StatusAPI.Enabled && c.StatusAPI.Addr == "" {
		return fmt.Errorf("status_api.addr is required when the status API is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	return nil
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace from all string fields.
// Unknown keys are reported as warnings and ignored.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	// The logger is not initialized yet at this point
	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// enhanceConfigError adds hints for common TOML mistakes
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Remember that every backend needs its own [[balancer.host]] table", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Boolean values must be exactly 'true' or 'false'", err)
	}

	if strings.Contains(errMsg, "incompatible types") {
		return fmt.Errorf("%w\n\nHINT: Durations are strings (e.g. ttl = \"2s\") or integer milliseconds; counts are integers", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if field := v.Field(i); field.CanSet() {
				trimStringFields(field)
			}
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
