// Package config loads daemon configuration from an optional YAML (or JSON)
// file, applies environment overrides, and resolves the runtime directory
// holding the socket, PID file and WAL.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default file names probed in each search directory. JSON is accepted
// because yaml.v3 parses it natively.
var configFileNames = []string{"queue_config.yaml", "queue_config.yml", "queue_config.json"}

// Config is the full daemon configuration. Interval and timeout fields are
// float seconds on the wire, matching the file format.
type Config struct {
	MaxConcurrent     int                     `yaml:"max_concurrent"`
	StartInterval     float64                 `yaml:"start_interval"`
	PollInterval      float64                 `yaml:"poll_interval"`
	GlobalRatePerMin  float64                 `yaml:"global_rate_per_min"`
	GlobalBurst       int                     `yaml:"global_burst"`
	EndpointRates     map[string]EndpointRate `yaml:"endpoint_rates"`
	JobTimeout        float64                 `yaml:"job_timeout"`
	ClientIdleTimeout float64                 `yaml:"client_idle_timeout"`

	// Ops listener is off unless an address is configured.
	OpsListenAddr string `yaml:"ops_listen_addr"`

	ReaperSchedule string  `yaml:"reaper_schedule"`
	RetentionHours float64 `yaml:"retention_hours"`
	WALMaxBytes    int64   `yaml:"wal_max_bytes"`

	// Optional overrides for the remote status vocabulary.
	CompletedStatuses []string `yaml:"completed_statuses"`
	FailedStatuses    []string `yaml:"failed_statuses"`

	// RuntimeDir is resolved, not read from the file.
	RuntimeDir string `yaml:"-"`
}

// EndpointRate is the per-endpoint admission limit. Burst of zero inherits
// global_burst.
type EndpointRate struct {
	RatePerMin float64 `yaml:"rate_per_min"`
	Burst      int     `yaml:"burst"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		MaxConcurrent:     2,
		StartInterval:     1.0,
		PollInterval:      30.0,
		GlobalRatePerMin:  10,
		GlobalBurst:       5,
		EndpointRates:     map[string]EndpointRate{},
		JobTimeout:        900,
		ClientIdleTimeout: 0,
		ReaperSchedule:    "@hourly",
		RetentionHours:    24,
		WALMaxBytes:       16 * 1024 * 1024,
	}
}

// Load builds the configuration: defaults, then the first config file found,
// then environment overrides. explicitPath and runtimeDir may be empty.
func Load(explicitPath, runtimeDir string) (*Config, error) {
	cfg := Defaults()

	path, err := findConfigFile(explicitPath)
	if err != nil {
		return nil, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.RuntimeDir = runtimeDir
	if cfg.RuntimeDir == "" {
		cfg.RuntimeDir = DefaultRuntimeDir()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile resolves the config file path. Priority: explicit path >
// MCP_QUEUE_CONFIG_DIR > executable dir > executable parent > cwd. Returns
// "" when no file exists anywhere, which is not an error.
func findConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicitPath, err)
		}
		return explicitPath, nil
	}

	var dirs []string
	if d := os.Getenv("MCP_QUEUE_CONFIG_DIR"); d != "" {
		dirs = append(dirs, d)
	}
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		dirs = append(dirs, exeDir, filepath.Dir(exeDir))
	}
	if cwd, err := os.Getwd(); err == nil {
		dirs = append(dirs, cwd)
	}

	for _, dir := range dirs {
		for _, name := range configFileNames {
			p := filepath.Join(dir, name)
			if st, err := os.Stat(p); err == nil && !st.IsDir() {
				return p, nil
			}
		}
	}
	return "", nil
}

// applyEnv overlays MCP_QUEUE_* environment variables. An unparseable value
// is an error rather than a silent fallback.
func (c *Config) applyEnv() error {
	if v := os.Getenv("MCP_QUEUE_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MCP_QUEUE_MAX_CONCURRENT=%q: %w", v, err)
		}
		c.MaxConcurrent = n
	}
	if v := os.Getenv("MCP_QUEUE_RATE_PER_MIN"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MCP_QUEUE_RATE_PER_MIN=%q: %w", v, err)
		}
		c.GlobalRatePerMin = f
	}
	if v := os.Getenv("MCP_QUEUE_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MCP_QUEUE_BURST=%q: %w", v, err)
		}
		c.GlobalBurst = n
	}
	if v := os.Getenv("MCP_QUEUE_JOB_TIMEOUT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MCP_QUEUE_JOB_TIMEOUT=%q: %w", v, err)
		}
		c.JobTimeout = f
	}
	if v := os.Getenv("MCP_QUEUE_CLIENT_IDLE_TIMEOUT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MCP_QUEUE_CLIENT_IDLE_TIMEOUT=%q: %w", v, err)
		}
		c.ClientIdleTimeout = f
	}
	return nil
}

func (c *Config) validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be >= 1, got %d", c.MaxConcurrent)
	}
	if c.GlobalBurst < 1 {
		return fmt.Errorf("global_burst must be >= 1, got %d", c.GlobalBurst)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job_timeout must be > 0, got %v", c.JobTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be > 0, got %v", c.PollInterval)
	}
	for ep, rate := range c.EndpointRates {
		if rate.RatePerMin < 0 {
			return fmt.Errorf("endpoint_rates[%s].rate_per_min must be >= 0, got %v", ep, rate.RatePerMin)
		}
		if rate.Burst < 0 {
			return fmt.Errorf("endpoint_rates[%s].burst must be >= 0, got %d", ep, rate.Burst)
		}
	}
	return nil
}

// DefaultRuntimeDir is ~/.cache/mcp-queue, falling back to the system temp
// dir when the home directory cannot be determined.
func DefaultRuntimeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "mcp-queue")
	}
	return filepath.Join(home, ".cache", "mcp-queue")
}

// SocketPath is the unix socket inside the runtime dir.
func (c *Config) SocketPath() string { return filepath.Join(c.RuntimeDir, "mcp-queue.sock") }

// PIDPath is the daemon PID file inside the runtime dir.
func (c *Config) PIDPath() string { return filepath.Join(c.RuntimeDir, "mcp-queue.pid") }

// WALPath is the write-ahead log inside the runtime dir.
func (c *Config) WALPath() string { return filepath.Join(c.RuntimeDir, "mcp-queue.wal") }

// StartSpacing converts start_interval to a duration.
func (c *Config) StartSpacing() time.Duration {
	return time.Duration(c.StartInterval * float64(time.Second))
}

// JobDeadline converts job_timeout to a duration.
func (c *Config) JobDeadline() time.Duration {
	return time.Duration(c.JobTimeout * float64(time.Second))
}

// IdleDeadline converts client_idle_timeout to a duration; zero disables it.
func (c *Config) IdleDeadline() time.Duration {
	return time.Duration(c.ClientIdleTimeout * float64(time.Second))
}

// Retention converts retention_hours to a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionHours * float64(time.Hour))
}
