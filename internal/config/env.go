// Package config handles environment-based process configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Resinat/gostgen/internal/export"
	"github.com/Resinat/gostgen/internal/logging"
	"github.com/Resinat/gostgen/internal/policy"
	"github.com/Resinat/gostgen/internal/portalloc"
	"github.com/Resinat/gostgen/internal/relay"
	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings. The gateway
// policy itself is loaded separately from the sources named here.
type EnvConfig struct {
	// Files
	DataDir       string
	GostConfig    string
	GatewayEnvVar string
	RelayFile     string
	JournalDB     string
	ExportCSV     string
	ExportJSON    string

	// Relay fetching
	RelayURL      string
	FetchTimeout  time.Duration
	FetchAttempts int
	FetchBackoff  time.Duration
	RelayCacheTTL time.Duration

	// Ports
	PortRangeStart int
	PortRangeEnd   int
	LocalProxyPort int
	MetricsPort    int

	// Network interface for generated services. Empty means autodetect.
	Interface string

	// Cron schedule of repeated passes. Empty means a single pass.
	Schedule string

	// Logging. An empty LogLevel defers to the policy's LogLevel.
	LogLevel  string
	LogFormat string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Every invalid value is reported in a single error.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Files ---
	cfg.DataDir = strings.TrimSpace(envStr("GOSTGEN_DATA_DIR", "data"))
	cfg.GostConfig = envStr("GOSTGEN_GOST_CONFIG", filepath.Join(cfg.DataDir, "gost.yaml"))
	cfg.GatewayEnvVar = strings.TrimSpace(envStr("GOSTGEN_GATEWAY_ENV", "GATEWAY_CONFIG"))
	cfg.RelayFile = envStr("GOSTGEN_RELAY_FILE", filepath.Join(cfg.DataDir, "mullvad.json"))
	cfg.JournalDB = envStr("GOSTGEN_JOURNAL_DB", "")
	cfg.ExportCSV = envStr("GOSTGEN_EXPORT_CSV", filepath.Join(cfg.DataDir, "proxies.csv"))
	cfg.ExportJSON = envStr("GOSTGEN_EXPORT_JSON", filepath.Join(cfg.DataDir, "proxies.json"))

	// --- Relay fetching ---
	cfg.RelayURL = strings.TrimSpace(envStr("GOSTGEN_RELAY_URL", relay.DefaultURL))
	cfg.FetchTimeout = envDuration("GOSTGEN_FETCH_TIMEOUT", 30*time.Second, &errs)
	cfg.FetchAttempts = envInt("GOSTGEN_FETCH_ATTEMPTS", 3, &errs)
	cfg.FetchBackoff = envDuration("GOSTGEN_FETCH_BACKOFF", 2*time.Second, &errs)
	cfg.RelayCacheTTL = envDuration("GOSTGEN_RELAY_CACHE_TTL", 10*time.Minute, &errs)

	// --- Ports ---
	cfg.PortRangeStart = envInt("GOSTGEN_PORT_RANGE_START", portalloc.DefaultStart, &errs)
	cfg.PortRangeEnd = envInt("GOSTGEN_PORT_RANGE_END", portalloc.DefaultEnd, &errs)
	cfg.LocalProxyPort = envInt("GOSTGEN_LOCAL_PROXY_PORT", 1080, &errs)
	cfg.MetricsPort = envInt("GOSTGEN_METRICS_PORT", 9100, &errs)

	cfg.Interface = strings.TrimSpace(envStr("GOSTGEN_INTERFACE", ""))
	cfg.Schedule = strings.TrimSpace(envStr("GOSTGEN_SCHEDULE", ""))

	cfg.LogLevel = strings.TrimSpace(envStr("GOSTGEN_LOG_LEVEL", ""))
	cfg.LogFormat = strings.TrimSpace(envStr("GOSTGEN_LOG_FORMAT", string(logging.FormatConsole)))

	// --- Validation ---
	if cfg.DataDir == "" {
		errs = append(errs, "GOSTGEN_DATA_DIR must not be empty")
	}
	if strings.TrimSpace(cfg.GostConfig) == "" {
		errs = append(errs, "GOSTGEN_GOST_CONFIG must not be empty")
	}
	if cfg.RelayURL == "" {
		errs = append(errs, "GOSTGEN_RELAY_URL must not be empty")
	}
	if cfg.FetchTimeout <= 0 {
		errs = append(errs, "GOSTGEN_FETCH_TIMEOUT must be positive")
	}
	validatePositive("GOSTGEN_FETCH_ATTEMPTS", cfg.FetchAttempts, &errs)
	if cfg.FetchBackoff < 0 {
		errs = append(errs, "GOSTGEN_FETCH_BACKOFF must not be negative")
	}
	if cfg.RelayCacheTTL <= 0 {
		errs = append(errs, "GOSTGEN_RELAY_CACHE_TTL must be positive")
	}

	validatePort("GOSTGEN_PORT_RANGE_START", cfg.PortRangeStart, &errs)
	validatePort("GOSTGEN_PORT_RANGE_END", cfg.PortRangeEnd, &errs)
	validatePort("GOSTGEN_LOCAL_PROXY_PORT", cfg.LocalProxyPort, &errs)
	validatePort("GOSTGEN_METRICS_PORT", cfg.MetricsPort, &errs)
	if cfg.PortRangeStart >= cfg.PortRangeEnd {
		errs = append(errs, "GOSTGEN_PORT_RANGE_START must be less than GOSTGEN_PORT_RANGE_END")
	}
	rng := cfg.PortRange()
	if rng.Contains(cfg.LocalProxyPort) {
		errs = append(errs, "GOSTGEN_LOCAL_PROXY_PORT must lie outside the city port range")
	}
	if rng.Contains(cfg.MetricsPort) {
		errs = append(errs, "GOSTGEN_METRICS_PORT must lie outside the city port range")
	}
	if cfg.LocalProxyPort == cfg.MetricsPort {
		errs = append(errs, "GOSTGEN_LOCAL_PROXY_PORT and GOSTGEN_METRICS_PORT must differ")
	}

	if cfg.Schedule != "" {
		if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("GOSTGEN_SCHEDULE: invalid cron expression %q: %v", cfg.Schedule, err))
		}
	}
	if cfg.LogLevel != "" {
		if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
			errs = append(errs, fmt.Sprintf("GOSTGEN_LOG_LEVEL: %v", err))
		}
	}
	if _, err := logging.ParseFormat(cfg.LogFormat); err != nil {
		errs = append(errs, fmt.Sprintf("GOSTGEN_LOG_FORMAT: %v", err))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// PortRange returns the city port range.
func (c *EnvConfig) PortRange() portalloc.Range {
	return portalloc.Range{Start: c.PortRangeStart, End: c.PortRangeEnd}
}

// LocalAddr is the bind address of the local proxy service.
func (c *EnvConfig) LocalAddr() string { return ":" + strconv.Itoa(c.LocalProxyPort) }

// MetricsAddr is the bind address of the gost metrics endpoint.
func (c *EnvConfig) MetricsAddr() string { return ":" + strconv.Itoa(c.MetricsPort) }

// PolicySources returns where the gateway policy is looked up.
func (c *EnvConfig) PolicySources() policy.Sources {
	src := policy.DefaultSources(c.DataDir)
	src.EnvVar = c.GatewayEnvVar
	return src
}

// ExportFiles returns the export targets.
func (c *EnvConfig) ExportFiles() export.Files {
	return export.Files{CSV: c.ExportCSV, JSON: c.ExportJSON}
}

// Daemon reports whether passes repeat on a schedule.
func (c *EnvConfig) Daemon() bool { return c.Schedule != "" }

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
