package lockgov

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/lockgov/internal/core"
	"pkt.systems/lockgov/internal/httpapi"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9441"
	// DefaultListenProto controls the scheme used when no protocol is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultJSONMaxBytes bounds incoming JSON payloads.
	DefaultJSONMaxBytes = httpapi.DefaultJSONMaxBytes
	// DefaultSessionMaxAge expires sessions that stay idle for longer than
	// this unless the session asks for something else.
	DefaultSessionMaxAge = core.DefaultSessionMaxAge
	// DefaultMaxSessionMaxAge caps the max age a client may request.
	DefaultMaxSessionMaxAge = time.Hour
	// DefaultSweeperInterval sets the tick frequency for expiry sweeps.
	DefaultSweeperInterval = core.DefaultSweeperInterval
	// DefaultTrustMode selects how the server assesses its own trust level.
	DefaultTrustMode = TrustModeHost
	// DefaultTrustTTL caches host pressure samples for this long.
	DefaultTrustTTL = 5 * time.Second
	// DefaultDrainGrace is the period during which the server refuses new
	// transactions with a retryable error before HTTP shutdown begins.
	DefaultDrainGrace = 2 * time.Second
	// DefaultShutdownTimeout caps the total shutdown time (drain + HTTP server).
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

const (
	// TrustModeHost derives the trust level from CPU and memory pressure.
	TrustModeHost = "host"
	// TrustModeFixed reports Config.TrustLevel.
	TrustModeFixed = "fixed"
)

// DefaultConfigDir returns the directory searched for config.yaml. It honours
// LOCKGOV_CONFIG_DIR and falls back to $HOME/.lockgov.
func DefaultConfigDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("LOCKGOV_CONFIG_DIR")); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".lockgov"), nil
}

// Config captures the tunables for a lockgov server.
type Config struct {
	// Listen is the server bind address (for example ":9441").
	Listen string
	// ListenProto selects listener type ("tcp" or "unix").
	ListenProto string
	// Host is the name reported as ServerHost in results. Defaults to the
	// machine host name.
	Host string
	// MetricsListen is the metrics endpoint bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics enables runtime profiling metrics on the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables OTLP tracing when set (grpc://, grpcs://, http://,
	// https:// or bare host:port for insecure gRPC).
	OTLPEndpoint string
	// EnableHTTPTracing instruments HTTP routes with otelhttp spans.
	EnableHTTPTracing bool
	// JSONMaxBytes caps incoming JSON payload size.
	JSONMaxBytes int64
	// DefaultSessionMaxAge expires idle sessions that carry no max age.
	DefaultSessionMaxAge time.Duration
	// MaxSessionMaxAge caps the max age a client may request.
	MaxSessionMaxAge time.Duration
	// SweeperInterval controls expiry sweep cadence.
	SweeperInterval time.Duration
	// TrustMode selects the trust assessor ("host" or "fixed").
	TrustMode string
	// TrustLevel is the level reported in fixed mode, in [0,1].
	TrustLevel float64
	// TrustTTL caches host pressure samples in host mode.
	TrustTTL time.Duration
	// DrainGrace is the pre-shutdown period during which transactions are
	// refused with a retryable error.
	DrainGrace time.Duration
	// DrainGraceSet reports whether DrainGrace was explicitly set.
	DrainGraceSet bool
	// ShutdownTimeout caps total graceful shutdown duration (drain + HTTP shutdown).
	ShutdownTimeout time.Duration
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6":
		if _, _, err := net.SplitHostPort(c.Listen); err != nil {
			return fmt.Errorf("config: listen %q: %w", c.Listen, err)
		}
	case "unix":
	default:
		return fmt.Errorf("config: listen proto must be tcp or unix, got %q", c.ListenProto)
	}
	c.Host = strings.TrimSpace(c.Host)
	if c.Host == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.Host = host
		} else {
			c.Host = "localhost"
		}
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.JSONMaxBytes == 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	} else if c.JSONMaxBytes < 0 {
		return fmt.Errorf("config: json max bytes must be >= 0")
	}
	if c.DefaultSessionMaxAge == 0 {
		c.DefaultSessionMaxAge = DefaultSessionMaxAge
	} else if c.DefaultSessionMaxAge < 0 {
		return fmt.Errorf("config: session max age must be >= 0")
	}
	if c.MaxSessionMaxAge == 0 {
		c.MaxSessionMaxAge = max(DefaultMaxSessionMaxAge, c.DefaultSessionMaxAge)
	}
	if c.MaxSessionMaxAge < c.DefaultSessionMaxAge {
		return fmt.Errorf("config: max session max age (%s) must be >= session max age (%s)", c.MaxSessionMaxAge, c.DefaultSessionMaxAge)
	}
	if c.SweeperInterval == 0 {
		c.SweeperInterval = DefaultSweeperInterval
	} else if c.SweeperInterval < 0 {
		return fmt.Errorf("config: sweeper interval must be >= 0")
	}
	c.TrustMode = strings.ToLower(strings.TrimSpace(c.TrustMode))
	if c.TrustMode == "" {
		c.TrustMode = DefaultTrustMode
	}
	switch c.TrustMode {
	case TrustModeHost:
		if c.TrustTTL <= 0 {
			c.TrustTTL = DefaultTrustTTL
		}
	case TrustModeFixed:
		if c.TrustLevel < 0 || c.TrustLevel > 1 {
			return fmt.Errorf("config: trust level must be within [0,1], got %v", c.TrustLevel)
		}
	default:
		return fmt.Errorf("config: trust mode must be %q or %q", TrustModeHost, TrustModeFixed)
	}
	if !c.DrainGraceSet && c.DrainGrace == 0 {
		c.DrainGrace = DefaultDrainGrace
	} else if c.DrainGrace < 0 {
		return fmt.Errorf("config: drain grace must be >= 0")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	} else if c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: shutdown timeout must be >= 0")
	}
	return nil
}
