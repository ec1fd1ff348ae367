package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBridgeAddr is the default TCP address the bridge connector
	// listens on for inbound WebSocket pipeline-to-pipeline connections.
	DefaultBridgeAddr = ":43127"
	// DefaultPingInterval controls the keepalive cadence for bridge WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound bridge WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultMaxClients bounds concurrent bridge connections. Zero disables the limit.
	DefaultMaxClients = 256

	// DefaultReplayDumpWindow bounds how frequently a store's live-follow
	// tooling may be asked to dump a catalog snapshot.
	DefaultReplayDumpWindow = time.Minute
	// DefaultReplayDumpBurst sets how many catalog dump requests may be made per window.
	DefaultReplayDumpBurst = 1

	// DefaultLogLevel controls verbosity for runtime logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "flowline.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultWorkerPoolSize is the number of scheduler workers a root
	// pipeline starts with when none is configured explicitly.
	DefaultWorkerPoolSize = 4
	// DefaultPageSize is the psi store page-index granularity in bytes.
	DefaultPageSize int64 = 4096
	// DefaultReplayPacingToleranceMS is the default allowed drift, in
	// milliseconds, of a replay-clock-enforced delivery from its scheduled
	// due time. The scheduler does not read this value and logs no pacing
	// warning.
	DefaultReplayPacingToleranceMS = 50
	// DefaultDiagnosticsSampleInterval is the sampler's tick cadence.
	DefaultDiagnosticsSampleInterval = time.Second
	// DefaultDiagnosticsAveragingSpan bounds how far back a sampler tick
	// averages per-receiver rolling history samples.
	DefaultDiagnosticsAveragingSpan = 30 * time.Second
	// DefaultStoreVolatileRetention is the number of trailing in-memory
	// extents a volatile-mode store keeps once it rolls over.
	DefaultStoreVolatileRetention = 6
)

// Config captures all runtime tunables for a flowline host process.
type Config struct {
	BridgeAddress    string
	AllowedOrigins   []string
	MaxPayloadBytes  int64
	PingInterval     time.Duration
	MaxClients       int
	TLSCertPath      string
	TLSKeyPath       string
	AdminToken       string
	ReplayDumpWindow time.Duration
	ReplayDumpBurst  int
	Logging          LoggingConfig

	WorkerPoolSize            int
	PageSize                  int64
	ReplayPacingToleranceMS   int
	DiagnosticsSampleInterval time.Duration
	DiagnosticsAveragingSpan  time.Duration
	StoreVolatileRetention    int

	StatePath     string
	StateInterval time.Duration
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads flowline's configuration from environment variables, applying
// sane defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		BridgeAddress:    getString("FLOWLINE_BRIDGE_ADDR", DefaultBridgeAddr),
		AllowedOrigins:   parseList(os.Getenv("FLOWLINE_ALLOWED_ORIGINS")),
		MaxPayloadBytes:  DefaultMaxPayloadBytes,
		PingInterval:     DefaultPingInterval,
		MaxClients:       DefaultMaxClients,
		TLSCertPath:      strings.TrimSpace(os.Getenv("FLOWLINE_TLS_CERT")),
		TLSKeyPath:       strings.TrimSpace(os.Getenv("FLOWLINE_TLS_KEY")),
		AdminToken:       strings.TrimSpace(os.Getenv("FLOWLINE_ADMIN_TOKEN")),
		ReplayDumpWindow: DefaultReplayDumpWindow,
		ReplayDumpBurst:  DefaultReplayDumpBurst,
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("FLOWLINE_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("FLOWLINE_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
		WorkerPoolSize:            DefaultWorkerPoolSize,
		PageSize:                  DefaultPageSize,
		ReplayPacingToleranceMS:   DefaultReplayPacingToleranceMS,
		DiagnosticsSampleInterval: DefaultDiagnosticsSampleInterval,
		DiagnosticsAveragingSpan:  DefaultDiagnosticsAveragingSpan,
		StoreVolatileRetention:    DefaultStoreVolatileRetention,
		StatePath:                 strings.TrimSpace(os.Getenv("FLOWLINE_STATE_PATH")),
		StateInterval:             30 * time.Second,
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("FLOWLINE_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FLOWLINE_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FLOWLINE_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("FLOWLINE_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FLOWLINE_MAX_CLIENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("FLOWLINE_MAX_CLIENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxClients = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FLOWLINE_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FLOWLINE_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FLOWLINE_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("FLOWLINE_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FLOWLINE_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("FLOWLINE_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FLOWLINE_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("FLOWLINE_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FLOWLINE_REPLAY_DUMP_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("FLOWLINE_REPLAY_DUMP_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.ReplayDumpWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FLOWLINE_REPLAY_DUMP_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FLOWLINE_REPLAY_DUMP_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.ReplayDumpBurst = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FLOWLINE_WORKER_POOL_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FLOWLINE_WORKER_POOL_SIZE must be a positive integer, got %q", raw))
		} else {
			cfg.WorkerPoolSize = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FLOWLINE_PAGE_SIZE")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FLOWLINE_PAGE_SIZE must be a positive integer, got %q", raw))
		} else {
			cfg.PageSize = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FLOWLINE_REPLAY_PACING_TOLERANCE_MS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("FLOWLINE_REPLAY_PACING_TOLERANCE_MS must be a non-negative integer, got %q", raw))
		} else {
			cfg.ReplayPacingToleranceMS = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FLOWLINE_DIAGNOSTICS_SAMPLE_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("FLOWLINE_DIAGNOSTICS_SAMPLE_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.DiagnosticsSampleInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FLOWLINE_DIAGNOSTICS_AVERAGING_SPAN")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("FLOWLINE_DIAGNOSTICS_AVERAGING_SPAN must be a positive duration, got %q", raw))
		} else {
			cfg.DiagnosticsAveragingSpan = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FLOWLINE_STORE_VOLATILE_RETENTION")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("FLOWLINE_STORE_VOLATILE_RETENTION must be a non-negative integer, got %q", raw))
		} else {
			cfg.StoreVolatileRetention = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FLOWLINE_STATE_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("FLOWLINE_STATE_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.StateInterval = duration
		}
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "FLOWLINE_TLS_CERT and FLOWLINE_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
