package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidateConfig validates the complete configuration.
func ValidateConfig(config *Config) error {
	if err := validateNetwork(&config.Network); err != nil {
		return fmt.Errorf("network config validation failed: %w", err)
	}
	if err := validateSync(&config.Sync); err != nil {
		return fmt.Errorf("sync config validation failed: %w", err)
	}
	if err := validateLog(&config.Log); err != nil {
		return fmt.Errorf("log config validation failed: %w", err)
	}
	if config.Archive.Enabled {
		switch config.Archive.Backend {
		case "pebble", "leveldb":
		default:
			return fmt.Errorf("archive backend must be pebble or leveldb, got %q", config.Archive.Backend)
		}
		if config.Archive.Path == "" {
			return fmt.Errorf("archive path is required")
		}
	}
	if config.Diagnostics.Enabled {
		switch config.Diagnostics.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("diagnostics driver must be sqlite or postgres, got %q", config.Diagnostics.Driver)
		}
		if config.Diagnostics.DSN == "" {
			return fmt.Errorf("diagnostics dsn is required")
		}
	}
	if config.Metrics.Enabled {
		if err := validateAddress(config.Metrics.Address); err != nil {
			return fmt.Errorf("metrics address: %w", err)
		}
	}
	if config.Status.Enabled {
		if err := validateAddress(config.Status.Address); err != nil {
			return fmt.Errorf("status address: %w", err)
		}
	}
	return nil
}

func validateNetwork(n *NetworkConfig) error {
	switch n.Transport {
	case TransportTCP:
	case TransportWebSocket:
		if !strings.HasPrefix(n.WebSocketPath, "/") {
			return fmt.Errorf("websocket_path must start with /")
		}
	default:
		return fmt.Errorf("transport must be %s or %s, got %q", TransportTCP, TransportWebSocket, n.Transport)
	}
	if err := validateAddress(n.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr: %w", err)
	}
	if n.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	return nil
}

func validateSync(s *SyncConfig) error {
	if s.MaxCatchUpSpeed <= 0 {
		return fmt.Errorf("max_catch_up_speed must be positive")
	}
	if s.CatchUpThreshold < 0 {
		return fmt.Errorf("catch_up_threshold must be >= 0")
	}
	if s.TraceRetention <= 0 {
		return fmt.Errorf("trace_retention must be positive")
	}
	if s.TraceInterval < 0 {
		return fmt.Errorf("trace_interval must be >= 0")
	}
	if s.PendingReports <= 0 {
		return fmt.Errorf("pending_reports must be positive")
	}
	if s.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}
	return nil
}

func validateLog(l *LogConfig) error {
	switch strings.ToLower(l.Format) {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("format must be text or json, got %q", l.Format)
	}
}

func validateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}
	return nil
}
