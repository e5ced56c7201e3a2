// Package config loads lockstepd configuration.
package config

import "time"

// Transports.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// Config represents the complete lockstepd configuration.
type Config struct {
	Network     NetworkConfig     `toml:"network" mapstructure:"network"`
	Sync        SyncConfig        `toml:"sync" mapstructure:"sync"`
	Log         LogConfig         `toml:"log" mapstructure:"log"`
	Archive     ArchiveConfig     `toml:"archive" mapstructure:"archive"`
	Diagnostics DiagnosticsConfig `toml:"diagnostics" mapstructure:"diagnostics"`
	Metrics     MetricsConfig     `toml:"metrics" mapstructure:"metrics"`
	Status      StatusConfig      `toml:"status" mapstructure:"status"`

	configPath string
}

// NetworkConfig configures the peer transport.
type NetworkConfig struct {
	Transport      string        `toml:"transport" mapstructure:"transport"`
	ListenAddr     string        `toml:"listen_addr" mapstructure:"listen_addr"`
	HostAddr       string        `toml:"host_addr" mapstructure:"host_addr"`
	WebSocketPath  string        `toml:"websocket_path" mapstructure:"websocket_path"`
	ConnectTimeout time.Duration `toml:"connect_timeout" mapstructure:"connect_timeout"`
}

// SyncConfig configures the synchronizer and desync detection.
type SyncConfig struct {
	MaxCatchUpSpeed  float64       `toml:"max_catch_up_speed" mapstructure:"max_catch_up_speed"`
	CatchUpThreshold int64         `toml:"catch_up_threshold" mapstructure:"catch_up_threshold"`
	TraceRetention   int           `toml:"trace_retention" mapstructure:"trace_retention"`
	TraceInterval    int64         `toml:"trace_interval" mapstructure:"trace_interval"`
	PendingReports   int           `toml:"pending_reports" mapstructure:"pending_reports"`
	TickInterval     time.Duration `toml:"tick_interval" mapstructure:"tick_interval"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `toml:"level" mapstructure:"level"`
	Format string `toml:"format" mapstructure:"format"`
}

// ArchiveConfig configures session archiving.
type ArchiveConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Backend string `toml:"backend" mapstructure:"backend"`
	Path    string `toml:"path" mapstructure:"path"`
}

// DiagnosticsConfig configures the desync report store.
type DiagnosticsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Driver  string `toml:"driver" mapstructure:"driver"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Address string `toml:"address" mapstructure:"address"`
}

// StatusConfig configures the gRPC health endpoint.
type StatusConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Address string `toml:"address" mapstructure:"address"`
}

// ConfigPath returns the file the configuration was read from, if any.
func (c *Config) ConfigPath() string {
	return c.configPath
}
