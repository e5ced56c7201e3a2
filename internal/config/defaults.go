package config

import (
	"time"

	"github.com/spf13/viper"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("network.transport", TransportTCP)
	v.SetDefault("network.listen_addr", "127.0.0.1:7777")
	v.SetDefault("network.host_addr", "127.0.0.1:7777")
	v.SetDefault("network.websocket_path", "/lockstep")
	v.SetDefault("network.connect_timeout", 3*time.Second)

	v.SetDefault("sync.max_catch_up_speed", 10.0)
	v.SetDefault("sync.catch_up_threshold", 2)
	v.SetDefault("sync.trace_retention", 10)
	v.SetDefault("sync.trace_interval", 1)
	v.SetDefault("sync.pending_reports", 64)
	v.SetDefault("sync.tick_interval", 50*time.Millisecond)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.backend", "pebble")
	v.SetDefault("archive.path", "lockstep-archive")

	v.SetDefault("diagnostics.enabled", false)
	v.SetDefault("diagnostics.driver", "sqlite")
	v.SetDefault("diagnostics.dsn", "lockstep-diagnostics.db")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", "127.0.0.1:9107")

	v.SetDefault("status.enabled", false)
	v.SetDefault("status.address", "127.0.0.1:50061")
}
