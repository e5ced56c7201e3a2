// Package status reports session health over the standard gRPC health
// checking protocol.
package status

import (
	"fmt"
	"net"
)

// ServiceName is the health service name reported for a session.
const ServiceName = "lockstep.Host"

// Config holds configuration for the status server.
type Config struct {
	// Address is the address to listen on (e.g., "127.0.0.1:50061")
	Address string `mapstructure:"address"`

	// MaxRecvMsgSize is the maximum message size in bytes the server can receive.
	MaxRecvMsgSize int `mapstructure:"max_recv_msg_size"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Address:        "127.0.0.1:50061",
		MaxRecvMsgSize: 1024 * 1024,
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}
	if c.MaxRecvMsgSize <= 0 {
		return fmt.Errorf("max_recv_msg_size must be positive")
	}
	return nil
}
