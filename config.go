// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package knocker

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Protocol selects which listeners the proxy runs.
const (
	ProtocolTCP  = "tcp"
	ProtocolUDP  = "udp"
	ProtocolBoth = "both"
)

// Config holds the proxy configuration, loaded from the environment.
type Config struct {
	// Listener
	ListenAddress string `env:"LISTEN_ADDRESS" envDefault:":25565"`
	Protocol      string `env:"PROTOCOL"       envDefault:"tcp"`

	// Backend
	TargetAddress  string        `env:"TARGET_ADDRESS"  envDefault:"localhost:25566"`
	Command        string        `env:"COMMAND"`
	IdleTimeout    time.Duration `env:"IDLE_TIMEOUT"    envDefault:"1h"`
	IdleTick       time.Duration `env:"IDLE_TICK"`
	StartupTimeout time.Duration `env:"STARTUP_TIMEOUT" envDefault:"30s"`
	GracePeriod    time.Duration `env:"GRACE_PERIOD"    envDefault:"10s"`
	DialTimeout    time.Duration `env:"DIAL_TIMEOUT"    envDefault:"10s"`

	// Datagram sessions
	SessionTimeout time.Duration `env:"SESSION_TIMEOUT" envDefault:"30s"`
	MaxSessions    int           `env:"MAX_SESSIONS"    envDefault:"0"`
	SessionRate    int64         `env:"SESSION_RATE"    envDefault:"0"`
	SessionBurst   int64         `env:"SESSION_BURST"   envDefault:"0"`

	// Shutdown
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`
}

// NewConfig loads the configuration from the environment with the given
// parse options, typically env.Options{Prefix: "KNOCKER_"}.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the configuration for values the proxy cannot run with.
func (c Config) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("backend command must not be empty")
	}
	switch c.Protocol {
	case ProtocolTCP, ProtocolUDP, ProtocolBoth:
	default:
		return fmt.Errorf("unknown protocol %q, expected tcp, udp or both", c.Protocol)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %s", c.IdleTimeout)
	}
	if c.StartupTimeout <= 0 {
		return fmt.Errorf("startup timeout must be positive, got %s", c.StartupTimeout)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace period must not be negative, got %s", c.GracePeriod)
	}
	return nil
}
