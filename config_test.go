// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package knocker

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
)

func TestNewConfig_Defaults(t *testing.T) {
	t.Setenv("KNOCKER_COMMAND", "/usr/bin/backend --port 25566")

	cfg, err := NewConfig(env.Options{Prefix: "KNOCKER_"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Protocol != ProtocolTCP {
		t.Errorf("expected default protocol tcp, got %q", cfg.Protocol)
	}
	if cfg.IdleTimeout != time.Hour {
		t.Errorf("expected default idle timeout 1h, got %s", cfg.IdleTimeout)
	}
	if cfg.GracePeriod != 10*time.Second {
		t.Errorf("expected default grace period 10s, got %s", cfg.GracePeriod)
	}
}

func TestNewConfig_Overrides(t *testing.T) {
	t.Setenv("KNOCKER_COMMAND", "java -jar server.jar")
	t.Setenv("KNOCKER_PROTOCOL", "both")
	t.Setenv("KNOCKER_LISTEN_ADDRESS", ":27015")
	t.Setenv("KNOCKER_IDLE_TIMEOUT", "5m")

	cfg, err := NewConfig(env.Options{Prefix: "KNOCKER_"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Protocol != ProtocolBoth {
		t.Errorf("expected protocol both, got %q", cfg.Protocol)
	}
	if cfg.ListenAddress != ":27015" {
		t.Errorf("expected listen address :27015, got %q", cfg.ListenAddress)
	}
	if cfg.IdleTimeout != 5*time.Minute {
		t.Errorf("expected idle timeout 5m, got %s", cfg.IdleTimeout)
	}
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		desc    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			desc:   "valid",
			mutate: func(c *Config) {},
		},
		{
			desc:    "missing command",
			mutate:  func(c *Config) { c.Command = "" },
			wantErr: true,
		},
		{
			desc:    "unknown protocol",
			mutate:  func(c *Config) { c.Protocol = "sctp" },
			wantErr: true,
		},
		{
			desc:    "zero idle timeout",
			mutate:  func(c *Config) { c.IdleTimeout = 0 },
			wantErr: true,
		},
		{
			desc:    "negative grace period",
			mutate:  func(c *Config) { c.GracePeriod = -time.Second },
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := Config{
				Command:        "sleep 30",
				Protocol:       ProtocolTCP,
				IdleTimeout:    time.Hour,
				StartupTimeout: 30 * time.Second,
				GracePeriod:    10 * time.Second,
			}
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected an error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
