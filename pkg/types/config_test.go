package types

import (
	"errors"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{
			name:    "empty backend returns ErrBackendEmpty",
			config:  Config{Backend: "", DataDir: "/tmp/data"},
			wantErr: ErrBackendEmpty,
		},
		{
			name:    "negative timeout returns ErrTimeoutNegative",
			config:  Config{Backend: "redis", OperationTimeout: -time.Second},
			wantErr: ErrTimeoutNegative,
		},
		{
			name:    "port out of range",
			config:  Config{Backend: "postgres", Port: 70000},
			wantErr: ErrPortOutOfRange,
		},
		{
			name:    "uri with hosts",
			config:  Config{Backend: "cassandra", URI: "x", Hosts: []string{"a"}},
			wantErr: ErrHostsAndURIBoth,
		},
		{
			name:    "valid sqlite config",
			config:  Config{Backend: "sqlite", DataDir: "/tmp/data"},
			wantErr: nil,
		},
		{
			name:    "unregistered backend is valid at config level",
			config:  Config{Backend: "couchdb"},
			wantErr: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected nil error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error %v, got nil", tt.wantErr)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfigWithDefaults(t *testing.T) {
	c := Config{Backend: "memory"}.WithDefaults()
	if c.ConnectTimeout != DefaultConnectTimeout {
		t.Errorf("ConnectTimeout = %v, want %v", c.ConnectTimeout, DefaultConnectTimeout)
	}
	if c.OperationTimeout != DefaultOperationTimeout {
		t.Errorf("OperationTimeout = %v, want %v", c.OperationTimeout, DefaultOperationTimeout)
	}

	c = Config{Backend: "memory", OperationTimeout: time.Second}.WithDefaults()
	if c.OperationTimeout != time.Second {
		t.Errorf("explicit OperationTimeout overwritten: %v", c.OperationTimeout)
	}
}

func TestConfigOption(t *testing.T) {
	c := Config{Options: map[string]string{"prefix": "app:", "empty": ""}}
	if got := c.Option("prefix", "unidb:"); got != "app:" {
		t.Errorf("Option(prefix) = %q", got)
	}
	if got := c.Option("empty", "d"); got != "d" {
		t.Errorf("Option(empty) = %q, want default", got)
	}
	if got := (Config{}).Option("missing", "d"); got != "d" {
		t.Errorf("Option on nil map = %q", got)
	}
}
