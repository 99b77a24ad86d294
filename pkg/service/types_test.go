package service

import (
	"path/filepath"
	"testing"

	"github.com/cribcall/cribcall-go/pkg/control"
	"github.com/cribcall/cribcall-go/pkg/identity"
	"github.com/cribcall/cribcall-go/pkg/pairing"
)

func TestDefaultMonitorConfig(t *testing.T) {
	cfg := DefaultMonitorConfig()

	if cfg.ControlAddress != ":48080" {
		t.Errorf("ControlAddress: got %q, want :48080", cfg.ControlAddress)
	}
	if cfg.PairingAddress != ":48081" {
		t.Errorf("PairingAddress: got %q, want :48081", cfg.PairingAddress)
	}
	if cfg.SessionTTL != pairing.DefaultSessionTTL {
		t.Errorf("SessionTTL: got %v, want %v", cfg.SessionTTL, pairing.DefaultSessionTTL)
	}
	if cfg.IdleTimeout != control.DefaultIdleTimeout {
		t.Errorf("IdleTimeout: got %v, want %v", cfg.IdleTimeout, control.DefaultIdleTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestDefaultListenerConfig(t *testing.T) {
	cfg := DefaultListenerConfig()

	if cfg.HandshakeTimeout != control.DefaultHandshakeTimeout {
		t.Errorf("HandshakeTimeout: got %v, want %v", cfg.HandshakeTimeout, control.DefaultHandshakeTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}

	cfg.Name = ""
	if err := cfg.Validate(); err != ErrInvalidConfig {
		t.Errorf("empty name: got %v, want ErrInvalidConfig", err)
	}
}

func TestServiceStateString(t *testing.T) {
	tests := map[ServiceState]string{
		StateIdle:     "IDLE",
		StateStarting: "STARTING",
		StateRunning:  "RUNNING",
		StateStopping: "STOPPING",
		StateStopped:  "STOPPED",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}

func TestIdentityStoreFollowsDataDir(t *testing.T) {
	if _, err := identityStore("").Load(); err != identity.ErrNotFound {
		t.Errorf("empty memory store: got %v, want ErrNotFound", err)
	}
	dir := t.TempDir()
	fs, ok := identityStore(dir).(*identity.FileStore)
	if !ok {
		t.Fatal("file store expected")
	}
	if want := filepath.Join(dir, IdentityFile); fs.Path() != want {
		t.Errorf("Path: got %q, want %q", fs.Path(), want)
	}
}
