// Package config loads monitor and listener settings from YAML files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "cribcall"

	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "CRIBCALL_DATA_DIR"

	// DefaultControlPort is the mTLS control server port.
	DefaultControlPort = 48080

	// DefaultPairingPort is the pairing server port.
	DefaultPairingPort = 48081
)

// Defaults shared by both roles.
const (
	DefaultLogLevel        = "info"
	DefaultSessionTTL      = 60 * time.Second
	DefaultMaxAttempts     = 3
	DefaultIdleTimeout     = 30 * time.Second
	DefaultNoiseThreshold  = 50
	DefaultNoiseCooldown   = 30 * time.Second
	DefaultPairingRate     = 10
	DefaultPairingRateSpan = time.Minute
)

// LoadError reports a config file that could not be read or parsed.
type LoadError struct {
	File    string
	Message string
	Cause   error
}

func (e *LoadError) Error() string {
	msg := e.Message
	if e.File != "" {
		msg = e.File + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error { return e.Cause }

// MonitorConfig configures a monitor (the baby-side device).
type MonitorConfig struct {
	DataDir string `yaml:"dataDir"`
	Name    string `yaml:"name"`

	// DeviceID is used when a new identity is generated. Empty picks a UUID.
	DeviceID string `yaml:"deviceId"`

	ControlPort int    `yaml:"controlPort"`
	PairingPort int    `yaml:"pairingPort"`
	BindAddress string `yaml:"bindAddress"`

	LogLevel    string `yaml:"logLevel"`
	ProtocolLog string `yaml:"protocolLog"`

	// MetricsAddress enables /metrics on a plain HTTP listener when set.
	MetricsAddress string `yaml:"metricsAddress"`

	SessionTTL  time.Duration `yaml:"sessionTTL"`
	MaxAttempts int           `yaml:"maxAttempts"`
	IdleTimeout time.Duration `yaml:"idleTimeout"`

	// PairingRate bounds pairing upgrades per client IP per PairingRateSpan.
	PairingRate     int           `yaml:"pairingRate"`
	PairingRateSpan time.Duration `yaml:"pairingRateSpan"`

	NoiseThreshold int           `yaml:"noiseThreshold"`
	NoiseCooldown  time.Duration `yaml:"noiseCooldown"`

	// Advertise enables mDNS advertisement.
	Advertise *bool `yaml:"advertise"`
}

// ListenerConfig configures a listener (the parent-side device).
type ListenerConfig struct {
	DataDir  string `yaml:"dataDir"`
	Name     string `yaml:"name"`
	DeviceID string `yaml:"deviceId"`

	LogLevel    string `yaml:"logLevel"`
	ProtocolLog string `yaml:"protocolLog"`

	IdleTimeout      time.Duration `yaml:"idleTimeout"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`

	// DeliveryToken is sent in noise subscriptions.
	DeliveryToken string `yaml:"deliveryToken"`
	Platform      string `yaml:"platform"`
	LeaseSeconds  int    `yaml:"leaseSeconds"`
}

// AdvertiseEnabled reports whether mDNS advertisement is on (default: true).
func (c *MonitorConfig) AdvertiseEnabled() bool {
	return c.Advertise == nil || *c.Advertise
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.Name == "" {
		c.Name = hostName("Monitor")
	}
	if c.ControlPort == 0 {
		c.ControlPort = DefaultControlPort
	}
	if c.PairingPort == 0 {
		c.PairingPort = DefaultPairingPort
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.PairingRate == 0 {
		c.PairingRate = DefaultPairingRate
	}
	if c.PairingRateSpan == 0 {
		c.PairingRateSpan = DefaultPairingRateSpan
	}
	if c.NoiseThreshold == 0 {
		c.NoiseThreshold = DefaultNoiseThreshold
	}
	if c.NoiseCooldown == 0 {
		c.NoiseCooldown = DefaultNoiseCooldown
	}
	return c
}

// Validate checks a monitor configuration after defaults are applied.
func (c *MonitorConfig) Validate() error {
	if c.DataDir == "" {
		return errors.New("dataDir is required")
	}
	if err := validPort("controlPort", c.ControlPort); err != nil {
		return err
	}
	if err := validPort("pairingPort", c.PairingPort); err != nil {
		return err
	}
	if c.ControlPort == c.PairingPort {
		return fmt.Errorf("controlPort and pairingPort must differ (both %d)", c.ControlPort)
	}
	if c.SessionTTL < 10*time.Second || c.SessionTTL > 300*time.Second {
		return fmt.Errorf("sessionTTL %s outside 10s-300s", c.SessionTTL)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("maxAttempts must be positive, got %d", c.MaxAttempts)
	}
	if c.NoiseThreshold < 0 || c.NoiseThreshold > 100 {
		return fmt.Errorf("noiseThreshold %d outside 0-100", c.NoiseThreshold)
	}
	return validLogLevel(c.LogLevel)
}

func (c ListenerConfig) withDefaults() ListenerConfig {
	if c.Name == "" {
		c.Name = hostName("Listener")
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Platform == "" {
		c.Platform = "cli"
	}
	return c
}

// Validate checks a listener configuration after defaults are applied.
func (c *ListenerConfig) Validate() error {
	if c.DataDir == "" {
		return errors.New("dataDir is required")
	}
	if c.LeaseSeconds < 0 {
		return fmt.Errorf("leaseSeconds must not be negative, got %d", c.LeaseSeconds)
	}
	return validLogLevel(c.LogLevel)
}

func validPort(field string, p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("%s %d out of range", field, p)
	}
	return nil
}

func validLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("unknown logLevel %q", level)
}

func hostName(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}

// LoadMonitor reads path (optional: an empty path or a missing file yields
// defaults), applies defaults and validates.
func LoadMonitor(path string) (*MonitorConfig, error) {
	var cfg MonitorConfig
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *MonitorConfig) resolve() error {
	*c = c.withDefaults()
	if c.DataDir == "" {
		dir, err := ResolveDataDir("monitor")
		if err != nil {
			return err
		}
		c.DataDir = dir
	}
	return c.Validate()
}

// LoadListener is LoadMonitor for listener configs.
func LoadListener(path string) (*ListenerConfig, error) {
	var cfg ListenerConfig
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if cfg.DataDir == "" {
		dir, err := ResolveDataDir("listener")
		if err != nil {
			return nil, err
		}
		cfg.DataDir = dir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func load(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &LoadError{File: path, Message: "failed to read file", Cause: err}
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return &LoadError{File: path, Message: "failed to parse YAML", Cause: err}
	}
	return nil
}

// Save writes cfg as YAML.
func Save(path string, cfg any) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ResolveDataDir returns the OS-aware data directory for role ("monitor"
// or "listener"). If CRIBCALL_DATA_DIR is set, it is used as the base
// instead.
func ResolveDataDir(role string) (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return filepath.Join(override, role), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	var base string
	switch runtime.GOOS {
	case "windows":
		base = os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
	case "darwin":
		base = filepath.Join(home, "Library", "Application Support")
	default:
		base = os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(base, AppDirectoryName, role), nil
}

// ConfigPath returns the default config file path inside a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}
