package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Content sources.
const (
	SourceAgenda = "agenda"
	SourceURL    = "url"
)

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for de-dup and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// PanelConfig describes how the e-paper controller is wired. Pin names are
// periph.io gpioreg names ("GPIO25"); an empty name means not connected.
type PanelConfig struct {
	SPIPort string `yaml:"spi_port" json:"spi_port"`
	SPIHz   int64  `yaml:"spi_hz" json:"spi_hz"`

	DCPin    string `yaml:"dc_pin" json:"dc_pin"`
	CSPin    string `yaml:"cs_pin" json:"cs_pin"`
	ResetPin string `yaml:"reset_pin" json:"reset_pin"`
	BusyPin  string `yaml:"busy_pin" json:"busy_pin"`
	PowerPin string `yaml:"power_pin" json:"power_pin"`

	PowerHold      time.Duration `yaml:"power_hold" json:"power_hold"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout" json:"refresh_timeout"`

	// Rotate is the clockwise rotation (0, 90, 180, 270) applied to
	// landscape content before it is packed.
	Rotate int `yaml:"rotate" json:"rotate"`
}

// CaptureConfig controls the "url" content source.
type CaptureConfig struct {
	URL     string        `yaml:"url" json:"url"`
	Width   int           `yaml:"width" json:"width"`
	Height  int           `yaml:"height" json:"height"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// Dither selects "floyd-steinberg" (default) or "threshold".
	Dither string `yaml:"dither" json:"dither"`
}

// BatteryConfig enables the I2C fuel gauge shown in the agenda header.
type BatteryConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Bus     string `yaml:"bus" json:"bus"`
	Addr    uint16 `yaml:"addr" json:"addr"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the status API.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Timezone is the IANA timezone used for the agenda (e.g. "Europe/Berlin").
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *").
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// Source selects what is drawn: "agenda" or "url".
	Source string `yaml:"source" json:"source"`

	// HorizonDays is the number of future days listed by the agenda.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// ICS is the list of subscribed ICS sources.
	ICS []ICSConfig `yaml:"ics" json:"ics"`

	Capture CaptureConfig `yaml:"capture" json:"capture"`
	Battery BatteryConfig `yaml:"battery" json:"battery"`
	Panel   PanelConfig   `yaml:"panel" json:"panel"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultPanel is the CrowPanel-style wiring on a Raspberry Pi header.
func DefaultPanel() PanelConfig {
	return PanelConfig{
		SPIPort:        "",
		SPIHz:          2_000_000,
		DCPin:          "GPIO25",
		CSPin:          "",
		ResetPin:       "GPIO17",
		BusyPin:        "GPIO24",
		PowerPin:       "",
		PowerHold:      100 * time.Millisecond,
		IdleTimeout:    10 * time.Second,
		RefreshTimeout: 5 * time.Second,
		Rotate:         0,
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      "127.0.0.1:8080",
		LogLevel:    "info",
		Timezone:    "UTC",
		RefreshCron: "*/15 * * * *",
		Source:      SourceAgenda,
		HorizonDays: 3,
		ICS:         []ICSConfig{},
		Capture: CaptureConfig{
			Width:   296,
			Height:  128,
			Timeout: 30 * time.Second,
			Dither:  "floyd-steinberg",
		},
		Battery: BatteryConfig{
			Enabled: false,
			Bus:     "",
			Addr:    0x57,
		},
		Panel:     DefaultPanel(),
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = def.RefreshCron
	}
	switch c.Source {
	case SourceAgenda, SourceURL:
		// ok
	default:
		c.Source = SourceAgenda
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = def.HorizonDays
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}

	if c.Capture.Width <= 0 {
		c.Capture.Width = def.Capture.Width
	}
	if c.Capture.Height <= 0 {
		c.Capture.Height = def.Capture.Height
	}
	if c.Capture.Timeout <= 0 {
		c.Capture.Timeout = def.Capture.Timeout
	}
	switch c.Capture.Dither {
	case "floyd-steinberg", "threshold":
	default:
		c.Capture.Dither = def.Capture.Dither
	}

	if c.Battery.Addr == 0 {
		c.Battery.Addr = def.Battery.Addr
	}

	p := &c.Panel
	if p.SPIHz <= 0 {
		p.SPIHz = def.Panel.SPIHz
	}
	if p.DCPin == "" {
		p.DCPin = def.Panel.DCPin
	}
	if p.PowerHold <= 0 {
		p.PowerHold = def.Panel.PowerHold
	}
	if p.IdleTimeout <= 0 {
		p.IdleTimeout = def.Panel.IdleTimeout
	}
	if p.RefreshTimeout <= 0 {
		p.RefreshTimeout = def.Panel.RefreshTimeout
	}
	switch p.Rotate {
	case 0, 90, 180, 270:
	default:
		p.Rotate = 0
	}
}

// Validate reports settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Source == SourceURL && c.Capture.URL == "" {
		return errors.New("config: source is \"url\" but capture.url is empty")
	}
	for i, src := range c.ICS {
		if src.URL == "" {
			return fmt.Errorf("config: ics[%d] has no url", i)
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path atomically
// (temp file + rename) with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".epdpanel-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
