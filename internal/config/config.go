// Package config holds the typed runtime configuration, loaded once at
// startup from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/osrv/onvifsim/internal/auth"
)

// Build metadata, stamped via -ldflags at release time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Auth schemes accepted in the config file.
const (
	SchemeDigest = "digest"
	SchemeNone   = "none"
)

// Config is the root of onvifsim.yaml.
type Config struct {
	Server    Server    `yaml:"server"`
	Auth      Auth      `yaml:"auth"`
	Users     []User    `yaml:"users"`
	Device    Device    `yaml:"device"`
	Media     Media     `yaml:"media"`
	Events    Events    `yaml:"events"`
	Discovery Discovery `yaml:"discovery"`
}

// Server is the network identity of the simulated device.
type Server struct {
	Address      string        `yaml:"address"`   // advertised host or IP
	HTTPPort     int           `yaml:"http_port"` // SOAP services
	RTSPPort     int           `yaml:"rtsp_port"`
	NetworkDelay time.Duration `yaml:"network_delay"` // artificial per-request latency, 0 disables
}

// Auth selects and parameterizes the authentication scheme.
type Auth struct {
	Scheme   string        `yaml:"scheme"` // digest | none
	Realm    string        `yaml:"realm"`
	NonceTTL time.Duration `yaml:"nonce_ttl"`
}

// User is one system-users entry.
type User struct {
	Login    string `yaml:"login"`
	Password string `yaml:"password"`
	Type     string `yaml:"type"` // administrator | operator | user
}

// Device is the static identity reported by GetDeviceInformation.
type Device struct {
	Manufacturer    string `yaml:"manufacturer"`
	Model           string `yaml:"model"`
	FirmwareVersion string `yaml:"firmware_version"`
	SerialNumber    string `yaml:"serial_number"`
	HardwareID      string `yaml:"hardware_id"`
}

// Media points at the profile store and names the stream paths handed out
// by GetStreamUri/GetSnapshotUri.
type Media struct {
	ProfilesPath string `yaml:"profiles_path"`
	StreamPath   string `yaml:"stream_path"`
	SnapshotPath string `yaml:"snapshot_path"`
}

// Events configures the notification engine.
type Events struct {
	PullPoint     PullPoint      `yaml:"pull_point"`
	DigitalInputs []DigitalInput `yaml:"digital_inputs"`
	Generators    []Generator    `yaml:"generators"`
}

// PullPoint bounds subscriptions.
type PullPoint struct {
	TimeoutInterval time.Duration `yaml:"timeout_interval"` // subscription lifetime
	MaxTimeout      time.Duration `yaml:"max_timeout"`      // per-poll cap
	MaxMessages     int           `yaml:"max_messages"`     // queue bound
}

// DigitalInput is one simulated relay input.
type DigitalInput struct {
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"enabled"`
}

// Generator is one event source block. Token fields apply per type; unused
// ones stay empty.
type Generator struct {
	Type           string        `yaml:"type"` // digital_input | motion_alarm | cell_motion | audio_detection
	Enabled        bool          `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval"`
	Topic          string        `yaml:"topic"`
	Source         string        `yaml:"source"`          // motion_alarm
	SourceToken    string        `yaml:"source_token"`    // cell_motion / audio_detection
	AnalyticsToken string        `yaml:"analytics_token"` // cell_motion / audio_detection
	Rule           string        `yaml:"rule"`            // cell_motion / audio_detection
	DataName       string        `yaml:"data_name"`       // cell_motion / audio_detection
}

// Discovery configures the WS-Discovery responder.
type Discovery struct {
	Enabled      bool     `yaml:"enabled"`
	EndpointUUID string   `yaml:"endpoint_uuid"` // generated when empty
	Scopes       []string `yaml:"scopes"`
	Types        string   `yaml:"types"`
}

// Load reads, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "read config %q", path)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Annotatef(err, "parse config %q", path)
	}
	if err := cfg.validate(); err != nil {
		return nil, errors.Annotatef(err, "invalid config %q", path)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: Server{
			Address:  "127.0.0.1",
			HTTPPort: 8080,
			RTSPPort: 8554,
		},
		Auth: Auth{
			Scheme:   SchemeDigest,
			Realm:    "OnvifSimulator",
			NonceTTL: time.Minute,
		},
		Device: Device{
			Manufacturer:    "osrv",
			Model:           "onvifsim",
			FirmwareVersion: Version,
			SerialNumber:    "0000-0000",
			HardwareID:      "sim-0",
		},
		Media: Media{
			ProfilesPath: "media_profiles.json",
			StreamPath:   "Live&Unicast",
			SnapshotPath: "snapshot",
		},
		Events: Events{
			PullPoint: PullPoint{
				TimeoutInterval: time.Minute,
				MaxTimeout:      5 * time.Minute,
				MaxMessages:     50,
			},
		},
		Discovery: Discovery{
			Enabled: true,
			Types:   "dn:NetworkVideoTransmitter",
		},
	}
}

func (c *Config) validate() error {
	if c.Auth.Scheme != SchemeDigest && c.Auth.Scheme != SchemeNone {
		return fmt.Errorf("auth scheme must be %q or %q, got %q", SchemeDigest, SchemeNone, c.Auth.Scheme)
	}
	if c.Auth.NonceTTL <= 0 {
		return fmt.Errorf("auth nonce_ttl must be positive")
	}
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("http_port out of range: %d", c.Server.HTTPPort)
	}
	if c.Server.RTSPPort <= 0 || c.Server.RTSPPort > 65535 {
		return fmt.Errorf("rtsp_port out of range: %d", c.Server.RTSPPort)
	}
	for _, u := range c.Users {
		if u.Login == "" {
			return fmt.Errorf("user with empty login")
		}
		if _, err := auth.ParseUserType(u.Type); err != nil {
			return fmt.Errorf("user %q: %w", u.Login, err)
		}
	}
	for i, g := range c.Events.Generators {
		switch g.Type {
		case "digital_input", "motion_alarm", "cell_motion", "audio_detection":
		default:
			return fmt.Errorf("generator %d: unknown type %q", i, g.Type)
		}
		if g.Enabled && g.Interval <= 0 {
			return fmt.Errorf("generator %d (%s): interval must be positive", i, g.Type)
		}
	}
	return nil
}

// UserAccounts converts the configured users into the auth package's form.
// Validation already guaranteed the types parse.
func (c *Config) UserAccounts() []auth.UserAccount {
	out := make([]auth.UserAccount, 0, len(c.Users))
	for _, u := range c.Users {
		t, _ := auth.ParseUserType(u.Type)
		out = append(out, auth.UserAccount{Login: u.Login, Password: u.Password, Type: t})
	}
	return out
}

// BaseURL is the advertised HTTP origin, e.g. "http://192.168.1.5:8080".
func (c *Config) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Server.Address, c.Server.HTTPPort)
}

// RTSPURL builds the advertised RTSP URI for a stream path.
func (c *Config) RTSPURL(path string) string {
	return fmt.Sprintf("rtsp://%s:%d/%s", c.Server.Address, c.Server.RTSPPort, path)
}
