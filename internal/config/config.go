// Package config holds the session role and the runtime configuration.
//
// Configuration comes from built-in defaults, optionally overlaid by a YAML
// file (--config), and finally by CLI flags applied in cmd/pastecall.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Role represents the peer's role in a session. It is assigned once per
// session and never changes afterwards.
type Role string

const (
	RoleNone      Role = ""
	RoleInitiator Role = "initiator" // creates the control data channel and every offer
	RoleResponder Role = "responder" // answers every offer
)

// ParseRole accepts the CLI spellings of a role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "initiator", "offer", "host":
		return RoleInitiator, nil
	case "responder", "answer", "client":
		return RoleResponder, nil
	}
	return RoleNone, fmt.Errorf("invalid role %q: must be 'initiator' or 'responder'", s)
}

// Config stores every tunable of a pastecall process.
type Config struct {
	// ICEServers are STUN URLs used for candidate gathering. TURN is never
	// used: the session is strictly direct peer-to-peer.
	ICEServers []string `yaml:"ice_servers"`

	// IncludeLoopback adds loopback candidates, needed when both peers run
	// on the same machine.
	IncludeLoopback bool `yaml:"include_loopback"`

	// GatherTimeout bounds the exhaustive candidate gathering of the
	// control channel. Gathering that overruns it proceeds with the
	// candidates found so far.
	GatherTimeout time.Duration `yaml:"gather_timeout"`

	// SettleDelay is the pause between the control channel opening and the
	// media offer being created.
	SettleDelay time.Duration `yaml:"settle_delay"`

	// LocatorBase is the origin and path offer links are built on.
	LocatorBase string `yaml:"locator_base"`

	// Compact selects DEFLATE-compressed envelopes.
	Compact bool `yaml:"compact_envelopes"`

	QR     QRConfig     `yaml:"qr"`
	Media  MediaConfig  `yaml:"media"`
	Bridge BridgeConfig `yaml:"bridge"`

	Debug bool `yaml:"debug"`
}

// QRConfig configures QR rendering and scanning.
type QRConfig struct {
	// Size is the rendered PNG edge length in pixels.
	Size int `yaml:"size"`

	// Scales are the image scale factors tried when scanning.
	Scales []float64 `yaml:"scales"`
}

// MediaConfig selects the local media source. Empty paths select the
// synthetic source.
type MediaConfig struct {
	VideoFile string `yaml:"video_file"` // IVF (VP8)
	AudioFile string `yaml:"audio_file"` // Ogg (Opus)

	// ReceiveOnly disables local media entirely.
	ReceiveOnly bool `yaml:"receive_only"`
}

// BridgeConfig configures the local websocket event feed for UIs.
type BridgeConfig struct {
	// Listen is the address to bind, e.g. "127.0.0.1:0". Empty disables
	// the bridge.
	Listen string `yaml:"listen"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		GatherTimeout: 5 * time.Second,
		SettleDelay:   500 * time.Millisecond,
		LocatorBase:   "https://pastecall.app/",
		QR: QRConfig{
			Size:   768,
			Scales: []float64{1, 0.5, 2, 0.25},
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error
	if c.GatherTimeout <= 0 {
		errs = append(errs, errors.New("gather_timeout must be positive"))
	}
	if c.SettleDelay < 0 {
		errs = append(errs, errors.New("settle_delay must not be negative"))
	}
	if c.QR.Size < 64 {
		errs = append(errs, errors.New("qr.size must be at least 64"))
	}
	if len(c.QR.Scales) == 0 {
		errs = append(errs, errors.New("qr.scales must not be empty"))
	}
	for _, s := range c.QR.Scales {
		if s <= 0 {
			errs = append(errs, fmt.Errorf("qr.scales: invalid factor %v", s))
		}
	}
	return errors.Join(errs...)
}
