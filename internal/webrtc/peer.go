// Package webrtc builds the pion API shared by every PeerConnection of a
// session and creates the control DataChannel.
package webrtc

import (
	"fmt"
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/pastecall/internal/config"
	"github.com/1ureka/pastecall/internal/util"
)

// ControlLabel is the label of the control DataChannel.
const ControlLabel = "control"

// Factory creates PeerConnections from one pion API: default codecs, default
// interceptors (NACK, RTCP reports, TWCC) and pion logs routed to pterm.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewFactory validates the ICE servers and builds the API. Only STUN servers
// are accepted: the session never relays through TURN.
func NewFactory(cfg config.Config) (*Factory, error) {
	for _, u := range cfg.ICEServers {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return nil, fmt.Errorf("ice server %q: only stun: URLs are supported", u)
		}
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	s := webrtc.SettingEngine{}
	s.LoggerFactory = util.PionLoggerFactory{}
	if cfg.IncludeLoopback {
		s.SetIncludeLoopbackCandidate(true)
	}

	f := &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(i),
			webrtc.WithSettingEngine(s),
		),
	}
	if len(cfg.ICEServers) > 0 {
		f.config.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	return f, nil
}

// NewPeerConnection creates a PeerConnection with the configured STUN servers.
func (f *Factory) NewPeerConnection() (*webrtc.PeerConnection, error) {
	return f.api.NewPeerConnection(f.config)
}

// NewControlChannel creates the ordered, reliable control DataChannel.
// Media descriptors and trickled candidates depend on arriving in order, so
// unlike a bulk data channel this one is never unordered.
func NewControlChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	return pc.CreateDataChannel(ControlLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
}
