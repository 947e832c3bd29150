package session

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/pastecall/internal/config"
	"github.com/1ureka/pastecall/internal/media"
	"github.com/1ureka/pastecall/internal/negotiator"
	"github.com/1ureka/pastecall/internal/transport"
)

// session is one connection attempt, from role assignment to teardown.
// Callbacks compare their session against the orchestrator's current one,
// so events from a torn-down attempt are ignored.
type session struct {
	role   config.Role
	ctx    context.Context
	cancel context.CancelFunc

	// controlOpen is closed when the control PeerConnection is connected.
	controlOpen     chan struct{}
	controlOpenOnce sync.Once

	mu        sync.Mutex
	released  bool
	control   *negotiator.Negotiator
	transport *transport.Transport
	media     *negotiator.Negotiator
	local     *media.Handle
	pending   []webrtc.ICECandidateInit // media candidates received before the media negotiator

	releaseOnce sync.Once
}

func newSession(role config.Role) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		role:        role,
		ctx:         ctx,
		cancel:      cancel,
		controlOpen: make(chan struct{}),
	}
}

func (s *session) markControlOpen() {
	s.controlOpenOnce.Do(func() { close(s.controlOpen) })
}

// setControl stores the control negotiator unless the session was released.
func (s *session) setControl(n *negotiator.Negotiator) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	s.control = n
	return true
}

// setTransport stores tr if no transport is attached yet.
func (s *session) setTransport(tr *transport.Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || s.transport != nil {
		return false
	}
	s.transport = tr
	return true
}

// setMedia stores the media negotiator and hands over the candidates that
// arrived before it existed.
func (s *session) setMedia(n *negotiator.Negotiator) ([]webrtc.ICECandidateInit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || s.media != nil {
		return nil, false
	}
	s.media = n
	pending := s.pending
	s.pending = nil
	return pending, true
}

func (s *session) setLocal(h *media.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	s.local = h
	return true
}

// queueCandidate returns the media negotiator, or queues c when there is
// none yet.
func (s *session) queueCandidate(c webrtc.ICECandidateInit) *negotiator.Negotiator {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.media == nil {
		s.pending = append(s.pending, c)
	}
	return s.media
}

func (s *session) controlNegotiator() *negotiator.Negotiator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control
}

func (s *session) mediaNegotiator() *negotiator.Negotiator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media
}

func (s *session) controlTransport() *transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

func (s *session) channelStates() (control, media negotiator.State) {
	s.mu.Lock()
	c, m := s.control, s.media
	s.mu.Unlock()

	if c != nil {
		control = c.State()
	}
	if m != nil {
		media = m.State()
	}
	return control, media
}

// release cancels the attempt and closes every primitive it owns. It runs
// once; later calls return immediately.
func (s *session) release() {
	s.releaseOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		s.released = true
		control, tr, mediaNeg, local := s.control, s.transport, s.media, s.local
		s.pending = nil
		s.mu.Unlock()

		if local != nil {
			local.Close()
		}
		if mediaNeg != nil {
			mediaNeg.Close()
		}
		if tr != nil {
			tr.Close()
		}
		if control != nil {
			control.Close()
		}
	})
}
