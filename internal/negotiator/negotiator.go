// Package negotiator drives one PeerConnection through a complete
// offer/answer/candidate cycle under an exhaustive or incremental candidate
// strategy.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/pastecall/internal/signaling"
	"github.com/1ureka/pastecall/internal/util"
)

var (
	ErrInvalidState      = errors.New("negotiator: invalid state")
	ErrClosed            = errors.New("negotiator: closed")
	ErrGatheringTimeout  = errors.New("negotiator: candidate gathering timed out")
	ErrNegotiationFailed = errors.New("negotiation failed")
)

// PeerConnection is the subset of *webrtc.PeerConnection a Negotiator drives.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

var _ PeerConnection = (*webrtc.PeerConnection)(nil)

// Config parameterizes a Negotiator.
type Config struct {
	// Name labels log lines, e.g. "control" or "media".
	Name string

	Strategy Strategy

	// GatherTimeout bounds the exhaustive wait. Zero means 5s.
	GatherTimeout time.Duration

	// Clock drives the gathering timer. Nil means the wall clock.
	Clock clock.Clock

	// BeforeAnswer runs after a remote offer is applied and before the
	// answer is created. Local tracks are attached here.
	BeforeAnswer func() error

	// OnLocalCandidate receives trickled candidates (Incremental only), in
	// gathering order, after StartTrickle.
	OnLocalCandidate func(webrtc.ICECandidateInit)

	// OnStateChange is called outside internal locks on every transition.
	OnStateChange func(State)
}

type side int

const (
	sideNone side = iota
	sideInitiator
	sideResponder
)

// Negotiator owns one PeerConnection for one logical channel.
type Negotiator struct {
	pc    PeerConnection
	cfg   Config
	clock clock.Clock

	mu             sync.Mutex
	state          State
	side           side
	awaitingAnswer bool
	remoteApplied  bool
	trickling      bool
	gatherTimedOut bool
	candidates     int
	local          pendingQueue // gathered, not yet trickled
	remote         pendingQueue // received before the remote description

	// deliverMu serializes candidate delivery so a queue drain and a live
	// candidate never overtake each other.
	deliverMu sync.Mutex

	gatherDone chan struct{}
	gatherOnce sync.Once
	closed     chan struct{}
	closeOnce  sync.Once
}

// New attaches a Negotiator to pc. Handlers are registered immediately, so
// pc must not have started gathering yet.
func New(pc PeerConnection, cfg Config) *Negotiator {
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 5 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "channel"
	}

	n := &Negotiator{
		pc:         pc,
		cfg:        cfg,
		clock:      cfg.Clock,
		gatherDone: make(chan struct{}),
		closed:     make(chan struct{}),
	}
	if n.clock == nil {
		n.clock = clock.New()
	}

	pc.OnICECandidate(n.handleLocalCandidate)
	pc.OnConnectionStateChange(n.handleConnectionState)
	return n
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// CreateAsInitiator creates and applies the local offer and returns it once
// the strategy allows: after gathering (Exhaustive) or at once (Incremental).
func (n *Negotiator) CreateAsInitiator(ctx context.Context) (signaling.Payload, error) {
	if err := n.begin(sideInitiator); err != nil {
		return signaling.Payload{}, err
	}

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return signaling.Payload{}, n.fail(fmt.Errorf("create offer: %w", err))
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return signaling.Payload{}, n.fail(fmt.Errorf("set local offer: %w", err))
	}

	n.mu.Lock()
	n.awaitingAnswer = true
	n.mu.Unlock()

	sdp, err := n.localSDP(ctx)
	if err != nil {
		return signaling.Payload{}, err
	}
	return signaling.Payload{Kind: signaling.KindOffer, SDP: sdp}, nil
}

// CreateAsResponder applies the remote offer, runs BeforeAnswer, and returns
// the local answer under the configured strategy. A payload of the wrong
// kind is rejected before anything changes.
func (n *Negotiator) CreateAsResponder(ctx context.Context, remote signaling.Payload) (signaling.Payload, error) {
	if remote.Kind != signaling.KindOffer {
		return signaling.Payload{}, fmt.Errorf("%w: got %s, want %s",
			signaling.ErrPayloadTypeMismatch, remote.Kind, signaling.KindOffer)
	}
	if err := n.begin(sideResponder); err != nil {
		return signaling.Payload{}, err
	}

	if err := n.applyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remote.SDP}); err != nil {
		return signaling.Payload{}, n.fail(fmt.Errorf("set remote offer: %w", err))
	}

	if n.cfg.BeforeAnswer != nil {
		if err := n.cfg.BeforeAnswer(); err != nil {
			return signaling.Payload{}, n.fail(fmt.Errorf("prepare answer: %w", err))
		}
	}

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.Payload{}, n.fail(fmt.Errorf("create answer: %w", err))
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return signaling.Payload{}, n.fail(fmt.Errorf("set local answer: %w", err))
	}

	sdp, err := n.localSDP(ctx)
	if err != nil {
		return signaling.Payload{}, err
	}
	return signaling.Payload{Kind: signaling.KindAnswer, SDP: sdp}, nil
}

// CompleteWithAnswer applies the remote answer to an initiator-side
// negotiator. It fails with ErrInvalidState before CreateAsInitiator or
// when an answer was already applied.
func (n *Negotiator) CompleteWithAnswer(remote signaling.Payload) error {
	if remote.Kind != signaling.KindAnswer {
		return fmt.Errorf("%w: got %s, want %s",
			signaling.ErrPayloadTypeMismatch, remote.Kind, signaling.KindAnswer)
	}

	n.mu.Lock()
	if n.state.Terminal() {
		n.mu.Unlock()
		return ErrClosed
	}
	if n.side != sideInitiator || !n.awaitingAnswer {
		n.mu.Unlock()
		return fmt.Errorf("%w: %s negotiator is not expecting an answer", ErrInvalidState, n.cfg.Name)
	}
	n.awaitingAnswer = false
	n.mu.Unlock()

	if err := n.applyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: remote.SDP}); err != nil {
		return n.fail(fmt.Errorf("set remote answer: %w", err))
	}
	return nil
}

// AddRemoteCandidate applies c, or queues it until the remote description
// is applied. Queued candidates are applied in arrival order.
func (n *Negotiator) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state.Terminal() {
		return ErrClosed
	}
	if !n.remoteApplied {
		n.remote.push(c)
		util.LogDebug("[%s] queued remote candidate (%d pending)", n.cfg.Name, n.remote.len())
		return nil
	}
	if err := n.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add remote candidate: %w", err)
	}
	return nil
}

// StartTrickle releases the local candidates gathered so far and delivers
// every later one as it arrives. It is a no-op under Exhaustive.
func (n *Negotiator) StartTrickle() {
	if n.cfg.Strategy != Incremental {
		return
	}

	n.deliverMu.Lock()
	defer n.deliverMu.Unlock()

	n.mu.Lock()
	if n.trickling || n.state.Terminal() {
		n.mu.Unlock()
		return
	}
	n.trickling = true
	pending := n.local.drain()
	n.mu.Unlock()

	for _, c := range pending {
		n.deliver(c)
	}
}

// Close releases the PeerConnection. It is idempotent and always ends in
// StateClosed.
func (n *Negotiator) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.closed)

		n.mu.Lock()
		prev := n.state
		n.state = StateClosed
		n.local.drain()
		n.remote.drain()
		n.mu.Unlock()

		err = n.pc.Close()
		if prev != StateClosed {
			n.notify(StateClosed)
		}
	})
	return err
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// State returns the current channel state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// GatherTimedOut reports whether the exhaustive wait ended on the timeout.
func (n *Negotiator) GatherTimedOut() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.gatherTimedOut
}

// Candidates returns the number of local candidates gathered so far.
func (n *Negotiator) Candidates() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.candidates
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (n *Negotiator) begin(s side) error {
	n.mu.Lock()
	if n.state != StateNew {
		state := n.state
		n.mu.Unlock()
		return fmt.Errorf("%w: %s negotiator already %s", ErrInvalidState, n.cfg.Name, state)
	}
	n.state = StateNegotiating
	n.side = s
	n.mu.Unlock()

	n.notify(StateNegotiating)
	return nil
}

// fail moves a live negotiator to Failed and wraps err.
func (n *Negotiator) fail(err error) error {
	n.mu.Lock()
	changed := !n.state.Terminal()
	if changed {
		n.state = StateFailed
	}
	n.mu.Unlock()

	util.LogError("[%s] %v", n.cfg.Name, err)
	if changed {
		n.notify(StateFailed)
	}
	return fmt.Errorf("%w: %s: %w", ErrNegotiationFailed, n.cfg.Name, err)
}

// applyRemote sets the remote description and drains the remote queue
// while holding the lock, so no candidate can slip in between.
func (n *Negotiator) applyRemote(desc webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state.Terminal() {
		return ErrClosed
	}
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	n.remoteApplied = true

	queued := n.remote.drain()
	for _, c := range queued {
		if err := n.pc.AddICECandidate(c); err != nil {
			util.LogWarning("[%s] queued remote candidate rejected: %v", n.cfg.Name, err)
		}
	}
	if len(queued) > 0 {
		util.LogDebug("[%s] applied %d queued remote candidates", n.cfg.Name, len(queued))
	}
	return nil
}

func (n *Negotiator) localSDP(ctx context.Context) (string, error) {
	if n.cfg.Strategy == Exhaustive {
		if err := n.waitGathering(ctx); err != nil {
			return "", err
		}
	}

	desc := n.pc.LocalDescription()
	if desc == nil {
		return "", n.fail(errors.New("no local description"))
	}
	return desc.SDP, nil
}

// waitGathering blocks until gathering completes or the timeout elapses.
// A timeout is not an error: the descriptor carries what was found.
func (n *Negotiator) waitGathering(ctx context.Context) error {
	timer := n.clock.Timer(n.cfg.GatherTimeout)
	defer timer.Stop()

	select {
	case <-n.gatherDone:
		util.LogDebug("[%s] gathering complete with %d candidates", n.cfg.Name, n.Candidates())
		return nil
	case <-timer.C:
		n.mu.Lock()
		n.gatherTimedOut = true
		count := n.candidates
		n.mu.Unlock()
		util.LogWarning("[%s] %v after %s, proceeding with %d candidates",
			n.cfg.Name, ErrGatheringTimeout, n.cfg.GatherTimeout, count)
		return nil
	case <-n.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Negotiator) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		n.gatherOnce.Do(func() { close(n.gatherDone) })
		return
	}
	init := c.ToJSON()

	n.deliverMu.Lock()
	defer n.deliverMu.Unlock()

	n.mu.Lock()
	if n.state.Terminal() {
		n.mu.Unlock()
		return
	}
	n.candidates++
	if n.cfg.Strategy != Incremental {
		n.mu.Unlock()
		return
	}
	if !n.trickling {
		n.local.push(init)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	n.deliver(init)
}

func (n *Negotiator) deliver(c webrtc.ICECandidateInit) {
	if n.cfg.OnLocalCandidate != nil {
		n.cfg.OnLocalCandidate(c)
	}
}

func (n *Negotiator) handleConnectionState(s webrtc.PeerConnectionState) {
	n.mu.Lock()
	prev := n.state
	next := prev
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if prev == StateNegotiating {
			next = StateOpen
		}
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		switch prev {
		case StateNew, StateNegotiating:
			next = StateFailed
		case StateOpen:
			next = StateClosed
		}
	}
	n.state = next
	n.mu.Unlock()

	util.LogDebug("[%s] peer connection %s", n.cfg.Name, s)
	if next != prev {
		n.notify(next)
	}
}

func (n *Negotiator) notify(s State) {
	util.LogDebug("[%s] → %s", n.cfg.Name, s)
	if n.cfg.OnStateChange != nil {
		n.cfg.OnStateChange(s)
	}
}
