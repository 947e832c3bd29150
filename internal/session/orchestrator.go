// Package session is the connection orchestrator: the single state machine
// the rest of the program talks to.
//
// A session runs in two stages. The control stage negotiates a PeerConnection
// carrying one ordered DataChannel, exchanging descriptors with exhaustively
// gathered candidates over a manual transport (text, link or QR). Once the
// control channel is open, the initiator offers a second PeerConnection for
// media; its descriptors and trickled candidates travel over the control
// channel.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/pastecall/internal/config"
	"github.com/1ureka/pastecall/internal/media"
	"github.com/1ureka/pastecall/internal/negotiator"
	"github.com/1ureka/pastecall/internal/protocol"
	"github.com/1ureka/pastecall/internal/signaling"
	"github.com/1ureka/pastecall/internal/util"
	webrtcpkg "github.com/1ureka/pastecall/internal/webrtc"
)

var (
	ErrBusy         = errors.New("session: operation already in progress")
	ErrInvalidState = errors.New("session: invalid state")
	ErrClosed       = errors.New("session: closed")
	ErrControlLost  = errors.New("session: control channel lost")

	// ErrNegotiationFailed wraps every failure reported by a negotiator.
	ErrNegotiationFailed = negotiator.ErrNegotiationFailed
)

// byeTimeout bounds how long Close waits for the bye message to leave.
const byeTimeout = 250 * time.Millisecond

// PeerConnectionFactory creates one PeerConnection. It is called once for
// the control channel and once for the media channel of every session.
type PeerConnectionFactory func() (*webrtc.PeerConnection, error)

// Options configures an Orchestrator.
type Options struct {
	Config config.Config

	// NewPeerConnection defaults to a webrtc.Factory built from Config.
	NewPeerConnection PeerConnectionFactory

	// Media supplies local tracks. Nil makes the session receive-only.
	Media media.Source

	// Clock drives the settle delay and gathering timeouts. Nil means the
	// wall clock.
	Clock clock.Clock
}

// Orchestrator composes a control and a media negotiator into one session.
// All methods are safe for concurrent use.
type Orchestrator struct {
	cfg      config.Config
	newPC    PeerConnectionFactory
	source   media.Source
	clock    clock.Clock
	events   *dispatcher
	busy     atomic.Bool

	mu      sync.Mutex
	state   State
	role    config.Role
	lastErr error
	sess    *session
}

// New creates an idle Orchestrator. No PeerConnection exists until a role
// is taken.
func New(opts Options) (*Orchestrator, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	newPC := opts.NewPeerConnection
	if newPC == nil {
		f, err := webrtcpkg.NewFactory(opts.Config)
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		newPC = f.NewPeerConnection
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &Orchestrator{
		cfg:    opts.Config,
		newPC:  newPC,
		source: opts.Media,
		clock:  clk,
		events: newDispatcher(),
	}, nil
}

// ---------------------------------------------------------------------------
// Observation
// ---------------------------------------------------------------------------

// Subscribe registers fn for every later event. Events are delivered in
// order on a dedicated goroutine. The returned function unsubscribes.
func (o *Orchestrator) Subscribe(fn func(Event)) (cancel func()) {
	return o.events.subscribe(fn)
}

// IsBusy reports whether a role operation is in flight.
func (o *Orchestrator) IsBusy() bool {
	return o.busy.Load()
}

// Snapshot returns the current session state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	snap := Snapshot{
		Role:      o.role,
		State:     o.state,
		LastError: o.lastErr,
	}
	if o.sess != nil {
		snap.Control, snap.Media = o.sess.channelStates()
	}
	return snap
}

// ---------------------------------------------------------------------------
// Role operations
// ---------------------------------------------------------------------------

// BecomeInitiator creates the control channel and returns the offer
// envelope once candidate gathering is complete or timed out.
func (o *Orchestrator) BecomeInitiator(ctx context.Context) (signaling.Envelope, error) {
	if !o.busy.CompareAndSwap(false, true) {
		return "", ErrBusy
	}
	defer o.busy.Store(false)

	sess, err := o.begin(config.RoleInitiator)
	if err != nil {
		return "", err
	}

	pc, err := o.newPC()
	if err != nil {
		return "", o.fail(sess, fmt.Errorf("%w: create peer connection: %w", ErrNegotiationFailed, err))
	}

	// The channel must exist before the offer so it is part of it.
	dc, err := webrtcpkg.NewControlChannel(pc)
	if err != nil {
		pc.Close()
		return "", o.fail(sess, fmt.Errorf("%w: create control channel: %w", ErrNegotiationFailed, err))
	}

	neg := o.newControlNegotiator(sess, pc)
	if !sess.setControl(neg) {
		neg.Close()
		return "", ErrClosed
	}
	o.attachControl(sess, dc)

	if !o.transition(sess, StateControlNegotiating) {
		return "", ErrClosed
	}

	offer, err := neg.CreateAsInitiator(ctx)
	if err != nil {
		return "", o.fail(sess, err)
	}
	util.LogInfo("control offer ready (%d candidates)", neg.Candidates())
	return o.encode(offer)
}

// BecomeResponder consumes the initiator's offer envelope and returns the
// answer envelope. An envelope that is not a valid offer is rejected before
// anything is created, and the state stays Idle.
func (o *Orchestrator) BecomeResponder(ctx context.Context, env signaling.Envelope) (signaling.Envelope, error) {
	if !o.busy.CompareAndSwap(false, true) {
		return "", ErrBusy
	}
	defer o.busy.Store(false)

	if err := o.expectIdle(); err != nil {
		return "", err
	}

	offer, err := signaling.Decode(env, signaling.KindOffer)
	if err != nil {
		return "", err
	}

	sess, err := o.begin(config.RoleResponder)
	if err != nil {
		return "", err
	}

	pc, err := o.newPC()
	if err != nil {
		return "", o.fail(sess, fmt.Errorf("%w: create peer connection: %w", ErrNegotiationFailed, err))
	}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != webrtcpkg.ControlLabel {
			util.LogWarning("ignoring unexpected data channel %q", dc.Label())
			return
		}
		o.attachControl(sess, dc)
	})

	neg := o.newControlNegotiator(sess, pc)
	if !sess.setControl(neg) {
		neg.Close()
		return "", ErrClosed
	}

	if !o.transition(sess, StateControlNegotiating) {
		return "", ErrClosed
	}

	answer, err := neg.CreateAsResponder(ctx, offer)
	if err != nil {
		return "", o.fail(sess, err)
	}
	util.LogInfo("control answer ready (%d candidates)", neg.Candidates())
	return o.encode(answer)
}

// ApplyAnswer completes the initiator's control negotiation with the
// responder's answer envelope. A malformed or wrong-kind envelope leaves the
// state unchanged.
func (o *Orchestrator) ApplyAnswer(ctx context.Context, env signaling.Envelope) error {
	if !o.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer o.busy.Store(false)

	o.mu.Lock()
	sess, state, role := o.sess, o.state, o.role
	o.mu.Unlock()

	if state == StateClosed {
		return ErrClosed
	}
	if role != config.RoleInitiator || state != StateControlNegotiating || sess == nil {
		return fmt.Errorf("%w: cannot apply an answer while %s", ErrInvalidState, state)
	}

	answer, err := signaling.Decode(env, signaling.KindAnswer)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	neg := sess.controlNegotiator()
	if err := neg.CompleteWithAnswer(answer); err != nil {
		if errors.Is(err, ErrNegotiationFailed) {
			return o.fail(sess, err)
		}
		return err
	}
	util.LogInfo("answer applied, waiting for the control channel")
	return nil
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// Reset tears down both channels and returns to Idle. It is safe from any
// state and a no-op once Closed.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	if o.state == StateClosed {
		o.mu.Unlock()
		return nil
	}
	sess := o.sess
	o.sess = nil
	o.role = config.RoleNone
	o.lastErr = nil
	changed := o.state != StateIdle
	o.state = StateIdle
	if changed {
		o.events.push(Event{Kind: EventStateChanged, Session: o.snapshotLocked()})
	}
	o.mu.Unlock()

	if sess != nil {
		sess.release()
		util.LogInfo("session reset")
	}
	return nil
}

// Close says bye to the peer if the control channel is open, tears
// everything down and moves to the terminal Closed state. It is idempotent.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.state == StateClosed {
		o.mu.Unlock()
		return nil
	}
	sess := o.sess
	o.sess = nil
	o.state = StateClosed
	o.events.push(Event{Kind: EventStateChanged, Session: o.snapshotLocked()})
	o.mu.Unlock()

	if sess != nil {
		if tr := sess.controlTransport(); tr != nil {
			if err := tr.SendFinal(&protocol.Message{Type: protocol.TypeBye}, byeTimeout); err == nil {
				util.LogDebug("bye sent")
			}
		}
		sess.release()
	}
	o.events.close()
	return nil
}

// ---------------------------------------------------------------------------
// State helpers
// ---------------------------------------------------------------------------

func (o *Orchestrator) expectIdle() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case StateIdle:
		return nil
	case StateClosed:
		return ErrClosed
	}
	return fmt.Errorf("%w: already %s, reset first", ErrInvalidState, o.state)
}

// begin assigns the role and creates the session attempt.
func (o *Orchestrator) begin(role config.Role) (*session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case StateIdle:
	case StateClosed:
		return nil, ErrClosed
	default:
		return nil, fmt.Errorf("%w: already %s, reset first", ErrInvalidState, o.state)
	}

	o.sess = newSession(role)
	o.role = role
	o.lastErr = nil
	o.state = StateRoleAssigned
	o.events.push(Event{Kind: EventStateChanged, Session: o.snapshotLocked()})
	util.LogDebug("role assigned: %s", role)
	return o.sess, nil
}

// transition moves sess to state to and raises the state change followed by
// extra. It reports false when sess is no longer current or the session has
// ended.
func (o *Orchestrator) transition(sess *session, to State, extra ...EventKind) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.sess != sess || o.state == StateClosed || o.state == StateFailed {
		return false
	}
	if o.state != to {
		o.state = to
		util.LogDebug("session → %s", to)
		o.events.push(Event{Kind: EventStateChanged, Session: o.snapshotLocked()})
	}
	for _, k := range extra {
		o.events.push(Event{Kind: k, Session: o.snapshotLocked()})
	}
	return true
}

// raise emits an event for sess if it is still current.
func (o *Orchestrator) raise(sess *session, e Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess != sess || o.state == StateClosed {
		return
	}
	e.Session = o.snapshotLocked()
	o.events.push(e)
}

// fail moves a current session to Failed, broadcasts err and releases the
// primitives in the background. It always returns err.
func (o *Orchestrator) fail(sess *session, err error) error {
	o.mu.Lock()
	if o.sess != sess || o.state == StateClosed || o.state == StateFailed {
		o.mu.Unlock()
		return err
	}
	o.state = StateFailed
	o.lastErr = err
	snap := o.snapshotLocked()
	o.events.push(Event{Kind: EventStateChanged, Session: snap})
	o.events.push(Event{Kind: EventFailed, Session: snap, Err: err})
	o.mu.Unlock()

	util.LogError("session failed: %v", err)
	go sess.release()
	return err
}

// hangUp handles the peer's bye: back to Idle without an error.
func (o *Orchestrator) hangUp(sess *session) {
	o.mu.Lock()
	if o.sess != sess || o.state == StateClosed {
		o.mu.Unlock()
		return
	}
	o.sess = nil
	o.role = config.RoleNone
	o.lastErr = nil
	o.state = StateIdle
	snap := o.snapshotLocked()
	o.events.push(Event{Kind: EventHungUp, Session: snap})
	o.events.push(Event{Kind: EventStateChanged, Session: snap})
	o.mu.Unlock()

	util.LogInfo("peer hung up")
	go sess.release()
}

func (o *Orchestrator) encode(p signaling.Payload) (signaling.Envelope, error) {
	if o.cfg.Compact {
		return signaling.EncodeCompact(p)
	}
	return signaling.Encode(p)
}
