package session

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/pastecall/internal/config"
	"github.com/1ureka/pastecall/internal/media"
	"github.com/1ureka/pastecall/internal/negotiator"
	"github.com/1ureka/pastecall/internal/protocol"
	"github.com/1ureka/pastecall/internal/signaling"
	"github.com/1ureka/pastecall/internal/transport"
	"github.com/1ureka/pastecall/internal/util"
)

// ---------------------------------------------------------------------------
// Control channel
// ---------------------------------------------------------------------------

func (o *Orchestrator) newControlNegotiator(sess *session, pc negotiator.PeerConnection) *negotiator.Negotiator {
	return negotiator.New(pc, negotiator.Config{
		Name:          "control",
		Strategy:      negotiator.Exhaustive,
		GatherTimeout: o.cfg.GatherTimeout,
		Clock:         o.clock,
		OnStateChange: func(s negotiator.State) { o.onControlState(sess, s) },
	})
}

func (o *Orchestrator) onControlState(sess *session, s negotiator.State) {
	switch s {
	case negotiator.StateOpen:
		sess.markControlOpen()
	case negotiator.StateFailed:
		o.fail(sess, fmt.Errorf("%w: control connection failed", ErrNegotiationFailed))
	case negotiator.StateClosed:
		if sess.ctx.Err() == nil {
			o.fail(sess, ErrControlLost)
		}
	}
}

// attachControl wraps dc in a transport and starts the control loop. The
// initiator calls it with the channel it created, the responder when the
// channel is announced.
func (o *Orchestrator) attachControl(sess *session, dc *webrtc.DataChannel) {
	tr := transport.New(sess.ctx, dc, transport.WithClock(o.clock))
	if !sess.setTransport(tr) {
		tr.Close()
		return
	}
	go o.runControl(sess, tr)
}

// runControl waits for the control channel to open, starts media
// negotiation (initiator), then handles control messages in arrival order
// until the session ends.
func (o *Orchestrator) runControl(sess *session, tr *transport.Transport) {
	for _, ready := range []<-chan struct{}{tr.Ready(), sess.controlOpen} {
		select {
		case <-ready:
		case <-tr.Done():
			o.controlLost(sess, tr)
			return
		case <-sess.ctx.Done():
			return
		}
	}

	if !o.transition(sess, StateControlOpen, EventControlOpened) {
		return
	}
	util.LogSuccess("control channel open")

	if sess.role == config.RoleInitiator {
		if d := o.cfg.SettleDelay; d > 0 {
			select {
			case <-o.clock.After(d):
			case <-sess.ctx.Done():
				return
			}
		}
		if err := o.offerMedia(sess, tr); err != nil {
			o.fail(sess, err)
			return
		}
	}

	for {
		select {
		case msg := <-tr.Messages():
			if !o.handleMessage(sess, tr, msg) {
				return
			}
		case <-tr.Done():
			o.controlLost(sess, tr)
			return
		case <-sess.ctx.Done():
			return
		}
	}
}

// controlLost handles the control channel closing. Messages that arrived
// before the close are handled first, so a bye still ends the session
// cleanly.
func (o *Orchestrator) controlLost(sess *session, tr *transport.Transport) {
	for {
		select {
		case msg := <-tr.Messages():
			if !o.handleMessage(sess, tr, msg) {
				return
			}
		default:
			if sess.ctx.Err() == nil {
				o.fail(sess, ErrControlLost)
			}
			return
		}
	}
}

// handleMessage processes one control message. It reports false when the
// session is over.
func (o *Orchestrator) handleMessage(sess *session, tr *transport.Transport, msg *protocol.Message) bool {
	util.LogDebug("control ← %s", msg.Type)

	switch msg.Type {
	case protocol.TypeMediaOffer:
		if sess.role != config.RoleResponder {
			util.LogWarning("ignoring media offer: this peer is the initiator")
			return true
		}
		if err := o.answerMedia(sess, tr, msg.SDP); err != nil {
			o.fail(sess, err)
			return false
		}

	case protocol.TypeMediaAnswer:
		neg := sess.mediaNegotiator()
		if neg == nil || sess.role != config.RoleInitiator {
			util.LogWarning("ignoring unexpected media answer")
			return true
		}
		if err := neg.CompleteWithAnswer(signaling.Payload{Kind: signaling.KindAnswer, SDP: msg.SDP}); err != nil {
			o.fail(sess, err)
			return false
		}

	case protocol.TypeCandidate:
		util.Stats.AddCandidateIn()
		c := msg.Candidate.ICECandidateInit()
		if neg := sess.queueCandidate(c); neg != nil {
			if err := neg.AddRemoteCandidate(c); err != nil {
				util.LogWarning("remote media candidate rejected: %v", err)
			}
		}

	case protocol.TypeBye:
		o.hangUp(sess)
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Media channel
// ---------------------------------------------------------------------------

func (o *Orchestrator) newMediaNegotiator(sess *session, tr *transport.Transport, pc *webrtc.PeerConnection, beforeAnswer func() error) (*negotiator.Negotiator, error) {
	neg := negotiator.New(pc, negotiator.Config{
		Name:          "media",
		Strategy:      negotiator.Incremental,
		GatherTimeout: o.cfg.GatherTimeout,
		Clock:         o.clock,
		BeforeAnswer:  beforeAnswer,
		OnLocalCandidate: func(c webrtc.ICECandidateInit) {
			if tr.Send(protocol.NewCandidate(c)) {
				util.Stats.AddCandidateOut()
			}
		},
		OnStateChange: func(s negotiator.State) { o.onMediaState(sess, s) },
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		util.LogInfo("remote %s track (%s)", track.Kind(), track.Codec().MimeType)
		o.raise(sess, Event{Kind: EventRemoteTrack, Track: track})
		go func() {
			if err := media.Drain(sess.ctx, track, nil); err != nil && sess.ctx.Err() == nil {
				util.LogWarning("remote %s track: %v", track.Kind(), err)
			}
		}()
	})

	pending, ok := sess.setMedia(neg)
	if !ok {
		neg.Close()
		return nil, ErrClosed
	}
	for _, c := range pending {
		if err := neg.AddRemoteCandidate(c); err != nil {
			util.LogWarning("queued media candidate rejected: %v", err)
		}
	}
	return neg, nil
}

func (o *Orchestrator) onMediaState(sess *session, s negotiator.State) {
	switch s {
	case negotiator.StateOpen:
		if o.transition(sess, StateConnected, EventMediaConnected) {
			util.LogSuccess("media connected")
		}
	case negotiator.StateFailed:
		o.fail(sess, fmt.Errorf("%w: media connection failed", ErrNegotiationFailed))
	case negotiator.StateClosed:
		if sess.ctx.Err() == nil {
			o.fail(sess, fmt.Errorf("%w: media connection lost", ErrNegotiationFailed))
		}
	}
}

// offerMedia creates the media PeerConnection on the initiator, attaches
// local media (or receive-only transceivers) and sends the offer over the
// control channel.
func (o *Orchestrator) offerMedia(sess *session, tr *transport.Transport) error {
	if !o.transition(sess, StateMediaNegotiating) {
		return nil
	}

	pc, err := o.newPC()
	if err != nil {
		return fmt.Errorf("%w: create media peer connection: %w", ErrNegotiationFailed, err)
	}
	neg, err := o.newMediaNegotiator(sess, tr, pc, nil)
	if err != nil {
		pc.Close()
		return err
	}

	if o.source != nil {
		if err := o.attachLocalMedia(sess, pc); err != nil {
			return fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
		}
	} else {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return fmt.Errorf("%w: add %s transceiver: %w", ErrNegotiationFailed, kind, err)
			}
		}
	}

	offer, err := neg.CreateAsInitiator(sess.ctx)
	if err != nil {
		return err
	}
	if !tr.Send(&protocol.Message{Type: protocol.TypeMediaOffer, SDP: offer.SDP}) {
		return ErrControlLost
	}
	neg.StartTrickle()
	util.LogInfo("media offer sent")
	return nil
}

// answerMedia handles the initiator's media offer on the responder.
func (o *Orchestrator) answerMedia(sess *session, tr *transport.Transport, sdp string) error {
	if sess.mediaNegotiator() != nil {
		util.LogWarning("ignoring media renegotiation")
		return nil
	}
	if !o.transition(sess, StateMediaNegotiating, EventMediaOfferReceived) {
		return nil
	}

	pc, err := o.newPC()
	if err != nil {
		return fmt.Errorf("%w: create media peer connection: %w", ErrNegotiationFailed, err)
	}
	neg, err := o.newMediaNegotiator(sess, tr, pc, func() error {
		if o.source == nil {
			return nil
		}
		return o.attachLocalMedia(sess, pc)
	})
	if err != nil {
		pc.Close()
		return err
	}

	answer, err := neg.CreateAsResponder(sess.ctx, signaling.Payload{Kind: signaling.KindOffer, SDP: sdp})
	if err != nil {
		return err
	}
	if !tr.Send(&protocol.Message{Type: protocol.TypeMediaAnswer, SDP: answer.SDP}) {
		return ErrControlLost
	}
	neg.StartTrickle()
	util.LogInfo("media answer sent")
	return nil
}

// attachLocalMedia acquires local tracks and adds them to pc.
func (o *Orchestrator) attachLocalMedia(sess *session, pc *webrtc.PeerConnection) error {
	h, err := o.source.Acquire(sess.ctx)
	if err != nil {
		return fmt.Errorf("acquire local media: %w", err)
	}
	if !sess.setLocal(h) {
		h.Close()
		return ErrClosed
	}

	for _, track := range h.Tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		media.DiscardRTCP(sender)
	}
	return nil
}
