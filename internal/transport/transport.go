// Package transport wraps the control data channel: an open gate, a
// single-writer sender with backpressure, and an inbox of decoded control
// messages.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/pastecall/internal/protocol"
	"github.com/1ureka/pastecall/internal/util"
)

const (
	inboxSize       = 64
	drainPollPeriod = 5 * time.Millisecond
)

var ErrNotOpen = errors.New("transport: control channel not open")

// DataChannel is the subset of *webrtc.DataChannel the transport uses.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	Send(data []byte) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	Close() error
}

var _ DataChannel = (*webrtc.DataChannel)(nil)

// Transport carries control messages over one data channel.
//
// Its lifecycle is governed by the data channel state and the context passed
// at construction time: Done fires when the channel closes or ctx is
// cancelled.
type Transport struct {
	dc DataChannel

	sender     *sender
	openSignal chan struct{}
	inbox      chan *protocol.Message
	clock      clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
}

// Option customizes a Transport.
type Option func(*Transport)

// WithClock sets the clock SendFinal waits on. The default is the wall
// clock.
func WithClock(c clock.Clock) Option {
	return func(t *Transport) { t.clock = c }
}

// New attaches a Transport to dc. dc may be open already (the responder
// receives it from OnDataChannel) or still connecting (the initiator creates
// it before the offer).
func New(ctx context.Context, dc DataChannel, opts ...Option) *Transport {
	tCtx, tCancel := context.WithCancel(ctx)

	t := &Transport{
		dc:         dc,
		openSignal: make(chan struct{}),
		inbox:      make(chan *protocol.Message, inboxSize),
		clock:      clock.New(),
		ctx:        tCtx,
		cancel:     tCancel,
	}
	for _, opt := range opts {
		opt(t)
	}

	// DC open gate.
	var openOnce sync.Once
	markOpen := func() {
		openOnce.Do(func() { close(t.openSignal) })
	}
	dc.OnOpen(markOpen)

	// DC close → cancel transport context.
	dc.OnClose(func() {
		util.LogDebug("control channel %q closed", dc.Label())
		tCancel()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		util.Stats.AddControlRecv(len(msg.Data))

		m, err := protocol.Decode(msg.Data)
		if err != nil {
			util.LogWarning("discarding control message: %v", err)
			return
		}

		select {
		case t.inbox <- m:
		case <-tCtx.Done():
		}
	})

	t.sender = newSender(tCtx, tCancel, dc, t.openSignal)

	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		markOpen()
	}

	return t
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the data channel is open and
// the Transport is ready to send and receive.
func (t *Transport) Ready() <-chan struct{} {
	return t.openSignal
}

// Done returns a channel that is closed when the Transport is shut down
// (data channel closed or parent context cancelled).
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close stops the sender and closes the data channel. Messages still queued
// are discarded.
func (t *Transport) Close() error {
	t.cancel()
	return t.dc.Close()
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send enqueues a control message. Messages are written in call order once
// the channel is open. It reports false if the Transport is shut down,
// including after a failed write.
func (t *Transport) Send(msg *protocol.Message) bool {
	return t.sender.send(t.ctx, msg)
}

// Messages returns the inbox of decoded control messages, in arrival order.
func (t *Transport) Messages() <-chan *protocol.Message {
	return t.inbox
}

// SendFinal writes msg immediately, bypassing the queue, then waits up to
// timeout for the channel buffer to drain. It is meant for the last message
// before the channel is torn down.
func (t *Transport) SendFinal(msg *protocol.Message, timeout time.Duration) error {
	if t.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotOpen
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := t.dc.Send(data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	util.Stats.AddControlSent(len(data))

	// The sender owns OnBufferedAmountLow, so the drain is polled.
	deadline := t.clock.Timer(timeout)
	defer deadline.Stop()
	poll := t.clock.Ticker(drainPollPeriod)
	defer poll.Stop()

	for t.dc.BufferedAmount() > 0 {
		select {
		case <-poll.C:
		case <-deadline.C:
			util.LogDebug("%s still buffered after %s", msg.Type, timeout)
			return nil
		case <-t.ctx.Done():
			return nil
		}
	}
	return nil
}
