package transport

import (
	"context"

	"github.com/1ureka/pastecall/internal/protocol"
	"github.com/1ureka/pastecall/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64         // outgoing message channel capacity
)

// sender is a goroutine-based message writer that serializes all writes to a
// single data channel, adding open-gate and backpressure control. A failed
// write is fatal: shutdown cancels the owning transport, so later sends
// report false instead of filling the queue.
type sender struct {
	inbox       chan *protocol.Message
	drainSignal chan struct{}
	shutdown    context.CancelFunc
}

// newSender creates a sender, wires the backpressure callbacks on dc, and
// starts the background loop. The loop exits when ctx is cancelled.
func newSender(ctx context.Context, shutdown context.CancelFunc, dc DataChannel, openSignal <-chan struct{}) *sender {
	s := &sender{
		inbox:       make(chan *protocol.Message, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
		shutdown:    shutdown,
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal)

	return s
}

// loop is the single-writer goroutine. It waits for the data channel to
// open, then drains the inbox in FIFO order with backpressure awareness.
func (s *sender) loop(ctx context.Context, dc DataChannel, openSignal <-chan struct{}) {
	// Phase 1: wait for DC to be open.
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	// Phase 2: send messages with backpressure.
	for {
		select {
		case msg := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			data, err := protocol.Encode(msg)
			if err != nil {
				util.LogError("dropping control message %s: %v", msg.Type, err)
				continue
			}
			if err := dc.Send(data); err != nil {
				util.LogError("failed to send control message %s: %v", msg.Type, err)
				s.shutdown()
				return
			}

			util.Stats.AddControlSent(len(data))
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues a message for transmission. It blocks if the internal buffer
// is full and reports false when ctx is already cancelled.
func (s *sender) send(ctx context.Context, msg *protocol.Message) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case s.inbox <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
