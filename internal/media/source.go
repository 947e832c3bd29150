// Package media supplies local tracks to a session and drains remote ones.
package media

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/pastecall/internal/util"
)

// Source acquires local media. It is called once per media negotiation,
// right before the local tracks are needed.
type Source interface {
	Acquire(ctx context.Context) (*Handle, error)
}

// Handle owns acquired tracks and the goroutines feeding them.
type Handle struct {
	Tracks []webrtc.TrackLocal

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closers   []io.Closer
}

func newHandle(ctx context.Context) (*Handle, context.Context) {
	hCtx, cancel := context.WithCancel(ctx)
	return &Handle{cancel: cancel}, hCtx
}

// feed runs fn until it returns or the handle is closed.
func (h *Handle) feed(ctx context.Context, name string, fn func(ctx context.Context) error) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			util.LogWarning("media %s stopped: %v", name, err)
		}
	}()
}

// Close stops every feeder and releases the underlying inputs. It is safe
// to call more than once.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		h.cancel()
		h.wg.Wait()
		for _, c := range h.closers {
			c.Close()
		}
	})
}

// DiscardRTCP reads and drops RTCP for a sender until it is stopped.
// Interceptors only process RTCP that is read.
func DiscardRTCP(sender *webrtc.RTPSender) {
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
}
