package media

import (
	"context"
	"errors"
	"io"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"

	"github.com/1ureka/pastecall/internal/util"
)

// RTPReader is the read side of *webrtc.TrackRemote.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Drain reads packets from track until it ends or ctx is cancelled, passing
// each to fn (which may be nil) and counting it in util.Stats. A track that
// ends normally returns nil.
func Drain(ctx context.Context, track RTPReader, fn func(*rtp.Packet)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}

		util.Stats.AddMedia(pkt.MarshalSize())
		if fn != nil {
			fn(pkt)
		}
	}
}
