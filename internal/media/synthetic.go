package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Placeholder payloads. The video frame carries a VP8 key frame header for
// a 16x16 picture; the audio frame is an Opus 20 ms silence frame.
var (
	vp8KeyFrame  = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00, 0x00, 0x00}
	opusSilence  = []byte{0xf8, 0xff, 0xfe}
	audioPTime   = 20 * time.Millisecond
	defaultFrame = 33 * time.Millisecond
)

// Synthetic produces a VP8 video and an Opus audio track fed with
// placeholder frames. It needs no capture device.
type Synthetic struct {
	// StreamID groups both tracks. Empty means "pastecall".
	StreamID string

	// FrameInterval is the video frame period. Zero means ~30 fps.
	FrameInterval time.Duration
}

var _ Source = Synthetic{}

func (s Synthetic) Acquire(ctx context.Context) (*Handle, error) {
	streamID := s.StreamID
	if streamID == "" {
		streamID = "pastecall"
	}
	interval := s.FrameInterval
	if interval <= 0 {
		interval = defaultFrame
	}

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}

	h, hCtx := newHandle(ctx)
	h.Tracks = []webrtc.TrackLocal{video, audio}
	h.feed(hCtx, "video", func(ctx context.Context) error {
		return writeLoop(ctx, video, vp8KeyFrame, interval)
	})
	h.feed(hCtx, "audio", func(ctx context.Context) error {
		return writeLoop(ctx, audio, opusSilence, audioPTime)
	})
	return h, nil
}

func writeLoop(ctx context.Context, track *webrtc.TrackLocalStaticSample, frame []byte, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: interval})
			if errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}
