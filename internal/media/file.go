package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const opusSampleRate = 48000

// FileSource plays an IVF video file and/or an Ogg/Opus audio file in real
// time. Playback stops at the end of each file.
type FileSource struct {
	VideoPath string
	AudioPath string
}

var _ Source = FileSource{}

func (s FileSource) Acquire(ctx context.Context) (*Handle, error) {
	if s.VideoPath == "" && s.AudioPath == "" {
		return nil, errors.New("file source: no input files")
	}

	h, hCtx := newHandle(ctx)

	if s.VideoPath != "" {
		if err := s.addVideo(hCtx, h); err != nil {
			h.Close()
			return nil, err
		}
	}
	if s.AudioPath != "" {
		if err := s.addAudio(hCtx, h); err != nil {
			h.Close()
			return nil, err
		}
	}
	return h, nil
}

func (s FileSource) addVideo(ctx context.Context, h *Handle) error {
	f, err := os.Open(s.VideoPath)
	if err != nil {
		return fmt.Errorf("open video: %w", err)
	}
	h.closers = append(h.closers, f)

	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("read ivf header %s: %w", s.VideoPath, err)
	}

	mime, err := ivfMimeType(header.FourCC)
	if err != nil {
		return fmt.Errorf("%s: %w", s.VideoPath, err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, "video", "pastecall")
	if err != nil {
		return fmt.Errorf("create video track: %w", err)
	}
	h.Tracks = append(h.Tracks, track)

	interval := 33 * time.Millisecond
	if header.TimebaseDenominator > 0 {
		interval = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}

	h.feed(ctx, "video", func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}

			frame, _, err := reader.ParseNextFrame()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: interval}); err != nil {
				return err
			}
		}
	})
	return nil
}

func (s FileSource) addAudio(ctx context.Context, h *Handle) error {
	f, err := os.Open(s.AudioPath)
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}
	h.closers = append(h.closers, f)

	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("read ogg header %s: %w", s.AudioPath, err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "pastecall")
	if err != nil {
		return fmt.Errorf("create audio track: %w", err)
	}
	h.Tracks = append(h.Tracks, track)

	h.feed(ctx, "audio", func(ctx context.Context) error {
		ticker := time.NewTicker(audioPTime)
		defer ticker.Stop()

		var lastGranule uint64
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}

			page, pageHeader, err := reader.ParseNextPage()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}

			samples := pageHeader.GranulePosition - lastGranule
			lastGranule = pageHeader.GranulePosition
			duration := time.Duration(float64(samples) / opusSampleRate * float64(time.Second))

			if err := track.WriteSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil {
				return err
			}
		}
	})
	return nil
}

func ivfMimeType(fourCC string) (string, error) {
	switch fourCC {
	case "VP80":
		return webrtc.MimeTypeVP8, nil
	case "VP90":
		return webrtc.MimeTypeVP9, nil
	case "AV01":
		return webrtc.MimeTypeAV1, nil
	}
	return "", fmt.Errorf("unsupported ivf codec %q", fourCC)
}
