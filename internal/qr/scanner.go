package qr

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/1ureka/pastecall/internal/signaling"
	"github.com/1ureka/pastecall/internal/util"
)

var ErrNoCodeFound = errors.New("qr: no code found at any scale")

// DefaultScales are tried in order when a Scanner has none configured.
var DefaultScales = []float64{1, 0.5, 2, 0.25}

// minSide is the smallest image edge worth decoding (a version 1 symbol).
const minSide = 21

// maxUpscaleSide is the largest source edge that is still upscaled. Bigger
// images already have enough pixels per module, and doubling a phone photo
// would allocate hundreds of megabytes.
const maxUpscaleSide = 2000

// Scanner decodes envelopes from images.
type Scanner struct {
	Decoders []Decoder
	Scales   []float64
}

// NewScanner returns a Scanner with the default decoders and the given
// scales (DefaultScales if empty).
func NewScanner(scales []float64) *Scanner {
	if len(scales) == 0 {
		scales = DefaultScales
	}
	return &Scanner{Decoders: DefaultDecoders(), Scales: scales}
}

// FromImage tries every scale with every decoder. The first text decoded is
// validated with signaling.Decode against expected; a wrong or malformed
// envelope is returned as such rather than retried.
func (s *Scanner) FromImage(img image.Image, expected signaling.Kind) (signaling.Payload, error) {
	decoders := s.Decoders
	if len(decoders) == 0 {
		decoders = DefaultDecoders()
	}
	scales := s.Scales
	if len(scales) == 0 {
		scales = DefaultScales
	}

	for _, scale := range scales {
		scaled := rescale(img, scale)
		if scaled == nil {
			continue
		}
		for i, d := range decoders {
			text, err := d.Decode(scaled)
			if err != nil {
				util.LogDebug("qr decoder %d at scale %.2f: %v", i, scale, err)
				continue
			}
			return signaling.Decode(envelopeFromText(text), expected)
		}
	}
	return signaling.Payload{}, ErrNoCodeFound
}

// FromFile reads a PNG, JPEG, GIF or WebP file and scans it.
func (s *Scanner) FromFile(path string, expected signaling.Kind) (signaling.Payload, error) {
	f, err := os.Open(path)
	if err != nil {
		return signaling.Payload{}, fmt.Errorf("qr: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return signaling.Payload{}, fmt.Errorf("qr: decode image %s: %w", path, err)
	}
	return s.FromImage(img, expected)
}

// envelopeFromText accepts both a bare envelope and an offer link.
func envelopeFromText(text string) signaling.Envelope {
	if strings.Contains(text, "://") {
		if env, ok := signaling.FromShareableLocator(text); ok {
			return env
		}
	}
	return signaling.Envelope(text)
}

// rescale returns img scaled by factor, or nil when the result would be too
// small to hold a code or the source is too large to upscale.
func rescale(img image.Image, factor float64) image.Image {
	if factor == 1 {
		return img
	}

	b := img.Bounds()
	if factor > 1 && (b.Dx() > maxUpscaleSide || b.Dy() > maxUpscaleSide) {
		return nil
	}
	w := int(float64(b.Dx()) * factor)
	h := int(float64(b.Dy()) * factor)
	if w < minSide || h < minSide {
		return nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	var scaler draw.Scaler = draw.BiLinear
	if factor > 1 {
		scaler = draw.NearestNeighbor
	}
	scaler.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
