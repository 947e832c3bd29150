// Package qr carries signaling envelopes as QR code images.
//
// Rendering picks the error-correction level from the envelope length;
// scanning tries several decoders at several scales and always validates
// the decoded text as an envelope of the expected kind.
package qr

import (
	"errors"
	"fmt"
	"image"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/1ureka/pastecall/internal/signaling"
)

var ErrPayloadTooLarge = errors.New("qr: payload too large for a single code")

// levels maps an envelope length limit to the most robust correction level
// that still yields a scannable symbol. Longer payloads get less correction
// to keep module density down.
var levels = []struct {
	maxLen int
	level  qrcode.RecoveryLevel
}{
	{1200, qrcode.Highest},
	{1600, qrcode.High},
	{2300, qrcode.Medium},
	{2900, qrcode.Low},
}

// LevelFor returns the correction level for an envelope of n characters.
func LevelFor(n int) (qrcode.RecoveryLevel, error) {
	for _, l := range levels {
		if n <= l.maxLen {
			return l.level, nil
		}
	}
	return qrcode.Low, fmt.Errorf("%w: %d characters (max %d)", ErrPayloadTooLarge, n, levels[len(levels)-1].maxLen)
}

func encode(env signaling.Envelope) (*qrcode.QRCode, error) {
	level, err := LevelFor(len(env))
	if err != nil {
		return nil, err
	}
	q, err := qrcode.New(string(env), level)
	if err != nil {
		return nil, fmt.Errorf("qr: encode: %w", err)
	}
	return q, nil
}

// ToImage renders env as a size×size image (larger if the symbol needs it).
func ToImage(env signaling.Envelope, size int) (image.Image, error) {
	q, err := encode(env)
	if err != nil {
		return nil, err
	}
	return q.Image(size), nil
}

// ToPNG renders env as PNG bytes.
func ToPNG(env signaling.Envelope, size int) ([]byte, error) {
	q, err := encode(env)
	if err != nil {
		return nil, err
	}
	return q.PNG(size)
}

// ToTerminal renders env with half-block characters for a terminal.
func ToTerminal(env signaling.Envelope) (string, error) {
	q, err := encode(env)
	if err != nil {
		return "", err
	}
	return q.ToSmallString(false), nil
}
