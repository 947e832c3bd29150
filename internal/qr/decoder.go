package qr

import (
	"errors"
	"fmt"
	"image"

	"github.com/makiuchi-d/gozxing"
	zxingqr "github.com/makiuchi-d/gozxing/qrcode"
)

// ErrNotFound is returned by a Decoder that finds no readable code.
var ErrNotFound = errors.New("qr: no code in image")

// Decoder extracts the text of one QR code from an image.
type Decoder interface {
	Decode(img image.Image) (string, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(img image.Image) (string, error)

func (f DecoderFunc) Decode(img image.Image) (string, error) { return f(img) }

// zxingDecoder is one gozxing reader configuration.
type zxingDecoder struct {
	binarizer func(gozxing.LuminanceSource) gozxing.Binarizer
	hints     map[gozxing.DecodeHintType]interface{}
}

func (d zxingDecoder) Decode(img image.Image) (string, error) {
	src := gozxing.NewLuminanceSourceFromImage(img)
	bmp, err := gozxing.NewBinaryBitmap(d.binarizer(src))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	result, err := zxingqr.NewQRCodeReader().Decode(bmp, d.hints)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return result.GetText(), nil
}

// HybridDecoder binarizes with local thresholds and searches the whole
// image. Suited to photographs with uneven lighting.
func HybridDecoder() Decoder {
	return zxingDecoder{
		binarizer: gozxing.NewHybridBinarizer,
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
	}
}

// PureDecoder expects a clean, unrotated symbol, such as a screenshot or a
// rendered file, and binarizes with a global histogram.
func PureDecoder() Decoder {
	return zxingDecoder{
		binarizer: gozxing.NewGlobalHistgramBinarizer,
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_PURE_BARCODE: true,
		},
	}
}

// DefaultDecoders returns the decoder chain used when none is configured.
func DefaultDecoders() []Decoder {
	return []Decoder{HybridDecoder(), PureDecoder()}
}
