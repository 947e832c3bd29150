package signaling

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/flate"
)

// compactPrefix marks a DEFLATE-compressed envelope. It lies outside every
// base64 alphabet, so the two forms can never be confused.
const compactPrefix = "~"

// maxPayloadSize caps decoded payloads; real session descriptors are a few
// kilobytes.
const maxPayloadSize = 1 << 20

// Encode serializes p as JSON and then standard base64. The output is
// deterministic: equal payloads always produce identical envelopes.
func Encode(p Payload) (Envelope, error) {
	data, err := marshalPayload(p)
	if err != nil {
		return "", err
	}
	return Envelope(base64.StdEncoding.EncodeToString(data)), nil
}

// EncodeCompact is Encode with the JSON DEFLATE-compressed before base64.
// Session descriptors compress well, which keeps QR codes scannable.
func EncodeCompact(p Payload) (Envelope, error) {
	data, err := marshalPayload(p)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return "", err
	}
	if _, err := w.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	return Envelope(compactPrefix + base64.StdEncoding.EncodeToString(buf.Bytes())), nil
}

// Decode parses env and checks that it carries a payload of the expected
// kind. Whitespace inserted by chat apps or line wrapping is ignored.
func Decode(env Envelope, expected Kind) (Payload, error) {
	s := strings.Join(strings.Fields(string(env)), "")
	if s == "" {
		return Payload{}, fmt.Errorf("%w: empty input", ErrInvalidEnvelope)
	}

	compact := strings.HasPrefix(s, compactPrefix)
	s = strings.TrimPrefix(s, compactPrefix)

	raw, err := decodeBase64(s)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	if compact {
		r := flate.NewReader(bytes.NewReader(raw))
		raw, err = io.ReadAll(io.LimitReader(r, maxPayloadSize))
		r.Close()
		if err != nil {
			return Payload{}, fmt.Errorf("%w: decompressing: %v", ErrInvalidEnvelope, err)
		}
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if !p.Kind.Valid() {
		return Payload{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, p.Kind)
	}
	if p.SDP == "" {
		return Payload{}, fmt.Errorf("%w: empty session descriptor", ErrInvalidEnvelope)
	}

	if p.Kind != expected {
		return Payload{}, fmt.Errorf("%w: got %s, want %s", ErrPayloadTypeMismatch, p.Kind, expected)
	}
	return p, nil
}

// marshalPayload produces the canonical JSON form: fixed field order, no
// HTML escaping, no trailing newline.
func marshalPayload(p Payload) ([]byte, error) {
	if !p.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, p.Kind)
	}
	// JSON would replace invalid bytes with U+FFFD and lose them.
	if !utf8.ValidString(p.SDP) {
		return nil, fmt.Errorf("%w: session descriptor is not valid UTF-8", ErrInvalidEnvelope)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// decodeBase64 accepts padded and unpadded, standard and URL-safe input;
// links and messengers sometimes rewrite one into the other.
func decodeBase64(s string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}

	var firstErr error
	for _, enc := range encodings {
		data, err := enc.DecodeString(s)
		if err == nil {
			return data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}
