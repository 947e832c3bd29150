package signaling

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

const sampleSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0\r\n" +
	"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=candidate:1 1 udp 2130706431 192.168.1.7 50000 typ host\r\n" +
	"a=ice-ufrag:abcd\r\n" +
	"a=ice-pwd:0123456789abcdef0123456789\r\n" +
	"a=fingerprint:sha-256 AA:BB:CC\r\n" +
	"a=setup:actpass\r\n" +
	"a=mid:0\r\n" +
	"a=sctp-port:5000\r\n"

// TestEncodeDecodeRoundTrip verifies decode(encode(P), P.kind) == P for
// both kinds and both envelope forms.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name    string
		payload Payload
	}{
		{"offer", Payload{Kind: KindOffer, SDP: sampleSDP}},
		{"answer", Payload{Kind: KindAnswer, SDP: sampleSDP}},
		{"html characters", Payload{Kind: KindOffer, SDP: "a=x:<&>\r\n"}},
		{"unicode", Payload{Kind: KindAnswer, SDP: "s=café  \r\n"}},
	}

	encoders := []struct {
		name string
		fn   func(Payload) (Envelope, error)
	}{
		{"plain", Encode},
		{"compact", EncodeCompact},
	}

	for _, tc := range testCases {
		for _, enc := range encoders {
			t.Run(tc.name+"/"+enc.name, func(t *testing.T) {
				env, err := enc.fn(tc.payload)
				if err != nil {
					t.Fatalf("encode failed: %v", err)
				}

				got, err := Decode(env, tc.payload.Kind)
				if err != nil {
					t.Fatalf("Decode failed: %v", err)
				}
				if got != tc.payload {
					t.Errorf("round trip mismatch: got %+v, want %+v", got, tc.payload)
				}
			})
		}
	}
}

// TestEncodeWireFormat pins the exact JSON shape inside the base64.
func TestEncodeWireFormat(t *testing.T) {
	env, err := Encode(Payload{Kind: KindOffer, SDP: "v=0\r\n<x>"})
	if err != nil {
		t.Fatal(err)
	}

	raw, err := base64.StdEncoding.DecodeString(string(env))
	if err != nil {
		t.Fatalf("envelope is not standard base64: %v", err)
	}

	want := `{"type":"offer","sdp":"v=0\r\n<x>"}`
	if string(raw) != want {
		t.Errorf("wire JSON = %s, want %s", raw, want)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	p := Payload{Kind: KindAnswer, SDP: sampleSDP}
	a, _ := Encode(p)
	b, _ := Encode(p)
	if a != b {
		t.Error("Encode is not deterministic")
	}
}

// TestDecodeKindMismatch verifies that an offer is never accepted where an
// answer is expected, and vice versa.
func TestDecodeKindMismatch(t *testing.T) {
	testCases := []struct {
		have, want Kind
	}{
		{KindOffer, KindAnswer},
		{KindAnswer, KindOffer},
	}

	for _, tc := range testCases {
		t.Run(string(tc.have)+"->"+string(tc.want), func(t *testing.T) {
			for _, encode := range []func(Payload) (Envelope, error){Encode, EncodeCompact} {
				env, err := encode(Payload{Kind: tc.have, SDP: sampleSDP})
				if err != nil {
					t.Fatal(err)
				}

				_, err = Decode(env, tc.want)
				if !errors.Is(err, ErrPayloadTypeMismatch) {
					t.Fatalf("Decode error = %v, want ErrPayloadTypeMismatch", err)
				}
			}
		})
	}
}

func TestDecodeInvalidEnvelope(t *testing.T) {
	b64 := func(s string) Envelope { return Envelope(base64.StdEncoding.EncodeToString([]byte(s))) }

	testCases := []struct {
		name string
		env  Envelope
	}{
		{"empty", ""},
		{"whitespace only", "   \n\t"},
		{"not base64", "%%%not-base64%%%"},
		{"not json", b64("hello world")},
		{"unknown type", b64(`{"type":"pranswer","sdp":"v=0"}`)},
		{"missing sdp", b64(`{"type":"offer"}`)},
		{"json array", b64(`["offer","v=0"]`)},
		{"compact garbage", "~" + b64("not deflate data")},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.env, KindOffer)
			if !errors.Is(err, ErrInvalidEnvelope) {
				t.Fatalf("Decode error = %v, want ErrInvalidEnvelope", err)
			}
		})
	}
}

// TestDecodeToleratesMangling covers the damage manual transports typically
// do: line wrapping, surrounding spaces, stripped padding, URL-safe alphabet.
func TestDecodeToleratesMangling(t *testing.T) {
	p := Payload{Kind: KindOffer, SDP: sampleSDP}
	env, err := Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	s := string(env)

	var wrapped strings.Builder
	for i := 0; i < len(s); i += 60 {
		end := min(i+60, len(s))
		wrapped.WriteString(s[i:end])
		wrapped.WriteString("\r\n")
	}

	urlSafe := strings.NewReplacer("+", "-", "/", "_").Replace(strings.TrimRight(s, "="))

	testCases := []struct {
		name string
		env  string
	}{
		{"wrapped", wrapped.String()},
		{"padded with spaces", "  " + s + "  \n"},
		{"no padding", strings.TrimRight(s, "=")},
		{"url safe", urlSafe},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode(Envelope(tc.env), KindOffer)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if got != p {
				t.Errorf("payload mismatch")
			}
		})
	}
}

func TestEncodeRejectsUnknownKind(t *testing.T) {
	if _, err := Encode(Payload{Kind: "rollback", SDP: "v=0"}); !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("Encode error = %v, want ErrInvalidEnvelope", err)
	}
	if _, err := EncodeCompact(Payload{Kind: "", SDP: "v=0"}); !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("EncodeCompact error = %v, want ErrInvalidEnvelope", err)
	}
}

func TestEncodeRejectsInvalidUTF8(t *testing.T) {
	p := Payload{Kind: KindOffer, SDP: "v=0\r\na=x:\xff\xfe\r\n"}

	if _, err := Encode(p); !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("Encode error = %v, want ErrInvalidEnvelope", err)
	}
	if _, err := EncodeCompact(p); !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("EncodeCompact error = %v, want ErrInvalidEnvelope", err)
	}
}

func TestCompactIsSmaller(t *testing.T) {
	sdp := strings.Repeat(sampleSDP, 4)
	plain, _ := Encode(Payload{Kind: KindOffer, SDP: sdp})
	compact, _ := EncodeCompact(Payload{Kind: KindOffer, SDP: sdp})

	if !strings.HasPrefix(string(compact), compactPrefix) {
		t.Fatalf("compact envelope lacks %q prefix", compactPrefix)
	}
	if len(compact) >= len(plain) {
		t.Errorf("compact envelope (%d) not smaller than plain (%d)", len(compact), len(plain))
	}
}
