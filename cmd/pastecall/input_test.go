package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/1ureka/pastecall/internal/qr"
	"github.com/1ureka/pastecall/internal/signaling"
)

func TestResolveArtifact(t *testing.T) {
	offer, err := signaling.Encode(signaling.Payload{Kind: signaling.KindOffer, SDP: "v=0\r\n"})
	if err != nil {
		t.Fatal(err)
	}
	answer, err := signaling.Encode(signaling.Payload{Kind: signaling.KindAnswer, SDP: "v=0\r\n"})
	if err != nil {
		t.Fatal(err)
	}
	link, err := signaling.ToShareableLocator("https://pastecall.app/", offer)
	if err != nil {
		t.Fatal(err)
	}

	png, err := qr.ToPNG(offer, 256)
	if err != nil {
		t.Fatal(err)
	}
	pngPath := filepath.Join(t.TempDir(), "offer.png")
	if err := os.WriteFile(pngPath, png, 0o644); err != nil {
		t.Fatal(err)
	}

	scanner := qr.NewScanner(nil)

	testCases := []struct {
		name     string
		raw      string
		expected signaling.Kind
		want     signaling.Envelope
		wantErr  error
	}{
		{"bare offer", "  " + string(offer) + "\n", signaling.KindOffer, offer, nil},
		{"offer link", link, signaling.KindOffer, offer, nil},
		{"answer", string(answer), signaling.KindAnswer, answer, nil},
		{"qr image", pngPath, signaling.KindOffer, offer, nil},
		{"answer where offer expected", string(answer), signaling.KindOffer, "", signaling.ErrPayloadTypeMismatch},
		{"link where answer expected", link, signaling.KindAnswer, "", signaling.ErrPayloadTypeMismatch},
		{"qr with wrong kind", pngPath, signaling.KindAnswer, "", signaling.ErrPayloadTypeMismatch},
		{"missing image", filepath.Join(t.TempDir(), "nope.png"), signaling.KindOffer, "", os.ErrNotExist},
		{"garbage", "hello", signaling.KindOffer, "", signaling.ErrInvalidEnvelope},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolveArtifact(tc.raw, tc.expected, scanner)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("error = %v, want %v", err, tc.wantErr)
				}
				if !recoverable(err) {
					t.Errorf("error %v is not recoverable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveArtifact: %v", err)
			}
			if got != tc.want {
				t.Errorf("envelope = %q, want %q", got, tc.want)
			}
		})
	}
}

// TestFingerprintSurvivesTransport checks that every form of one offer
// resolves to the same fingerprint the sender printed.
func TestFingerprintSurvivesTransport(t *testing.T) {
	p := signaling.Payload{Kind: signaling.KindOffer, SDP: "v=0\r\na=ice-ufrag:abcd\r\n"}
	plain, err := signaling.Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	compact, err := signaling.EncodeCompact(p)
	if err != nil {
		t.Fatal(err)
	}
	link, err := signaling.ToShareableLocator("https://pastecall.app/", plain)
	if err != nil {
		t.Fatal(err)
	}

	png, err := qr.ToPNG(compact, 256)
	if err != nil {
		t.Fatal(err)
	}
	pngPath := filepath.Join(t.TempDir(), "offer.png")
	if err := os.WriteFile(pngPath, png, 0o644); err != nil {
		t.Fatal(err)
	}

	want := fingerprint(plain, signaling.KindOffer)
	if want == "????-????" {
		t.Fatal("fingerprint of a valid offer failed")
	}

	scanner := qr.NewScanner(nil)
	for _, raw := range []string{string(compact), link, pngPath} {
		env, err := resolveArtifact(raw, signaling.KindOffer, scanner)
		if err != nil {
			t.Fatalf("resolveArtifact(%q): %v", raw, err)
		}
		if got := fingerprint(env, signaling.KindOffer); got != want {
			t.Errorf("fingerprint of %q = %s, want %s", raw, got, want)
		}
	}
}
