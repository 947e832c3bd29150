package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/1ureka/pastecall/internal/qr"
	"github.com/1ureka/pastecall/internal/signaling"
	"github.com/1ureka/pastecall/internal/util"
)

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
}

// resolveArtifact turns user input into an envelope of the expected kind.
// The input may be a QR image path, an offer link, or a bare envelope; in
// every case the payload kind is checked.
func resolveArtifact(raw string, expected signaling.Kind, scanner *qr.Scanner) (signaling.Envelope, error) {
	raw = strings.TrimSpace(raw)

	if imageExts[strings.ToLower(filepath.Ext(raw))] {
		if _, err := os.Stat(raw); err != nil {
			return "", err
		}
		p, err := scanner.FromFile(raw, expected)
		if err != nil {
			return "", err
		}
		return signaling.Encode(p)
	}

	env := signaling.Envelope(raw)
	if strings.Contains(raw, "://") {
		if fragment, ok := signaling.FromShareableLocator(raw); ok {
			env = fragment
		}
	}

	if _, err := signaling.Decode(env, expected); err != nil {
		return "", err
	}
	return env, nil
}

// fingerprint tags the descriptor inside env. Plain, compact, linked and
// scanned forms of one payload share a tag.
func fingerprint(env signaling.Envelope, kind signaling.Kind) string {
	p, err := signaling.Decode(env, kind)
	if err != nil {
		return "????-????"
	}
	return util.Fingerprint(p.SDP)
}
