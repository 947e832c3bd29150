package signaling

import (
	"fmt"
	"net/url"
	"strings"
)

// ToShareableLocator embeds an offer envelope in the fragment of base, e.g.
// "https://pastecall.app/#<envelope>". The fragment is never sent to a
// server, so signaling data stays between the two peers. Query and fragment
// already present in base are dropped.
//
// Only offers are shared as links; answers travel as bare envelopes.
func ToShareableLocator(base string, env Envelope) (string, error) {
	if _, err := Decode(env, KindOffer); err != nil {
		return "", err
	}

	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid locator base %q", base)
	}

	return u.Scheme + "://" + u.Host + u.EscapedPath() + "#" + string(env), nil
}

// FromShareableLocator extracts the envelope from a link's fragment. The
// boolean is false when there is no fragment: a link without an offer is a
// normal state, not an error.
func FromShareableLocator(raw string) (Envelope, bool) {
	raw = strings.TrimSpace(raw)

	// Pasted links are often not valid URLs (wrapped, truncated scheme),
	// so only the fragment separator is trusted.
	i := strings.IndexByte(raw, '#')
	if i < 0 {
		return "", false
	}

	frag := raw[i+1:]
	// Some messengers percent-encode the base64 padding.
	if unescaped, err := url.PathUnescape(frag); err == nil {
		frag = unescaped
	}
	if frag == "" {
		return "", false
	}
	return Envelope(frag), true
}
