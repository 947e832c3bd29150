// Package util provides shared logging, statistics and hashing helpers.
package util

import (
	"fmt"
	"hash/fnv"
)

// Fingerprint returns a short, human-comparable tag for a session
// descriptor. Both peers print it so a user can confirm that the pasted
// artifact is the one that was sent. It is not a security measure.
func Fingerprint(s string) string {
	h := fnv.New32a()
	h.Write([]byte(s))
	sum := h.Sum32()
	return fmt.Sprintf("%04X-%04X", sum>>16, sum&0xFFFF)
}
