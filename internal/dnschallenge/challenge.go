// Package dnschallenge implements the TXT-record ownership proof used before
// a custom domain may be bound for TLS issuance.
package dnschallenge

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// tokenBytes gives a 128-bit challenge token, hex-encoded to 32 characters.
const tokenBytes = 16

// NewToken generates a random verification token.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate verification token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// RecordName builds the challenge TXT record name for a domain, e.g.
// "_merfy-verify.shop.example.com".
func RecordName(prefix, domain string) string {
	return prefix + "." + domain
}
