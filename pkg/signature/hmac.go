// Package signature authenticates inbound webhook bodies with HMAC-SHA256.
//
// The MAC is always computed over the exact bytes received. Re-encoding a
// parsed body can reorder fields or change whitespace and break verification.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const prefix = "sha256="

// Sign returns the hex encoded HMAC-SHA256 of raw under secret.
func Sign(raw []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether header carries the MAC of raw under secret. The
// header may be bare hex or "sha256=<hex>". Empty inputs never verify.
func Verify(raw []byte, header, secret string) bool {
	if len(raw) == 0 || secret == "" {
		return false
	}
	header = strings.TrimSpace(header)
	header = strings.TrimPrefix(header, prefix)
	if header == "" {
		return false
	}

	got, err := hex.DecodeString(header)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(raw)
	return hmac.Equal(got, mac.Sum(nil))
}
