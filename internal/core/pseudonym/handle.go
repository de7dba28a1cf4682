package pseudonym

import (
	"crypto/sha256"
	"encoding/hex"
)

// DefaultHandleLen caps the total handle length, prefix included
const DefaultHandleLen = 64

// Handle derives the short replacement value from a base64 ciphertext:
// prefix plus the ciphertext digest truncated so the whole handle fits
// maxLen. maxLen <= 0 falls back to DefaultHandleLen
func Handle(prefix, ciphertextB64 string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultHandleLen
	}
	sum := sha256.Sum256([]byte(ciphertextB64))
	digest := hex.EncodeToString(sum[:])

	room := maxLen - len(prefix)
	if room <= 0 {
		if len(prefix) > maxLen {
			return prefix[:maxLen]
		}
		return prefix
	}
	if room < len(digest) {
		digest = digest[:room]
	}
	return prefix + digest
}
