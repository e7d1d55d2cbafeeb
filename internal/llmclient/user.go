package llmclient

import (
	"crypto/sha256"
	"encoding/hex"
)

// maxUserLen is the longest correlation value the hosted LLM accepts.
const maxUserLen = 64

// SanitizeUser returns a safe value for the request's user field: the
// input itself when it is short and clean, otherwise a deterministic hex
// hash. The result is always non-empty and stable per input.
func SanitizeUser(raw string) string {
	if raw == "" {
		return hashUser("anonymous")
	}
	if len(raw) <= maxUserLen && cleanUserField(raw) {
		return raw
	}
	return hashUser(raw)
}

func hashUser(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:16])
}

// cleanUserField allows letters, digits, and the separators the hosted
// service documents as safe.
func cleanUserField(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == ':':
		default:
			return false
		}
	}
	return true
}
