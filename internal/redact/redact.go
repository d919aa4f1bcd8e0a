// Package redact centralizes the deny-list scrubbing of sensitive fields
// before they reach zerolog output, per Design Notes "Logging redaction".
package redact

import (
	"crypto/sha256"
	"encoding/hex"
)

// denyList are field names that are replaced wholesale with "[Redacted]"
// rather than hashed, since their value is never useful even truncated.
var denyList = map[string]bool{
	"refresh_token":    true,
	"recovery_code":    true,
	"pairing_token":    true,
	"Authorization":    true,
	"authorization":    true,
	"encryptedContent": true,
	"encrypted_content": true,
}

const Redacted = "[Redacted]"

// Field redacts a single log field value by name, per the deny-list.
func Field(name, value string) string {
	if denyList[name] {
		return Redacted
	}
	return value
}

// Token shortens a bearer-style token to "***<sha256-first-8>" so logs can
// still correlate repeated requests from the same token without leaking it.
func Token(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return "***" + hex.EncodeToString(sum[:])[:8]
}
