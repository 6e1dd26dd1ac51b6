// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

package sessiontoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Issue derives the token for a session: hex-encoded HMAC-SHA256 over
// the session ID, keyed by the gateway's shared secret.
func Issue(secret, sessionID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(sessionID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate recomputes the session's token and compares it against the
// presented value in constant time. A length mismatch is an immediate
// false; equal-length comparison time is independent of how many
// leading characters match.
func Validate(secret, sessionID, token string) bool {
	expected := Issue(secret, sessionID)
	return hmac.Equal([]byte(expected), []byte(token))
}

// SplitCompound splits a compound bearer value of the form
// "sessionID:token" at the first colon. Some CLI-style callers reuse
// an enterprise-host authentication convention that packs both values
// into a single credential. Returns ok=false when the value contains
// no colon.
func SplitCompound(value string) (sessionID, token string, ok bool) {
	sessionID, token, ok = strings.Cut(value, ":")
	if !ok {
		return "", "", false
	}
	return sessionID, token, true
}
