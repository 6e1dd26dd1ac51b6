// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package sessiontoken derives and validates per-session proxy
// capability tokens.
//
// A token is deterministic: hex(HMAC-SHA256(secret, sessionID)). It is
// never stored — the gateway recomputes it on every request. The token
// carries no payload and no policy; its only role is to prove the
// bearer was issued the capability for that session. Real upstream
// credentials live in the gateway's configuration store, never in the
// token.
//
// Validation compares in constant time so a sandboxed caller cannot
// brute-force another session's token through a timing side channel.
package sessiontoken
