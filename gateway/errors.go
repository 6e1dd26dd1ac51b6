// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Error taxonomy. Each maps to exactly one HTTP status on the proxy
// surface; see writeError for the response shape.
var (
	// ErrAuth is a missing or invalid session token. Mapped to 401.
	// The response never reveals whether the session exists.
	ErrAuth = errors.New("gateway: invalid or missing token")

	// ErrNotFound is an unknown session+upstream pair: the config
	// expired or was never registered. Mapped to 404.
	ErrNotFound = errors.New("gateway: unknown session or upstream")

	// ErrPolicyDenied is a request blocked by the upstream's access
	// policy. Mapped to 403 unless the upstream overrides the denial
	// response shape.
	ErrPolicyDenied = errors.New("gateway: blocked by policy")

	// ErrUpstream is a transport-level failure reaching the upstream.
	// A non-2xx upstream status is not an error — it passes through.
	// Mapped to 502.
	ErrUpstream = errors.New("gateway: upstream request failed")

	// ErrConfig is a gateway misconfiguration: missing shared secret
	// or store binding. Mapped to 500 and checked at startup where
	// possible.
	ErrConfig = errors.New("gateway: misconfigured")
)

// errorBody is the JSON shape of non-denial gateway errors.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, logger *slog.Logger, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorBody{Error: code, Message: message}); err != nil {
		logger.Warn("writing JSON error response", "error", err, "status", status)
	}
}
