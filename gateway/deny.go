// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/credgate/credgate/lib/store"
)

// denyBody is the default JSON body of a policy denial.
type denyBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeDeny sends the policy-denial response without contacting the
// upstream. The default shape is a 403 with a proxy_policy_denied
// body; an upstream may override status, headers, and body to mimic
// its own API's error conventions. Overrides are honored identically
// by both transport adapters because this is the only denial writer.
func writeDeny(w http.ResponseWriter, logger *slog.Logger, override *store.DenyResponse, reason string) {
	if override == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		if err := json.NewEncoder(w).Encode(denyBody{
			Error:   "proxy_policy_denied",
			Message: "Blocked: " + reason,
		}); err != nil {
			logger.Warn("writing denial response", "error", err)
		}
		return
	}

	for name, value := range override.Headers {
		w.Header().Set(name, value)
	}
	status := override.Status
	if status == 0 {
		status = http.StatusForbidden
	}
	w.WriteHeader(status)
	if override.Body != "" {
		body := strings.ReplaceAll(override.Body, "{reason}", reason)
		if _, err := w.Write([]byte(body)); err != nil {
			logger.Warn("writing denial response", "error", err)
		}
	}
}
