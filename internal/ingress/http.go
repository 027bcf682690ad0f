/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ingress

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/beodeck/beodeck/internal/telemetry"
)

// Routes serves the ingress liveness surface so the supervisor can watch
// the remote daemon like any other peer.
func Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(telemetry.MetricsMiddleware)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "service": "remote"})
	})
	return r
}
