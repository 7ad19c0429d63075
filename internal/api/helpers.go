// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// ErrorResponse is the JSON body returned on every 4xx/5xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RespondJSON writes data as a JSON body with the given status.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Error().Err(err).Msg("api: failed to encode response")
		}
	}
}

// RespondError writes an ErrorResponse with the given status.
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{Error: message})
}
