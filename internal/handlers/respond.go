package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/PortNumber53/fieldjobs-billing/internal/billing"
)

type errorBody struct {
	Kind    billing.Kind   `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorResponse struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("writeJSON: encode response: %v", err)
	}
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind billing.Kind) int {
	switch kind {
	case billing.KindValidation, billing.KindAuthentication:
		return http.StatusBadRequest
	case billing.KindPrecondition:
		return http.StatusConflict
	case billing.KindNotFound:
		return http.StatusNotFound
	case billing.KindRemote:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err in the standard error envelope. Internal failures
// are logged and reported without their cause.
func writeError(w http.ResponseWriter, err error) {
	kind := billing.KindOf(err)
	msg := err.Error()
	if kind == billing.KindInternal {
		log.Printf("internal error: %v", err)
		msg = "internal error"
	}
	writeJSON(w, statusFor(kind), errorResponse{
		Error: errorBody{Kind: kind, Message: msg, Details: billing.DetailsOf(err)},
	})
}
