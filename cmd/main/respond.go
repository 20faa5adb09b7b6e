package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/CTAG07/stencil/pkg/templating"
)

// errorResponse is the body of every failed API call. Reason is only set for
// render failures and carries the sandbox reason code.
type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, errorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			slog.Default().Error("Failed to encode JSON response", "error", err)
		}
	}
}

// statusForKind maps a store error kind to an HTTP status and a client-facing label.
func statusForKind(kind templating.Kind) (int, string) {
	switch kind {
	case templating.KindInvalidID:
		return http.StatusBadRequest, "invalid template id"
	case templating.KindInvalidVariables:
		return http.StatusBadRequest, "invalid variables"
	case templating.KindInvalidTemplate:
		return http.StatusUnprocessableEntity, "template does not compile"
	case templating.KindRenderFailed:
		return http.StatusUnprocessableEntity, "render failed"
	case templating.KindNotFound:
		return http.StatusNotFound, "template not found"
	case templating.KindAlreadyExists:
		return http.StatusConflict, "template already exists"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// respondWithStoreError writes the status for err. The error text itself is
// logged, never sent, since it can quote template source or host paths.
func respondWithStoreError(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := templating.KindOf(err)
	code, label := statusForKind(kind)
	if code >= http.StatusInternalServerError {
		logger.Error("Template operation failed", "error", err)
	} else {
		logger.Debug("Template operation rejected", "kind", kind, "error", err)
	}
	respondWithJSON(w, code, errorResponse{Error: label, Reason: string(templating.EvalReason(err))})
}
