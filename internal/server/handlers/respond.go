// Package handlers implements the HTTP endpoints of the job control
// surface.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/kryahq/kryad/internal/errors"
	"github.com/kryahq/kryad/pkg/jobs"
	"github.com/kryahq/kryad/pkg/jobstore"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErrorCode(w http.ResponseWriter, code apperrors.Code, message string) {
	writeJSON(w, apperrors.HTTPStatus(code), apperrors.HTTPErrorResponse{
		Error: apperrors.HTTPErrorBody{Code: code, Message: message},
	})
}

// writeError maps core errors onto the stable envelope. Only registry
// errors cross this boundary synchronously; anything unknown collapses to
// INTERNAL_ERROR without leaking detail.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, jobstore.ErrNotFound):
		writeErrorCode(w, apperrors.CodeNotFound, "job not found")
	case errors.Is(err, jobs.ErrInvalidInput):
		writeErrorCode(w, apperrors.CodeInvalidInput, err.Error())
	case errors.Is(err, jobs.ErrPromptCooldown):
		writeErrorCode(w, apperrors.CodeRateLimited,
			"this prompt was started too recently, wait a few seconds")
	default:
		writeErrorCode(w, apperrors.CodeOf(err), apperrors.MessageOf(err))
	}
}
