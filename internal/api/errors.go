package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"

	"pewcast/internal/job"
	"pewcast/internal/storage"
	"pewcast/internal/task/scheduler"
)

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	Hint  string `json:"hint,omitempty"`
}

func errMissing(field string) error {
	return &job.ValidationError{Field: field, Reason: "is required"}
}

// statusOf maps the error taxonomy to HTTP.
func statusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case job.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrClaimContention), errors.Is(err, scheduler.ErrNotResumable):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := errorBody{Error: err.Error()}
	var ve *job.ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
	}
	if hints := errors.GetAllHints(err); len(hints) > 0 {
		body.Hint = hints[0]
	}
	if status >= http.StatusInternalServerError {
		body.Error = http.StatusText(status)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
