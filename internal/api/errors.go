package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/khetsense/khetsense/internal/chat"
	"github.com/khetsense/khetsense/internal/dialogue"
	"github.com/khetsense/khetsense/internal/speech"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// serviceError maps an error from the chat service onto an HTTP status.
func serviceError(w http.ResponseWriter, err error) {
	var maxBytes *http.MaxBytesError
	var backend *dialogue.BackendError
	var sarvam *speech.APIError

	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, speech.ErrUnsupportedLanguage):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "Unsupported language selected.")
	case errors.Is(err, dialogue.ErrImageTooLarge), errors.As(err, &maxBytes):
		httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "%v", err)
	case errors.Is(err, dialogue.ErrBackendUnavailable), errors.Is(err, speech.ErrNotConfigured):
		httpError(w, http.StatusServiceUnavailable, "service_unavailable", "Chatbot service unavailable.")
	case errors.Is(err, dialogue.ErrBackendTimeout):
		httpError(w, http.StatusGatewayTimeout, "timeout_error", "the model did not answer in time")
	case errors.Is(err, speech.ErrEmptyTranscript):
		httpError(w, http.StatusInternalServerError, "api_error", "ASR failed: empty transcript")
	case errors.As(err, &backend), errors.As(err, &sarvam):
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "internal error: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
