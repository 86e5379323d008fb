package dialogue

import (
	"errors"
	"fmt"
)

var (
	// ErrImageTooLarge is returned before any backend call when an image
	// exceeds MaxImageBytes.
	ErrImageTooLarge = errors.New("image is too large, please upload an image smaller than 4MB")

	// ErrBackendUnavailable means the generation backend is not configured
	// or could not be reached.
	ErrBackendUnavailable = errors.New("generation backend unavailable")

	// ErrBackendTimeout means a backend call exceeded its deadline. The
	// request may be retried by the caller.
	ErrBackendTimeout = errors.New("generation backend timed out")
)

// BackendError is an error reported by the generation provider itself.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	if e.StatusCode == 0 {
		return "generation backend error: " + e.Message
	}
	return fmt.Sprintf("generation backend error (HTTP %d): %s", e.StatusCode, e.Message)
}
