package labclient

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for backend operations.
var (
	// ErrNotFound indicates the run does not exist or is not owned by the caller.
	// The backend answers both cases with 403.
	ErrNotFound = errors.New("run not found or unauthorized")

	// ErrUnauthorized indicates a missing, invalid or expired token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConflict indicates the run's status does not allow the requested stage.
	ErrConflict = errors.New("stage not allowed in current status")

	// ErrBadRequest indicates the backend rejected the request body.
	ErrBadRequest = errors.New("bad request")

	// ErrUnavailable indicates the backend could not be reached or failed.
	ErrUnavailable = errors.New("backend unavailable")
)

// APIError wraps a failed backend call with context.
type APIError struct {
	// Op is the client operation that failed (e.g., "GetRun", "StartCleaning").
	Op string

	// RunID is the run the call addressed, if any.
	RunID string

	// StatusCode is the HTTP status, or 0 when no response was received.
	StatusCode int

	// Message is the backend's "msg" field, when present.
	Message string

	// Err is the sentinel or transport error.
	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.RunID != "" && e.StatusCode != 0:
		return fmt.Sprintf("%s %s: %d: %s", e.Op, e.RunID, e.StatusCode, msg)
	case e.RunID != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.RunID, msg)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %d: %s", e.Op, e.StatusCode, msg)
	default:
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *APIError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the run does not exist or belongs to another user.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnauthorized returns true if the token was rejected.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsConflict returns true if the stage gate rejected the request.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsUnavailable returns true if the backend could not serve the request.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusUnprocessableEntity:
		// flask-jwt-extended answers malformed tokens with 422.
		return ErrUnauthorized
	case code == http.StatusForbidden, code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusConflict:
		return ErrConflict
	case code == http.StatusTooManyRequests, code >= 500:
		return ErrUnavailable
	default:
		return ErrBadRequest
	}
}
