package model

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared across packages. Callers match with errors.Is;
// the HTTP and MCP layers map them to status codes.
var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrConflict         = errors.New("conflict")
	ErrUnauthorized     = errors.New("unauthorized")

	// ErrIndexUnavailable means the configured vector index could not be
	// reached. Startup treats this as fatal; there is no silent fallback
	// between index modes.
	ErrIndexUnavailable = errors.New("vector index unavailable")

	// ErrDecrypt means a sync payload failed authentication or decryption.
	// Nothing from the payload is imported when this is returned.
	ErrDecrypt = errors.New("decrypt failed")
)

// ValidationError reports a request field that failed validation.
// Maps to HTTP 422.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid is shorthand for constructing a ValidationError.
func Invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ChecksumError reports a sync object whose content digest did not match
// its manifest entry. The object name is included so operators can tell
// which artifact is corrupt.
type ChecksumError struct {
	Object string
	Want   string
	Got    string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: manifest %s, got %s", e.Object, e.Want, e.Got)
}

// SafetyBlocked records why the safety filter refused a write. It is
// carried inside AddResult rather than returned as an error: a blocked
// write is a normal outcome, not a transport failure.
type SafetyBlocked struct {
	Reasons []string
}

func (e *SafetyBlocked) Error() string {
	return "content blocked by safety filter: " + strings.Join(e.Reasons, "; ")
}

// Error code constants for the HTTP API error envelope.
const (
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeIndexUnavailable = "INDEX_UNAVAILABLE"
	ErrCodeDecryptFailed    = "DECRYPT_FAILED"
)
