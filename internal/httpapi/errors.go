package httpapi

import (
	"errors"
	"fmt"
)

// Error codes carried in the code field of error responses
const (
	CodeUnauthorized    = "unauthorized"
	CodeInvalidRequest  = "invalid_request"
	CodeInvalidSnapshot = "invalid_snapshot"
	CodeTooLarge        = "payload_too_large"
	CodeMergeFailed     = "merge_failed"
	CodeNoMaster        = "no_master"
	CodeNotFound        = "not_found"
	CodeNotPending      = "conflict_not_pending"
	CodeUnavailable     = "unavailable"
	CodeInternal        = "internal_error"
)

// ErrNoMaster is returned by Pull when the master holds neither records nor
// tombstones. The replica must be left as it is.
var ErrNoMaster = errors.New("no master snapshot available")

// AuthenticationError means the server rejected the shared key. Retrying
// with the same key cannot succeed.
type AuthenticationError struct {
	StatusCode int
	Message    string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed (http %d): %s", e.StatusCode, e.Message)
}

// MergeError means the server accepted the push but the merge failed and was
// rolled back.
type MergeError struct {
	StatusCode int
	Message    string
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge failed on server (http %d): %s", e.StatusCode, e.Message)
}

// TransportError covers connection failures, timeouts and unexpected
// responses. These are worth retrying.
type TransportError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Code != "":
		return fmt.Sprintf("%s: http %d %s: %s", e.Op, e.StatusCode, e.Code, e.Message)
	default:
		return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Message)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transport failure
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
