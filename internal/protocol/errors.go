package protocol

import (
	"errors"
	"fmt"
)

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Action layer.
	ErrBadRequest      = "E_BAD_REQUEST"
	ErrNoPermission    = "E_NO_PERMISSION"
	ErrNoResource      = "E_NO_RESOURCE"
	ErrQuota           = "E_QUOTA"
	ErrRateLimit       = "E_RATE_LIMIT"
	ErrNotFound        = "E_NOT_FOUND"
	ErrValidation      = "E_VALIDATION"
	ErrUnknownMethod   = "E_UNKNOWN_METHOD"
	ErrConflict        = "E_CONFLICT"
	ErrStale           = "E_STALE"
	ErrInternal        = "E_INTERNAL"
	ErrExternal        = "E_EXTERNAL"
	ErrStorageBusy     = "E_STORAGE_BUSY"
	ErrResourceCeiling = "E_RESOURCE_CEILING"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrBadRequest:      {},
	ErrNoPermission:    {},
	ErrNoResource:      {},
	ErrQuota:           {},
	ErrRateLimit:       {},
	ErrNotFound:        {},
	ErrValidation:      {},
	ErrUnknownMethod:   {},
	ErrConflict:        {},
	ErrStale:           {},
	ErrInternal:        {},
	ErrExternal:        {},
	ErrStorageBusy:     {},
	ErrResourceCeiling: {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// IsRetryable reports whether a failure with this code may succeed if the
// same operation is attempted again without any change in world state.
func IsRetryable(code string) bool {
	return code == ErrStorageBusy
}

// Error is a kernel error carrying a stable code.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(code string, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func WrapError(code string, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of the first *Error in err's chain.
// Untyped errors report E_INTERNAL.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrInternal
}

// MessageOf returns the human message of a typed error, or err.Error().
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}
