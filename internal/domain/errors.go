package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable machine-readable code sent to clients.
type ErrorCode string

const (
	CodeAuthFailed       ErrorCode = "AUTH_FAILED"
	CodeInvalidTimestamp ErrorCode = "INVALID_TIMESTAMP"
	CodeInvalidPayload   ErrorCode = "INVALID_PAYLOAD"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeForbidden        ErrorCode = "FORBIDDEN"
	CodeDecryptionFailed ErrorCode = "DECRYPTION_FAILED"
	CodeSignatureFailed  ErrorCode = "SIGNATURE_FAILED"
	CodeRateLimited      ErrorCode = "RATE_LIMITED"
	CodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// Error is a protocol error. Two *Error values match under errors.Is when
// their codes are equal and the target carries no message of its own, so the
// package sentinels below match any error of the same code.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	} else {
		msg = string(e.Code) + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code against sentinel targets.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is checks.
var (
	ErrAuthFailed       = &Error{Code: CodeAuthFailed}
	ErrInvalidTimestamp = &Error{Code: CodeInvalidTimestamp}
	ErrInvalidPayload   = &Error{Code: CodeInvalidPayload}
	ErrNotFound         = &Error{Code: CodeNotFound}
	ErrForbidden        = &Error{Code: CodeForbidden}
	ErrDecryptionFailed = &Error{Code: CodeDecryptionFailed}
	ErrSignatureFailed  = &Error{Code: CodeSignatureFailed}
	ErrRateLimited      = &Error{Code: CodeRateLimited}
	ErrInternal         = &Error{Code: CodeInternal}
)

// Errorf builds a coded error with a formatted human message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code ErrorCode, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the code of err, defaulting to INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// PublicMessage is the human string safe to send to a client. Internal
// errors never expose their cause.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Code == CodeInternal {
		return "internal error"
	}
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

// IsRetryable reports whether an operation failing with err may be retried
// automatically. Cryptographic, identity and validation failures are
// terminal; uncoded errors are treated as transport failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return true
	}
	switch e.Code {
	case CodeRateLimited, CodeInternal:
		return true
	default:
		return false
	}
}
