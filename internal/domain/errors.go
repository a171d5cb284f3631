package domain

import "errors"

// Code is the stable, machine-readable identifier of a rejection.
type Code string

const (
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodeInvalidSignature  Code = "INVALID_SIGNATURE"
	CodeStaleRequest      Code = "STALE_REQUEST"
	CodeDuplicate         Code = "DUPLICATE"
	CodeRequestIDConflict Code = "REQUEST_ID_CONFLICT"
	CodeSoldOut           Code = "SOLD_OUT"
	CodeContention        Code = "CONTENTION"
	CodeStoreUnavailable  Code = "STORE_UNAVAILABLE"
	CodeInvalidRequest    Code = "INVALID_REQUEST"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInternal          Code = "INTERNAL"
)

type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

var (
	ErrRateLimitExceeded = &Error{Code: CodeRateLimitExceeded, Message: "rate limit exceeded, retry later"}
	ErrInvalidSignature  = &Error{Code: CodeInvalidSignature, Message: "purchase intent signature mismatch"}
	ErrStaleRequest      = &Error{Code: CodeStaleRequest, Message: "purchase intent is too old"}
	ErrDuplicate         = &Error{Code: CodeDuplicate, Message: "ticket already purchased for this date"}
	ErrRequestIDConflict = &Error{Code: CodeRequestIDConflict, Message: "request id already used for another user or date"}
	ErrSoldOut           = &Error{Code: CodeSoldOut, Message: "tickets for this date are sold out"}
	ErrContention        = &Error{Code: CodeContention, Message: "inventory contention, retries exhausted"}
	ErrStoreUnavailable  = &Error{Code: CodeStoreUnavailable, Message: "backing store unavailable, retry later"}
	ErrInvalidRequest    = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
	ErrNotFound          = &Error{Code: CodeNotFound, Message: "not found"}
)

// CodeOf returns the Code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}

	return CodeInternal
}

// MessageOf returns the human readable message paired with CodeOf(err).
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return "internal error"
}

// Retryable reports whether a client may retry the same request later.
func Retryable(c Code) bool {
	switch c {
	case CodeRateLimitExceeded, CodeStoreUnavailable, CodeContention:
		return true
	}
	return false
}

// ErrorFor returns the sentinel carrying code, or nil for an unknown code.
func ErrorFor(c Code) *Error {
	for _, e := range []*Error{
		ErrRateLimitExceeded,
		ErrInvalidSignature,
		ErrStaleRequest,
		ErrDuplicate,
		ErrRequestIDConflict,
		ErrSoldOut,
		ErrContention,
		ErrStoreUnavailable,
		ErrInvalidRequest,
		ErrNotFound,
	} {
		if e.Code == c {
			return e
		}
	}
	return nil
}
