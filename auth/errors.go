package auth

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a bearer token was rejected. Kinds are for logs
// and metrics; clients only ever see a generic invalid_token challenge.
type ErrorKind string

const (
	KindSignatureInvalid ErrorKind = "signature_invalid"
	KindExpired          ErrorKind = "expired"
	KindNotYetValid      ErrorKind = "not_yet_valid"
	KindIssuerMismatch   ErrorKind = "issuer_mismatch"
	KindAudienceMismatch ErrorKind = "audience_mismatch"
	KindScopeMissing     ErrorKind = "scope_missing"
	KindDecryptionFailed ErrorKind = "decryption_failed"
)

// Error is the failure returned by token verification.
type Error struct {
	Kind ErrorKind
	Err  error
}

// NewError builds an *Error of the given kind wrapping err.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds an *Error of the given kind with a formatted cause.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth: %s", e.Kind)
	}
	return fmt.Sprintf("auth: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports ErrUnauthorized for every kind and ErrInsufficientScope for
// KindScopeMissing.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return true
	case ErrInsufficientScope:
		return e.Kind == KindScopeMissing
	}
	return false
}

// KindOf extracts the ErrorKind from err, or "" if err is not an *Error.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}
