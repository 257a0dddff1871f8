// Package verifyerr defines the coded error taxonomy shared by every stage of
// presentation verification.
//
// Input-driven failures (malformed payloads, bad signatures, replays, revoked
// credentials) are reported inside a verification result. Infrastructure
// failures (cache corruption, misconfiguration) are the only errors returned
// to the caller as fatal; use IsFatal to tell them apart.
package verifyerr

import "errors"

// Code represents a verification failure category independent of transport.
type Code string

const (
	CodeDecode                Code = "decode_error"
	CodeSignature             Code = "signature_error"
	CodeExpired               Code = "expired"
	CodeNonceReplay           Code = "nonce_replay"
	CodeNonceExpired          Code = "nonce_expired"
	CodeRevocation            Code = "revocation_error"
	CodeMissingDisclosure     Code = "missing_disclosure"
	CodeMissingCredentialType Code = "missing_credential_type"
	CodeNetwork               Code = "network_error"
	CodeTimeout               Code = "timeout"
	CodeNotFound              Code = "not_found"
	CodeCache                 Code = "cache_error"
	CodeInvalidConfig         Code = "invalid_config"
)

// Error wraps a verification failure with a stable code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return string(e.Code) + ": " + e.Err.Error()
	}
	return string(e.Code)
}

// Unwrap implements error unwrapping for error chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is enables errors.Is() to match errors by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new error with the given code and message.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap creates a new error wrapping an existing one.
// If the wrapped error already carries a code, the original code is preserved.
func Wrap(err error, code Code, msg string) error {
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{Code: existing.Code, Message: msg, Err: err}
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode checks if an error carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the code of the first coded error in the chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsFatal reports whether err belongs to the infrastructure class that must be
// propagated to the caller instead of being folded into a result.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case CodeCache, CodeInvalidConfig:
		return true
	default:
		return false
	}
}

// IsUnavailable reports whether err means the remote source could not be
// reached (as opposed to answering "not found").
func IsUnavailable(err error) bool {
	switch CodeOf(err) {
	case CodeNetwork, CodeTimeout:
		return true
	default:
		return false
	}
}
