package auth

import (
	"errors"

	"profilevault.org/internal/payload"
)

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrConflict           = errors.New("auth: already exists")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrUnauthorized       = errors.New("auth: unauthorized")
	ErrForbidden          = errors.New("auth: forbidden")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// Verification failures. All of them describe untrusted input and are
// reported to clients the same way.
var (
	ErrInvalidKey       = errors.New("auth: signing key cannot be resolved")
	ErrSignatureInvalid = errors.New("auth: signature invalid")
	ErrExpired          = errors.New("auth: token expired")
	ErrMalformed        = errors.New("auth: malformed token")
)

// IsUntrusted reports whether err came from rejecting client-supplied
// credentials or ciphertext rather than from a server fault.
func IsUntrusted(err error) bool {
	return errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrSignatureInvalid) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, payload.ErrIntegrityCheckFailed)
}

// ValidationError lists per-field problems with a request.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return "auth: validation failed"
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = msg
	}
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}
