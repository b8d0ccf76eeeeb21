package domain

import "errors"

var (
	ErrValidation     = errors.New("invalid input")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrDecryption     = errors.New("decryption failed")
	ErrInvariant      = errors.New("invariant violation")
	ErrExternalEngine = errors.New("external engine call failed")
	ErrLockHeld       = errors.New("lock already held")
)
