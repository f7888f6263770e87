package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrNotFound     = errors.New("domain: not found")
	ErrConflict     = errors.New("domain: conflict")
	ErrValidation   = errors.New("domain: invalid arguments")
	ErrForbidden    = errors.New("domain: forbidden")
	ErrPolicyDenied = errors.New("domain: denied by policy")
)
