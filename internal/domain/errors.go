package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication terminates the connection that caused it.
	ErrAuthentication            = errors.New("authentication failed")
	ErrValidation                = errors.New("validation failed")
	ErrRecipientOffline          = errors.New("recipient offline")
	ErrRegistryFull              = errors.New("service registry is full")
	ErrDuplicateRegistration     = errors.New("service already registered")
	ErrDisallowedType            = errors.New("service type not allowed")
	ErrStoreUnavailable          = errors.New("store unavailable")
	ErrReverseResolutionDegraded = errors.New("reverse relation unavailable")
	ErrServiceNotFound           = errors.New("service not found")
)

// ValidationError describes a malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Wire error codes.
const (
	CodeAuthentication   = "AUTHENTICATION_ERROR"
	CodeValidation       = "VALIDATION_ERROR"
	CodeRecipientOffline = "RECIPIENT_OFFLINE"
	CodeRegistryFull     = "REGISTRY_FULL"
	CodeDuplicate        = "DUPLICATE_REGISTRATION"
	CodeDisallowedType   = "DISALLOWED_TYPE"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeDegraded         = "REVERSE_RESOLUTION_DEGRADED"
	CodeNotFound         = "NOT_FOUND"
	CodeInternal         = "INTERNAL_ERROR"
)

// Code maps an error to the code reported to clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthentication):
		return CodeAuthentication
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrRecipientOffline):
		return CodeRecipientOffline
	case errors.Is(err, ErrRegistryFull):
		return CodeRegistryFull
	case errors.Is(err, ErrDuplicateRegistration):
		return CodeDuplicate
	case errors.Is(err, ErrDisallowedType):
		return CodeDisallowedType
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	case errors.Is(err, ErrReverseResolutionDegraded):
		return CodeDegraded
	case errors.Is(err, ErrServiceNotFound):
		return CodeNotFound
	default:
		return CodeInternal
	}
}

// PublicMessage is the error text safe to send over the wire. Store and
// internal failures are not described to clients.
func PublicMessage(err error) string {
	switch Code(err) {
	case CodeStoreUnavailable:
		return "service temporarily unavailable"
	case CodeInternal:
		return "internal error"
	default:
		return err.Error()
	}
}
