package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("verify: %w", ErrAuthentication), CodeAuthentication},
		{NewValidationError("recipientId", "required"), CodeValidation},
		{fmt.Errorf("deliver u1: %w", ErrRecipientOffline), CodeRecipientOffline},
		{ErrRegistryFull, CodeRegistryFull},
		{ErrDuplicateRegistration, CodeDuplicate},
		{ErrDisallowedType, CodeDisallowedType},
		{fmt.Errorf("%w: dial tcp", ErrStoreUnavailable), CodeStoreUnavailable},
		{ErrReverseResolutionDegraded, CodeDegraded},
		{errors.New("boom"), CodeInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Code(tc.err), "%v", tc.err)
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("serviceName", "required")
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, "serviceName: required", err.Error())

	var ve *ValidationError
	assert.True(t, errors.As(fmt.Errorf("register: %w", err), &ve))
	assert.Equal(t, "serviceName", ve.Field)
}

func TestPublicMessage(t *testing.T) {
	assert.Equal(t, "service temporarily unavailable", PublicMessage(fmt.Errorf("%w: redis down at 10.0.0.3", ErrStoreUnavailable)))
	assert.Equal(t, "internal error", PublicMessage(errors.New("nil pointer somewhere")))
	assert.Equal(t, "recipient offline", PublicMessage(ErrRecipientOffline))
}
