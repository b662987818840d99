package codes

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	err := Validation(GroupNameTooShort, "name must be at least 3 characters")
	assert.Equal(t, "GROUP_NAME_CANNOT_BE_LESS_THAN_THREE_CHARACTERS: name must be at least 3 characters", err.Error())

	bare := &Error{Kind: KindCredential, Code: InvalidBindToken}
	assert.Equal(t, "INVALID_BIND_TOKEN", bare.Error())
}

func TestFromErrThroughWrapping(t *testing.T) {
	inner := NotFound(ApplicationNotFound, "application not found")
	wrapped := fmt.Errorf("loading application: %w", inner)

	got := FromErr(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, ApplicationNotFound, got.Code)
	assert.Equal(t, KindNotFound, got.Kind)

	assert.Nil(t, FromErr(errors.New("plain")))
}

func TestKindPredicates(t *testing.T) {
	err := Infrastructure(StoreTimeout, errors.New("context deadline exceeded"))

	assert.True(t, IsKind(err, KindInfrastructure))
	assert.False(t, IsKind(err, KindValidation))
	assert.True(t, HasCode(err, StoreTimeout))
	assert.False(t, HasCode(err, StoreUnavailable))
}

func TestInfrastructureUnwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Infrastructure(StoreUnavailable, cause)
	assert.ErrorIs(t, err, cause)
}

func TestUnauthorizedIsUniform(t *testing.T) {
	// The generic response must not vary by call site.
	a := Unauthorizedf()
	b := Unauthorizedf()
	assert.Equal(t, a.Error(), b.Error())
	assert.Equal(t, Unauthorized, a.Code)
}
