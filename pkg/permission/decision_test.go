package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecision_Err(t *testing.T) {
	assert.NoError(t, Allow().Err())
	assert.ErrorIs(t, Deny(ReasonNotAuthenticated).Err(), ErrNotAuthenticated)
	assert.ErrorIs(t, Deny(ReasonInactive).Err(), ErrNotAuthenticated)
	assert.ErrorIs(t, Deny(ReasonInsufficientPermission).Err(), ErrPermissionDenied)
}

func TestDecision_ErrDoesNotNamePermission(t *testing.T) {
	err := Deny(ReasonInsufficientPermission).Err()
	assert.Equal(t, "insufficient permission", err.Error())
}
