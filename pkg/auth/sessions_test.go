package auth

import (
	"testing"
	"time"

	"github.com/permitd/permitd/pkg/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserSessionRoundTrip(t *testing.T) {
	m := NewSessionManager([]byte("test-secret"), time.Hour)

	token, err := m.IssueUserSession(7, "jones@test.test")
	require.NoError(t, err)

	claims, err := m.Verify(token)
	require.NoError(t, err)

	kind, id, err := claims.SubjectID()
	require.NoError(t, err)
	assert.Equal(t, SubjectUser, kind)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, "jones@test.test", claims.Email)
	assert.Empty(t, claims.Role)
}

func TestApplicationSessionCarriesEpoch(t *testing.T) {
	m := NewSessionManager([]byte("test-secret"), time.Hour)

	token, err := m.IssueApplicationSession(42, 10, 3)
	require.NoError(t, err)

	claims, err := m.Verify(token)
	require.NoError(t, err)

	kind, id, err := claims.SubjectID()
	require.NoError(t, err)
	assert.Equal(t, SubjectApplication, kind)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, RoleApplication, claims.Role)
	assert.Equal(t, int64(10), claims.GroupID)
	assert.Equal(t, int64(3), claims.Epoch)
}

func TestVerifyRejectsExpiredSession(t *testing.T) {
	m := NewSessionManager([]byte("test-secret"), -time.Minute)

	token, err := m.IssueUserSession(7, "jones@test.test")
	require.NoError(t, err)

	_, err = m.Verify(token)
	assert.True(t, codes.HasCode(err, codes.InvalidCredentials))
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	issuer := NewSessionManager([]byte("secret-a"), time.Hour)
	verifier := NewSessionManager([]byte("secret-b"), time.Hour)

	token, err := issuer.IssueUserSession(7, "jones@test.test")
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.True(t, codes.HasCode(err, codes.InvalidCredentials))
}

func TestVerifyRejectsGarbage(t *testing.T) {
	m := NewSessionManager([]byte("test-secret"), time.Hour)
	_, err := m.Verify("not-a-token")
	assert.True(t, codes.HasCode(err, codes.InvalidCredentials))
}
