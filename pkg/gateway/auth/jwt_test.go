package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef-test"

func TestIssueAndValidate(t *testing.T) {
	m, err := NewJWTManager(testSecret, "publisher", time.Hour)
	require.NoError(t, err)

	token, err := m.IssueToken("user-1", "a@example.com")
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID())
	assert.Equal(t, "a@example.com", claims.Email)
}

func TestValidateRejectsExpired(t *testing.T) {
	m, err := NewJWTManager(testSecret, "publisher", time.Minute)
	require.NoError(t, err)
	m.nowFunc = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := m.IssueToken("user-1", "")
	require.NoError(t, err)

	m.nowFunc = time.Now
	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsForeignIssuerAndKey(t *testing.T) {
	a, _ := NewJWTManager(testSecret, "publisher", time.Hour)
	b, _ := NewJWTManager(testSecret, "someone-else", time.Hour)
	c, _ := NewJWTManager("another-secret-value!", "publisher", time.Hour)

	token, err := b.IssueToken("user-1", "")
	require.NoError(t, err)
	_, err = a.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	token, err = c.IssueToken("user-1", "")
	require.NoError(t, err)
	_, err = a.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestShortSecretRejected(t *testing.T) {
	_, err := NewJWTManager("short", "publisher", time.Hour)
	assert.Error(t, err)
}
