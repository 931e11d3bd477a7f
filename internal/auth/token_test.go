package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyToken(t *testing.T) {
	svc := NewSessionTokenService("test-secret", time.Hour)

	token, expiresAt, err := svc.IssueToken("alice", "s-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := svc.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "s-1", claims.SessionID)
}

func TestVerifyToken_RejectsWrongSecret(t *testing.T) {
	issuer := NewSessionTokenService("secret-a", time.Hour)
	verifier := NewSessionTokenService("secret-b", time.Hour)

	token, _, err := issuer.IssueToken("alice", "s-1")
	require.NoError(t, err)

	_, err = verifier.VerifyToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyToken_RejectsExpired(t *testing.T) {
	svc := NewSessionTokenService("test-secret", -time.Minute)

	token, _, err := svc.IssueToken("alice", "s-1")
	require.NoError(t, err)

	_, err = svc.VerifyToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyToken_RejectsGarbage(t *testing.T) {
	svc := NewSessionTokenService("test-secret", time.Hour)

	_, err := svc.VerifyToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
