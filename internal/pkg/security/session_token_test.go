package security

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-session-secret"

func TestGenerateAndVerifySessionToken(t *testing.T) {
	token, err := GenerateSessionToken(42, "user@example.com", time.Hour, testSecret)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := VerifySessionToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, uint(42), claims.UserID)
	assert.Equal(t, "user@example.com", claims.Email)
	assert.Greater(t, claims.ExpiresAt, claims.IssuedAt)
}

func TestVerifySessionToken_WrongSecret(t *testing.T) {
	token, err := GenerateSessionToken(42, "user@example.com", time.Hour, testSecret)
	require.NoError(t, err)

	_, err = VerifySessionToken(token, "other-secret")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifySessionToken_Tampered(t *testing.T) {
	token, err := GenerateSessionToken(42, "user@example.com", time.Hour, testSecret)
	require.NoError(t, err)

	parts := strings.SplitN(token, ".", 2)
	require.Len(t, parts, 2)

	// Flip a character in the payload while keeping the original signature.
	payload := []byte(parts[0])
	if payload[0] == 'A' {
		payload[0] = 'B'
	} else {
		payload[0] = 'A'
	}
	tampered := string(payload) + "." + parts[1]

	_, err = VerifySessionToken(tampered, testSecret)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifySessionToken_Expired(t *testing.T) {
	token, err := GenerateSessionToken(42, "user@example.com", -time.Minute, testSecret)
	require.NoError(t, err)

	_, err = VerifySessionToken(token, testSecret)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifySessionToken_Malformed(t *testing.T) {
	for _, token := range []string{"", "no-dot", "a.b.c extra", "!!!.???"} {
		_, err := VerifySessionToken(token, testSecret)
		assert.Error(t, err, token)
	}
}

func TestGenerateSessionToken_RequiresSecret(t *testing.T) {
	_, err := GenerateSessionToken(1, "user@example.com", time.Hour, "")
	assert.Error(t, err)
}
