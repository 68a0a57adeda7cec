package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenAuth_MintVerifyRoundtrip(t *testing.T) {
	auth := NewTokenAuth("test-secret", time.Hour)

	token, err := auth.Mint("rid-1", "client-42")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	subject, err := auth.Verify(token, "rid-1")
	require.NoError(t, err)
	assert.Equal(t, "client-42", subject)
}

func TestTokenAuth_RejectsWrongResource(t *testing.T) {
	auth := NewTokenAuth("test-secret", time.Hour)

	token, err := auth.Mint("rid-1", "client-42")
	require.NoError(t, err)

	_, err = auth.Verify(token, "rid-2")
	assert.ErrorIs(t, err, ErrTokenMismatch)
}

func TestTokenAuth_RejectsWrongSecret(t *testing.T) {
	minter := NewTokenAuth("secret-a", time.Hour)
	verifier := NewTokenAuth("secret-b", time.Hour)

	token, err := minter.Mint("rid-1", "client-42")
	require.NoError(t, err)

	_, err = verifier.Verify(token, "rid-1")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestTokenAuth_RejectsExpiredToken(t *testing.T) {
	auth := NewTokenAuth("test-secret", time.Millisecond)

	token, err := auth.Mint("rid-1", "client-42")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	_, err = auth.Verify(token, "rid-1")
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestTokenAuth_RejectsGarbage(t *testing.T) {
	auth := NewTokenAuth("test-secret", time.Hour)

	_, err := auth.Verify("not-a-token", "rid-1")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
