package security_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle/internal/security"
)

func TestTokenService_RoundTrip(t *testing.T) {
	svc := security.NewTokenService("0123456789abcdef", time.Hour)

	token, err := svc.Create(security.Identity{UserID: "alice", DisplayName: "Alice"})
	require.NoError(t, err)

	id, err := svc.Identify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)
	assert.Equal(t, "Alice", id.DisplayName)
}

func TestTokenService_DefaultsNameToSubject(t *testing.T) {
	svc := security.NewTokenService("0123456789abcdef", time.Hour)

	token, err := svc.Create(security.Identity{UserID: "bob"})
	require.NoError(t, err)

	id, err := svc.Identify(token)
	require.NoError(t, err)
	assert.Equal(t, "bob", id.DisplayName)
}

func TestTokenService_Rejects(t *testing.T) {
	svc := security.NewTokenService("0123456789abcdef", time.Hour)
	other := security.NewTokenService("fedcba9876543210", time.Hour)

	t.Run("WrongSecret", func(t *testing.T) {
		token, err := other.Create(security.Identity{UserID: "alice"})
		require.NoError(t, err)
		_, err = svc.Identify(token)
		assert.Error(t, err)
	})

	t.Run("Expired", func(t *testing.T) {
		token, err := svc.CreateWithTTL(security.Identity{UserID: "alice"}, -time.Minute)
		require.NoError(t, err)
		_, err = svc.Identify(token)
		assert.Error(t, err)
	})

	t.Run("EmptySubject", func(t *testing.T) {
		token, err := svc.Create(security.Identity{})
		require.NoError(t, err)
		_, err = svc.Identify(token)
		assert.Error(t, err)
	})
}

func TestEncryptor(t *testing.T) {
	enc, err := security.NewEncryptor([]byte("a secret of any length"))
	require.NoError(t, err)

	sealed, err := enc.Encrypt("hello there")
	require.NoError(t, err)
	assert.NotEqual(t, "hello there", sealed)

	again, err := enc.Encrypt("hello there")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per call")

	plain, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello there", plain)

	other, err := security.NewEncryptor([]byte("another secret"))
	require.NoError(t, err)
	_, err = other.Decrypt(sealed)
	assert.Error(t, err)

	_, err = security.NewEncryptor(nil)
	assert.Error(t, err)
}
