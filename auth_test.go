package mqtt311

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestAllowAllAuthenticator(t *testing.T) {
	result, err := (&AllowAllAuthenticator{}).Authenticate(context.Background(), &AuthContext{ClientID: "c"})
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestDenyAllAuthenticator(t *testing.T) {
	result, err := (&DenyAllAuthenticator{}).Authenticate(context.Background(), &AuthContext{ClientID: "c"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, ConnackNotAuthorized, result.ReturnCode)
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("secret", bcrypt.MinCost)
	require.NoError(t, err)

	cost, err := bcrypt.Cost([]byte(hash))
	require.NoError(t, err)
	assert.Equal(t, bcrypt.MinCost, cost)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")))

	_, err = HashPassword("secret", bcrypt.MaxCost+1)
	assert.Error(t, err)
}

func TestStaticAuthenticator(t *testing.T) {
	hash, err := HashPassword("s3cret", bcrypt.MinCost)
	require.NoError(t, err)

	auth := NewStaticAuthenticator(false)
	require.NoError(t, auth.AddUser("alice", hash))

	tests := []struct {
		name     string
		username string
		password string
		success  bool
		code     ConnackCode
	}{
		{"valid credentials", "alice", "s3cret", true, ConnackAccepted},
		{"wrong password", "alice", "nope", false, ConnackBadUsernameOrPassword},
		{"empty password", "alice", "", false, ConnackBadUsernameOrPassword},
		{"unknown user", "bob", "s3cret", false, ConnackBadUsernameOrPassword},
		{"anonymous refused", "", "", false, ConnackNotAuthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := auth.Authenticate(context.Background(), &AuthContext{
				ClientID: "c1",
				Username: tt.username,
				Password: []byte(tt.password),
			})
			require.NoError(t, err)
			assert.Equal(t, tt.success, result.Success)
			assert.Equal(t, tt.code, result.ReturnCode)
		})
	}
}

func TestStaticAuthenticatorAnonymous(t *testing.T) {
	auth := NewStaticAuthenticator(true)

	result, err := auth.Authenticate(context.Background(), &AuthContext{ClientID: "c1"})
	require.NoError(t, err)
	assert.True(t, result.Success)

	// A username still has to be known.
	result, err = auth.Authenticate(context.Background(), &AuthContext{ClientID: "c1", Username: "ghost"})
	require.NoError(t, err)
	assert.False(t, result.Success)
}

func TestStaticAuthenticatorUsers(t *testing.T) {
	auth := NewStaticAuthenticator(false)
	assert.ErrorIs(t, auth.AddUser("alice", "plaintext"), ErrInvalidPasswordHash)

	hash, err := HashPassword("pw", bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, auth.AddUser("alice", hash))

	auth.RemoveUser("alice")
	result, err := auth.Authenticate(context.Background(), &AuthContext{Username: "alice", Password: []byte("pw")})
	require.NoError(t, err)
	assert.False(t, result.Success)
}
