package mqtt311

import (
	"context"
	"errors"
	"net"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// AuthResult represents the result of an authentication attempt.
type AuthResult struct {
	// Success indicates whether authentication was successful.
	Success bool

	// ReturnCode is the CONNACK code sent on failure. Zero on failure means
	// ConnackBadUsernameOrPassword.
	ReturnCode ConnackCode
}

// AuthContext contains information about the authentication request.
type AuthContext struct {
	// ClientID is the client identifier from the CONNECT packet.
	ClientID string

	// Username is the username from the CONNECT packet (may be empty).
	Username string

	// Password is the password from the CONNECT packet (may be empty).
	Password []byte

	// HasUsername and HasPassword report whether CONNECT carried the field,
	// which tells an empty value from an absent one.
	HasUsername bool
	HasPassword bool

	// RemoteAddr is the remote address of the client connection.
	RemoteAddr net.Addr

	// CleanSession is the clean-session flag from CONNECT.
	CleanSession bool
}

// Authenticator verifies client credentials at CONNECT time.
type Authenticator interface {
	Authenticate(ctx context.Context, authCtx *AuthContext) (*AuthResult, error)
}

// AllowAllAuthenticator allows all connections without checking credentials.
type AllowAllAuthenticator struct{}

// Authenticate always succeeds.
func (a *AllowAllAuthenticator) Authenticate(_ context.Context, _ *AuthContext) (*AuthResult, error) {
	return &AuthResult{Success: true}, nil
}

// DenyAllAuthenticator denies all connections.
type DenyAllAuthenticator struct{}

// Authenticate always returns not authorized.
func (d *DenyAllAuthenticator) Authenticate(_ context.Context, _ *AuthContext) (*AuthResult, error) {
	return &AuthResult{ReturnCode: ConnackNotAuthorized}, nil
}

var ErrInvalidPasswordHash = errors.New("invalid bcrypt password hash")

// StaticAuthenticator checks usernames against a fixed table of bcrypt
// password hashes.
type StaticAuthenticator struct {
	mu        sync.RWMutex
	users     map[string][]byte
	anonymous bool
}

// NewStaticAuthenticator creates an authenticator with no users. When
// anonymous is true, clients that send no username are let in.
func NewStaticAuthenticator(anonymous bool) *StaticAuthenticator {
	return &StaticAuthenticator{
		users:     make(map[string][]byte),
		anonymous: anonymous,
	}
}

// AddUser registers a user with a bcrypt hash as produced by HashPassword.
func (a *StaticAuthenticator) AddUser(username, hash string) error {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return ErrInvalidPasswordHash
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.users[username] = []byte(hash)
	return nil
}

// RemoveUser deletes a user.
func (a *StaticAuthenticator) RemoveUser(username string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.users, username)
}

// Authenticate checks the CONNECT credentials.
func (a *StaticAuthenticator) Authenticate(_ context.Context, actx *AuthContext) (*AuthResult, error) {
	if actx.Username == "" {
		if a.anonymous {
			return &AuthResult{Success: true}, nil
		}
		return &AuthResult{ReturnCode: ConnackNotAuthorized}, nil
	}

	a.mu.RLock()
	hash, ok := a.users[actx.Username]
	a.mu.RUnlock()

	if !ok {
		return &AuthResult{ReturnCode: ConnackBadUsernameOrPassword}, nil
	}

	err := bcrypt.CompareHashAndPassword(hash, actx.Password)
	switch {
	case err == nil:
		return &AuthResult{Success: true}, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return &AuthResult{ReturnCode: ConnackBadUsernameOrPassword}, nil
	default:
		return nil, err
	}
}

// HashPassword returns a bcrypt hash suitable for StaticAuthenticator.AddUser.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
