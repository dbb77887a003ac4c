package server

import (
	"context"
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"
)

// CredentialStore verifies user identity against some backend. The core
// depends only on this capability; databases or directory services plug in
// behind the same interface.
type CredentialStore interface {
	// Verify reports whether the secret matches the named user. It returns
	// false for unknown users and wrong secrets alike.
	Verify(ctx context.Context, username, secret string) bool
}

// dummyHash is compared against when the user does not exist so that lookup
// timing does not reveal which usernames are registered.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// StaticCredentialStore holds users loaded from configuration. Secrets are
// bcrypt hashes, or plaintext in dev deployments.
type StaticCredentialStore struct {
	users map[string]User
}

// NewStaticCredentialStore builds the store from config users.
func NewStaticCredentialStore(cfgs []UserConfig) *StaticCredentialStore {
	users := make(map[string]User, len(cfgs))
	for _, cfg := range cfgs {
		users[cfg.Username] = User{Username: cfg.Username, Secret: cfg.Secret}
	}
	return &StaticCredentialStore{users: users}
}

// Verify implements CredentialStore.
func (s *StaticCredentialStore) Verify(ctx context.Context, username, secret string) bool {
	user, ok := s.users[username]
	if !ok {
		// Burn a comparison anyway.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		return false
	}
	if isBcryptHash(user.Secret) {
		return bcrypt.CompareHashAndPassword([]byte(user.Secret), []byte(secret)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(user.Secret), []byte(secret)) == 1
}
