package server

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Redemption failures. The token endpoint collapses all of these into one
// generic invalid_grant response; the distinction exists for logs and tests.
var (
	ErrGrantNotFound = errors.New("authorization code not found")
	ErrGrantExpired  = errors.New("authorization code expired")
	ErrGrantUsed     = errors.New("authorization code already used")
)

// codeBytes gives 256 bits of entropy per code.
const codeBytes = 32

// CodeStore issues and redeems single-use authorization codes. It is the
// only shared mutable state in the core; Redeem's check-and-mark runs as
// one critical section so that exactly one of any number of concurrent
// redeemers of the same code succeeds.
type CodeStore struct {
	mu     sync.Mutex
	grants map[string]*AuthorizationGrant
	ttl    time.Duration
	now    func() time.Time
}

// NewCodeStore constructs a store issuing codes valid for ttl.
func NewCodeStore(ttl time.Duration) *CodeStore {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	return &CodeStore{
		grants: make(map[string]*AuthorizationGrant),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue generates a fresh random code and records the grant.
func (s *CodeStore) Issue(clientID, userID, redirectURI, scope string) (string, error) {
	code, err := newCode()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	now := s.now()
	grant := &AuthorizationGrant{
		ID:          uuid.NewString(),
		Code:        code,
		ClientID:    clientID,
		UserID:      userID,
		RedirectURI: redirectURI,
		Scope:       scope,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.ttl),
	}

	s.mu.Lock()
	s.grants[code] = grant
	s.mu.Unlock()

	return code, nil
}

// Redeem atomically checks and consumes a code. An expired grant is evicted
// and fails regardless of whether it was ever redeemed; a consumed grant
// fails with ErrGrantUsed on every later attempt.
func (s *CodeStore) Redeem(code string) (AuthorizationGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[code]
	if !ok {
		return AuthorizationGrant{}, ErrGrantNotFound
	}
	if s.now().After(grant.ExpiresAt) {
		delete(s.grants, code)
		return AuthorizationGrant{}, ErrGrantExpired
	}
	if grant.Consumed {
		return AuthorizationGrant{}, ErrGrantUsed
	}

	grant.Consumed = true
	return *grant, nil
}

// Len reports the number of live grant records. Used by tests and the
// periodic sweep log line.
func (s *CodeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.grants)
}

// StartSweep launches a background ticker that evicts expired grants,
// including consumed ones kept around to answer replays with ErrGrantUsed.
func (s *CodeStore) StartSweep(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = s.ttl
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-stop:
				return
			}
		}
	}()
}

func (s *CodeStore) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for code, grant := range s.grants {
		if now.After(grant.ExpiresAt) {
			delete(s.grants, code)
		}
	}
}

func newCode() (string, error) {
	buf := make([]byte, codeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
