package server

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestIssueAndRedeemOnce(t *testing.T) {
	store := NewCodeStore(2 * time.Minute)

	code, err := store.Issue("warehouse", "user1", "https://cb", "warehouse.read")
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	if code == "" {
		t.Fatalf("expected non-empty code")
	}

	grant, err := store.Redeem(code)
	if err != nil {
		t.Fatalf("first Redeem returned error: %v", err)
	}
	if grant.ClientID != "warehouse" || grant.UserID != "user1" {
		t.Fatalf("unexpected grant: %+v", grant)
	}
	if grant.RedirectURI != "https://cb" {
		t.Fatalf("unexpected redirect_uri: %q", grant.RedirectURI)
	}
	if !grant.ExpiresAt.After(grant.IssuedAt) {
		t.Fatalf("expires_at must be after issued_at")
	}

	if _, err := store.Redeem(code); !errors.Is(err, ErrGrantUsed) {
		t.Fatalf("second Redeem: expected ErrGrantUsed, got %v", err)
	}
	if _, err := store.Redeem(code); !errors.Is(err, ErrGrantUsed) {
		t.Fatalf("third Redeem: expected ErrGrantUsed, got %v", err)
	}
}

func TestRedeemUnknownCode(t *testing.T) {
	store := NewCodeStore(2 * time.Minute)
	if _, err := store.Redeem("no-such-code"); !errors.Is(err, ErrGrantNotFound) {
		t.Fatalf("expected ErrGrantNotFound, got %v", err)
	}
}

func TestRedeemExpiredCode(t *testing.T) {
	store := NewCodeStore(2 * time.Minute)

	code, err := store.Issue("warehouse", "user1", "https://cb", "")
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	store.now = func() time.Time { return time.Now().Add(3 * time.Minute) }

	if _, err := store.Redeem(code); !errors.Is(err, ErrGrantExpired) {
		t.Fatalf("expected ErrGrantExpired, got %v", err)
	}
	// Expired entries are evicted lazily; a retry now sees not-found.
	if _, err := store.Redeem(code); !errors.Is(err, ErrGrantNotFound) {
		t.Fatalf("expected ErrGrantNotFound after eviction, got %v", err)
	}
}

func TestConcurrentRedeemExactlyOneWins(t *testing.T) {
	store := NewCodeStore(2 * time.Minute)

	code, err := store.Issue("warehouse", "user1", "https://cb", "")
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	const n = 64
	var wg sync.WaitGroup
	results := make(chan error, n)

	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := store.Redeem(code)
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	successes, used := 0, 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrGrantUsed):
			used++
		default:
			t.Fatalf("unexpected redeem error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly 1 successful redemption, got %d", successes)
	}
	if used != n-1 {
		t.Fatalf("expected %d ErrGrantUsed outcomes, got %d", n-1, used)
	}
}

func TestCodesAreUniqueAndOpaque(t *testing.T) {
	store := NewCodeStore(2 * time.Minute)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := store.Issue("warehouse", "user1", "https://cb", "")
		if err != nil {
			t.Fatalf("Issue returned error: %v", err)
		}
		// 32 random bytes base64url-encode to 43 characters.
		if len(code) != 43 {
			t.Fatalf("unexpected code length %d", len(code))
		}
		if seen[code] {
			t.Fatalf("duplicate code issued: %s", code)
		}
		seen[code] = true
	}
}

func TestSweepEvictsExpiredGrants(t *testing.T) {
	store := NewCodeStore(2 * time.Minute)

	for i := 0; i < 5; i++ {
		if _, err := store.Issue("warehouse", "user1", "https://cb", ""); err != nil {
			t.Fatalf("Issue returned error: %v", err)
		}
	}
	if got := store.Len(); got != 5 {
		t.Fatalf("expected 5 grants, got %d", got)
	}

	store.now = func() time.Time { return time.Now().Add(3 * time.Minute) }
	store.sweep()

	if got := store.Len(); got != 0 {
		t.Fatalf("expected sweep to evict all grants, %d remain", got)
	}
}
