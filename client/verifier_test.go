package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"wauthd/server"
)

type issuerFixture struct {
	tokens  *server.TokenService
	jwksSrv *httptest.Server
}

func newIssuerFixture(t *testing.T) *issuerFixture {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Server.PublicURL = "http://issuer.test"
	cfg.Server.SecretsPath = t.TempDir()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	signer, err := server.NewSigner(cfg.Server.SecretsPath, logger)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	tokens := server.NewTokenService(cfg, signer, logger)

	jwksSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(signer.PublicJWKS())
	}))
	t.Cleanup(jwksSrv.Close)

	return &issuerFixture{tokens: tokens, jwksSrv: jwksSrv}
}

func (f *issuerFixture) verifier(audience string) *Verifier {
	return NewVerifier(VerifierConfig{
		Issuer:           "http://issuer.test",
		JWKSURL:          f.jwksSrv.URL,
		ExpectedAudience: audience,
	})
}

func TestVerifyIssuedToken(t *testing.T) {
	fixture := newIssuerFixture(t)
	verifier := fixture.verifier("warehouse")

	token, err := fixture.tokens.Issue("user1", "warehouse", "warehouse.read warehouse.write")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := verifier.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if claims.Subject != "user1" {
		t.Errorf("unexpected subject: %q", claims.Subject)
	}
	if claims.ClientID != "warehouse" {
		t.Errorf("unexpected client_id: %q", claims.ClientID)
	}
	if len(claims.Scopes) != 2 || claims.Scopes[0] != "warehouse.read" {
		t.Errorf("unexpected scopes: %v", claims.Scopes)
	}
	if claims.TokenID == "" {
		t.Errorf("expected token id")
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt); got != time.Hour {
		t.Errorf("expected 1h lifetime, got %s", got)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	fixture := newIssuerFixture(t)
	verifier := fixture.verifier("")

	token, err := fixture.tokens.Issue("user1", "warehouse", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tampered := []byte(token)
	mid := len(tampered) / 2
	if tampered[mid] == 'a' {
		tampered[mid] = 'b'
	} else {
		tampered[mid] = 'a'
	}

	if _, err := verifier.Verify(context.Background(), string(tampered)); err == nil {
		t.Fatalf("expected tampered token to be rejected")
	}
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	fixture := newIssuerFixture(t)
	verifier := fixture.verifier("some-other-service")

	token, err := fixture.tokens.Issue("user1", "warehouse", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := verifier.Verify(context.Background(), token); err == nil {
		t.Fatalf("expected audience mismatch to be rejected")
	}
}

func TestHasScopes(t *testing.T) {
	v := NewVerifier(VerifierConfig{})
	claims := &Claims{Scopes: []string{"warehouse.read"}}

	if err := v.HasScopes(claims); err != nil {
		t.Errorf("no required scopes should pass: %v", err)
	}
	if err := v.HasScopes(claims, "warehouse.read"); err != nil {
		t.Errorf("present scope should pass: %v", err)
	}
	if err := v.HasScopes(claims, "warehouse.write"); err == nil {
		t.Errorf("missing scope must fail")
	}
}

func TestRequireAuthMiddleware(t *testing.T) {
	fixture := newIssuerFixture(t)
	verifier := fixture.verifier("warehouse")

	protected := RequireAuth(verifier, "warehouse.read")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			t.Errorf("claims missing from context")
		}
		_, _ = w.Write([]byte(claims.Subject))
	}))

	token, err := fixture.tokens.Issue("user1", "warehouse", "warehouse.read")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/query", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "user1" {
		t.Errorf("unexpected body: %q", rec.Body.String())
	}

	// Missing header.
	req = httptest.NewRequest(http.MethodGet, "/query", nil)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}

	// Insufficient scope.
	scopeless, err := fixture.tokens.Issue("user1", "warehouse", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/query", nil)
	req.Header.Set("Authorization", "Bearer "+scopeless)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for missing scope, got %d", rec.Code)
	}
}
