package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const signingKeyFile = "signing.jwks"

// Signer owns the process-wide signing key. The key is loaded (or generated
// and persisted) once at startup and is immutable afterwards; the private
// half never leaves this struct and is never logged.
type Signer struct {
	mu      sync.RWMutex
	private *rsa.PrivateKey
	jwk     jose.JSONWebKey
	kid     string
	logger  *slog.Logger
}

// NewSigner loads the signing key from the secrets directory, generating
// and persisting a fresh RSA-2048 key on first run. Any failure here is
// fatal to the caller: the server must not start without a key.
func NewSigner(secretsPath string, logger *slog.Logger) (*Signer, error) {
	s := &Signer{logger: logger}

	keyPath := ""
	if secretsPath != "" {
		keyPath = filepath.Join(secretsPath, signingKeyFile)
		if err := s.loadFromDisk(keyPath); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load signing key: %w", err)
			}
		}
	}

	if s.private == nil {
		if err := s.generate(); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		if keyPath != "" {
			if err := s.persist(keyPath); err != nil {
				return nil, fmt.Errorf("persist signing key: %w", err)
			}
		}
		logger.Info("signing key generated", "kid", s.kid)
	} else {
		logger.Info("signing key loaded", "kid", s.kid)
	}

	return s, nil
}

// Sign produces a compact RS256 JWT over the claims, stamping the kid.
func (s *Signer) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	s.mu.RLock()
	defer s.mu.RUnlock()
	token.Header["kid"] = s.kid
	return token.SignedString(s.private)
}

// Keyfunc hands the public key to JWT validation. Tokens whose alg header
// is not RS256 are rejected here as well as by the parser's method list.
func (s *Signer) Keyfunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if kid, _ := token.Header["kid"].(string); kid != "" && kid != s.kid {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
	return &s.private.PublicKey, nil
}

// PublicJWKS exposes the public half for the JWKS endpoint.
func (s *Signer) PublicJWKS() jose.JSONWebKeySet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{s.jwk.Public()}}
}

// KeyID returns the active key identifier.
func (s *Signer) KeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kid
}

func (s *Signer) generate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	kid := randomKID()
	s.mu.Lock()
	s.private = key
	s.kid = kid
	s.jwk = jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}
	s.mu.Unlock()
	return nil
}

func (s *Signer) persist(path string) error {
	s.mu.RLock()
	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{s.jwk}}, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func (s *Signer) loadFromDisk(path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}
	if len(set.Keys) == 0 {
		return errors.New("no keys in jwks file")
	}

	key := set.Keys[0]
	priv, ok := key.Key.(*rsa.PrivateKey)
	if !ok {
		return errors.New("jwks file does not contain an RSA private key")
	}
	s.mu.Lock()
	s.private = priv
	s.kid = key.KeyID
	s.jwk = key
	s.mu.Unlock()
	return nil
}

func randomKID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}
