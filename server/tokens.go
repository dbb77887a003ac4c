package server

import (
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Validation failures. All of them surface to the caller as a 401.
var (
	ErrTokenMalformed = errors.New("token malformed")
	ErrTokenSignature = errors.New("token signature invalid")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenIssuer    = errors.New("token issuer mismatch")
)

// AccessClaims captures the JWT claims this issuer mints and validates.
type AccessClaims struct {
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenService builds, signs, and validates access tokens. Issuance is
// stateless: validity is purely a function of signature plus claims.
type TokenService struct {
	issuer    string
	audience  string
	accessTTL time.Duration
	leeway    time.Duration
	signer    *Signer
	logger    *slog.Logger
	now       func() time.Time
}

// NewTokenService constructs a TokenService from configuration.
func NewTokenService(cfg Config, signer *Signer, logger *slog.Logger) *TokenService {
	return &TokenService{
		issuer:    cfg.Issuer(),
		audience:  cfg.Tokens.Audience,
		accessTTL: cfg.Tokens.AccessTTL,
		leeway:    cfg.Tokens.Leeway,
		signer:    signer,
		logger:    logger,
		now:       time.Now,
	}
}

// Issue mints a signed access token for the user. exp is exactly
// iat + the configured access TTL.
func (ts *TokenService) Issue(userID, clientID, scope string) (string, error) {
	now := ts.now()
	claims := AccessClaims{
		Scope:    scope,
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{ts.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.accessTTL)),
			ID:        uuid.NewString(),
		},
	}
	return ts.signer.Sign(claims)
}

// Lifetime reports the access token TTL in seconds for token responses.
func (ts *TokenService) Lifetime() int64 {
	return int64(ts.accessTTL.Seconds())
}

// Validate verifies a presented token: signature first (RS256 only), then
// issuer, then expiry within the configured clock-skew leeway.
func (ts *TokenService) Validate(raw string) (*AccessClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(ts.leeway),
		jwt.WithTimeFunc(ts.now),
		jwt.WithExpirationRequired(),
	}

	tok, err := jwt.ParseWithClaims(raw, &AccessClaims{}, ts.signer.Keyfunc, opts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrTokenMalformed
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		default:
			return nil, ErrTokenSignature
		}
	}

	claims, ok := tok.Claims.(*AccessClaims)
	if !ok || !tok.Valid {
		return nil, ErrTokenSignature
	}
	if claims.Issuer != ts.issuer {
		return nil, ErrTokenIssuer
	}
	if claims.ExpiresAt == nil {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}
