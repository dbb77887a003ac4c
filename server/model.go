package server

import "time"

// User is a credential-store record for a warehouse user.
type User struct {
	Username string
	Secret   string
}

// Client records OAuth client metadata registered with this issuer.
type Client struct {
	ClientID     string
	ClientSecret string
	RedirectURIs []string
	Scopes       []string
}

// AuthorizationGrant is a short-lived, single-use code issued to a client
// after a successful user authentication. The CodeStore owns these records
// for their whole lifetime.
type AuthorizationGrant struct {
	ID          string
	Code        string
	ClientID    string
	UserID      string
	RedirectURI string
	Scope       string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Consumed    bool
}

// TokenResponse matches the OAuth token endpoint payload.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// UserInfoResponse is the /userinfo payload returned to resource providers.
type UserInfoResponse struct {
	User  string   `json:"user"`
	Scope []string `json:"scope"`
}
