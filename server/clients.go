package server

import (
	"crypto/subtle"
	"errors"
	"strings"
)

// ErrInvalidClient is returned for any client authentication failure. The
// same error covers unknown clients and wrong secrets.
var ErrInvalidClient = errors.New("invalid_client")

// ClientRegistry holds registered OAuth clients.
type ClientRegistry struct {
	clients map[string]*Client
}

// NewClientRegistry builds the registry from configuration.
func NewClientRegistry(cfgs []ClientConfig) (*ClientRegistry, error) {
	clients := make(map[string]*Client, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ClientID == "" {
			return nil, errors.New("client_id required")
		}
		clients[cfg.ClientID] = &Client{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURIs: cfg.RedirectURIs,
			Scopes:       cfg.Scopes,
		}
	}
	return &ClientRegistry{clients: clients}, nil
}

// Get retrieves a client definition.
func (cr *ClientRegistry) Get(id string) (*Client, bool) {
	client, ok := cr.clients[id]
	return client, ok
}

// Authenticate validates client credentials. The secret comparison is
// constant time.
func (cr *ClientRegistry) Authenticate(id, secret string) (*Client, error) {
	client, ok := cr.clients[id]
	if !ok {
		// Burn a comparison so unknown clients cost the same as bad secrets.
		subtle.ConstantTimeCompare([]byte(secret), []byte(secret))
		return nil, ErrInvalidClient
	}
	if secret == "" || subtle.ConstantTimeCompare([]byte(client.ClientSecret), []byte(secret)) != 1 {
		return nil, ErrInvalidClient
	}
	return client, nil
}

// IsRedirectAllowed reports whether the URI is registered for the client.
func (cr *ClientRegistry) IsRedirectAllowed(id, uri string) bool {
	client, ok := cr.clients[id]
	if !ok {
		return false
	}
	return client.ValidRedirect(uri)
}

// ValidRedirect ensures the redirect URI is registered and safe.
func (c *Client) ValidRedirect(uri string) bool {
	if !isSafeRedirectURI(uri) {
		return false
	}
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// ValidateScopes ensures requested scopes are a subset of configured scopes.
func (c *Client) ValidateScopes(scope string) bool {
	if scope == "" {
		return true
	}
	for _, sc := range strings.Fields(scope) {
		if !containsString(c.Scopes, sc) {
			return false
		}
	}
	return true
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// isSafeRedirectURI validates that a redirect URI is safe to send users to.
// Blocks dangerous schemes, protocol-relative URLs, and userinfo/fragment
// tricks that enable open redirects.
func isSafeRedirectURI(uri string) bool {
	if uri == "" {
		return false
	}

	lower := strings.ToLower(uri)
	dangerousSchemes := []string{
		"javascript:",
		"data:",
		"file:",
		"vbscript:",
		"about:",
	}
	for _, scheme := range dangerousSchemes {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}

	if strings.HasPrefix(uri, "//") {
		return false
	}

	idx := strings.Index(uri, "://")
	if idx == -1 {
		return false
	}
	scheme := uri[:idx]
	rest := uri[idx+3:]

	if scheme != "http" && scheme != "https" {
		return false
	}

	// Blocks user:pass@host and path@domain confusion.
	if strings.Contains(rest, "@") {
		return false
	}

	// Block # in the host part (http://evil.com#http://trusted.com/cb).
	hostPart := rest
	if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
		hostPart = rest[:slashIdx]
	}
	return !strings.Contains(hostPart, "#")
}
