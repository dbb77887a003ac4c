package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config      Config
	Logger      *slog.Logger
	Credentials CredentialStore
	Clients     *ClientRegistry
	Codes       *CodeStore
	Signer      *Signer
	Tokens      *TokenService
}

// NewApp wires together the application state from configuration. The
// credential store is injectable; pass nil to use the config-backed one.
func NewApp(cfg Config, creds CredentialStore, logger *slog.Logger) (*App, error) {
	signer, err := NewSigner(cfg.Server.SecretsPath, logger)
	if err != nil {
		return nil, err
	}

	clients, err := NewClientRegistry(cfg.Clients)
	if err != nil {
		return nil, err
	}

	if creds == nil {
		creds = NewStaticCredentialStore(cfg.Users)
	}

	return &App{
		Config:      cfg,
		Logger:      logger,
		Credentials: creds,
		Clients:     clients,
		Codes:       NewCodeStore(cfg.Tokens.CodeTTL),
		Signer:      signer,
		Tokens:      NewTokenService(cfg, signer, logger),
	}, nil
}

// handleAuthorize implements the authorization endpoint. The request carries
// the user credentials directly because this deployment has no login page;
// do not expose this endpoint without TLS outside dev.
func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, "", "", "invalid_request", "invalid form")
		return
	}

	req, err := a.parseAuthorizeRequest(r)
	if err != nil {
		a.Logger.Warn("authorize invalid request", "error", err)
		// Only redirect if the client and redirect_uri are both valid;
		// otherwise return the error directly.
		canRedirect := req.Client != nil && req.RedirectURI != "" && req.Client.ValidRedirect(req.RedirectURI)
		if canRedirect {
			oauthError(w, req.RedirectURI, req.State, "invalid_request", err.Error())
		} else {
			oauthError(w, "", "", "invalid_request", err.Error())
		}
		return
	}

	if !a.Credentials.Verify(r.Context(), req.Username, req.Password) {
		a.Logger.Warn("authorize credentials rejected", "client_id", req.Client.ClientID)
		writeJSONStatus(w, http.StatusUnauthorized, map[string]string{
			"error":             "invalid_credentials",
			"error_description": "user authentication failed",
		})
		return
	}

	code, err := a.Codes.Issue(req.Client.ClientID, req.Username, req.RedirectURI, req.Scope)
	if err != nil {
		a.Logger.Error("authorize issue code", "error", err)
		oauthError(w, req.RedirectURI, req.State, "server_error", "failed to issue code")
		return
	}

	redirect, err := url.Parse(req.RedirectURI)
	if err != nil {
		oauthError(w, "", "", "invalid_request", "invalid redirect_uri")
		return
	}
	values := redirect.Query()
	values.Set("code", code)
	if req.State != "" {
		// State is echoed verbatim so the client can bind the response to
		// its own request.
		values.Set("state", req.State)
	}
	redirect.RawQuery = values.Encode()

	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, "", "", "invalid_request", "invalid form")
		return
	}

	client, err := a.authenticateClient(r)
	if err != nil {
		writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	if grantType := r.FormValue("grant_type"); grantType != "authorization_code" {
		oauthError(w, "", "", "unsupported_grant_type", "only authorization_code is supported")
		return
	}

	grant, err := a.Codes.Redeem(r.FormValue("code"))
	if err != nil {
		a.Logger.Warn("token redeem failed", "client_id", client.ClientID, "error", err)
		a.invalidGrant(w)
		return
	}

	// The grant is consumed at this point even if the checks below fail, so
	// an intercepted code cannot be retried against the right client.
	if grant.ClientID != client.ClientID {
		a.Logger.Warn("token client mismatch", "client_id", client.ClientID)
		a.invalidGrant(w)
		return
	}
	if grant.RedirectURI != r.FormValue("redirect_uri") {
		a.Logger.Warn("token redirect_uri mismatch", "client_id", client.ClientID)
		a.invalidGrant(w)
		return
	}

	token, err := a.Tokens.Issue(grant.UserID, client.ClientID, grant.Scope)
	if err != nil {
		a.Logger.Error("token mint failed", "error", err)
		oauthError(w, "", "", "server_error", "failed to mint token")
		return
	}

	writeJSON(w, TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   a.Tokens.Lifetime(),
		Scope:       grant.Scope,
	})
}

// invalidGrant answers every redeem or mismatch failure identically so the
// response does not reveal which check rejected the code.
func (a *App) invalidGrant(w http.ResponseWriter) {
	oauthError(w, "", "", "invalid_grant", "authorization code is invalid or expired")
}

func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}

	claims, err := a.Tokens.Validate(token)
	if err != nil {
		a.Logger.Warn("userinfo token rejected", "error", err)
		writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}

	writeJSON(w, UserInfoResponse{
		User:  claims.Subject,
		Scope: strings.Fields(claims.Scope),
	})
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.Signer.PublicJWKS())
}

// handleMetadata serves both the RFC 8414 authorization-server metadata and
// the OIDC-style discovery document, so stock verifier libraries can be
// pointed at this issuer.
func (a *App) handleMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := a.Config.Issuer()
	writeJSON(w, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"userinfo_endpoint":                     issuer + "/userinfo",
		"jwks_uri":                              issuer + "/jwks.json",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
	})
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// authorizeRequest encapsulates parsed parameters for /authorize.
type authorizeRequest struct {
	Client      *Client
	RedirectURI string
	Scope       string
	State       string
	Username    string
	Password    string
}

func (a *App) parseAuthorizeRequest(r *http.Request) (authorizeRequest, error) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	if clientID == "" {
		return authorizeRequest{}, errors.New("client_id required")
	}

	client, ok := a.Clients.Get(clientID)
	if !ok {
		return authorizeRequest{RedirectURI: q.Get("redirect_uri"), State: q.Get("state")}, fmt.Errorf("unknown client")
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" || !client.ValidRedirect(redirectURI) {
		return authorizeRequest{Client: client, State: q.Get("state")}, fmt.Errorf("invalid redirect_uri")
	}

	if rt := q.Get("response_type"); rt != "" && rt != "code" {
		return authorizeRequest{Client: client, RedirectURI: redirectURI, State: q.Get("state")}, fmt.Errorf("unsupported response_type")
	}

	scope := q.Get("scope")
	if !client.ValidateScopes(scope) {
		return authorizeRequest{Client: client, RedirectURI: redirectURI, State: q.Get("state")}, fmt.Errorf("invalid scope")
	}

	username := q.Get("user")
	if username == "" {
		return authorizeRequest{Client: client, RedirectURI: redirectURI, State: q.Get("state")}, fmt.Errorf("user required")
	}

	return authorizeRequest{
		Client:      client,
		RedirectURI: redirectURI,
		Scope:       scope,
		State:       q.Get("state"),
		Username:    username,
		Password:    q.Get("password"),
	}, nil
}

func (a *App) authenticateClient(r *http.Request) (*Client, error) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.FormValue("client_id")
		clientSecret = r.FormValue("client_secret")
	}
	return a.Clients.Authenticate(clientID, clientSecret)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func oauthError(w http.ResponseWriter, redirectURI, state, code, desc string) {
	// Never redirect to unsafe URIs; return the error as JSON instead.
	if redirectURI == "" || !isSafeRedirectURI(redirectURI) {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": code, "error_description": desc})
		return
	}

	uri, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, desc, http.StatusBadRequest)
		return
	}
	q := uri.Query()
	q.Set("error", code)
	if desc != "" {
		q.Set("error_description", desc)
	}
	if state != "" {
		q.Set("state", state)
	}
	uri.RawQuery = q.Encode()
	w.Header().Set("Location", uri.String())
	w.WriteHeader(http.StatusFound)
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
