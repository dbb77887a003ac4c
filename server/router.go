package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

const hstsMaxAge = 31536000

// Routes constructs the HTTP router with all endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(hstsMaxAge))
	}

	r.Get("/.well-known/oauth-authorization-server", a.handleMetadata)
	r.Get("/.well-known/openid-configuration", a.handleMetadata)
	r.Get("/jwks.json", a.handleJWKS)
	r.Get("/healthz", a.handleHealthz)

	r.Get("/authorize", a.handleAuthorize)
	r.Post("/token", a.handleToken)
	r.Get("/userinfo", a.handleUserInfo)

	return r
}
