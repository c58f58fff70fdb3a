package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/carpie/sid/internal/config"
)

// Roles recognised by the API.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// principal is the authenticated caller.
type principal struct {
	Username string
	Role     string
}

type principalKey struct{}

// AuthMiddleware handles Bearer token and basic authentication.
type AuthMiddleware struct {
	bearerToken string
	users       []config.UserConfig
	logger      *slog.Logger
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(token string, users []config.UserConfig, logger *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		bearerToken: token,
		users:       users,
		logger:      logger,
	}
}

// RequireAuth wraps a handler to require authentication (any role).
func (a *AuthMiddleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := a.authenticate(r)
		if !ok {
			JSONError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	}
}

// RequireAdmin wraps a handler to require admin role.
func (a *AuthMiddleware) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := a.authenticate(r)
		if !ok {
			JSONError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		if p.Role != RoleAdmin {
			JSONError(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	}
}

// AuthRequired returns true if auth is configured (users or bearer token set).
func (a *AuthMiddleware) AuthRequired() bool {
	return a.bearerToken != "" || len(a.users) > 0
}

// authenticate resolves the caller from the Authorization header.
func (a *AuthMiddleware) authenticate(r *http.Request) (principal, bool) {
	// No auth configured: everything is allowed as admin
	if !a.AuthRequired() {
		return principal{Username: "anonymous", Role: RoleAdmin}, true
	}

	authHeader := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(authHeader, "Bearer "):
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if a.bearerToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.bearerToken)) == 1 {
			return principal{Username: "api", Role: RoleAdmin}, true
		}
	case strings.HasPrefix(authHeader, "Basic "):
		if username, password, ok := r.BasicAuth(); ok {
			if role := a.checkUserCredentials(username, password); role != "" {
				return principal{Username: username, Role: role}, true
			}
			a.logger.Warn("failed API login attempt", "username", username)
		}
	}
	return principal{}, false
}

// checkUserCredentials validates username/password against configured users.
func (a *AuthMiddleware) checkUserCredentials(username, password string) string {
	for _, user := range a.users {
		if user.Username != username {
			continue
		}
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err == nil {
			return user.Role
		}
	}
	return ""
}

// actor names the authenticated caller for event and audit records.
func actor(r *http.Request) string {
	if p, ok := r.Context().Value(principalKey{}).(principal); ok {
		return p.Username
	}
	return ""
}
