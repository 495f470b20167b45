package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/MauricioCa07/DHCP-Project/internal/config"
)

const roleAdmin = "admin"

// AuthMiddleware handles Bearer token and basic authentication.
type AuthMiddleware struct {
	bearerToken string
	users       []config.UserConfig
	logger      *slog.Logger
}

// NewAuthMiddleware creates a new auth middleware. With no token and no
// users every request is treated as admin.
func NewAuthMiddleware(token string, users []config.UserConfig, logger *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		bearerToken: token,
		users:       users,
		logger:      logger,
	}
}

// AuthRequired returns true if auth is configured (users or bearer token set).
func (a *AuthMiddleware) AuthRequired() bool {
	return a.bearerToken != "" || len(a.users) > 0
}

// RequireAuth wraps a handler to require authentication (any role).
func (a *AuthMiddleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.role(r) == "" {
			JSONError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next(w, r)
	}
}

// RequireAdmin wraps a handler to require admin role.
func (a *AuthMiddleware) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		role := a.role(r)
		if role == "" {
			JSONError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		if role != roleAdmin {
			JSONError(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next(w, r)
	}
}

// role returns the caller's role, or "" when the request is not authenticated.
func (a *AuthMiddleware) role(r *http.Request) string {
	if !a.AuthRequired() {
		return roleAdmin
	}

	authHeader := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(authHeader, "Bearer "):
		if a.tokenMatches(strings.TrimPrefix(authHeader, "Bearer ")) {
			return roleAdmin
		}
	case strings.HasPrefix(authHeader, "Basic "):
		if username, password, ok := r.BasicAuth(); ok {
			if role := a.checkUserCredentials(username, password); role != "" {
				return role
			}
			a.logger.Warn("failed API login", "username", username, "remote", r.RemoteAddr)
		}
	}

	// Query parameter for clients that cannot set headers
	if token := r.URL.Query().Get("token"); token != "" && a.tokenMatches(token) {
		return roleAdmin
	}
	return ""
}

func (a *AuthMiddleware) tokenMatches(token string) bool {
	return a.bearerToken != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(a.bearerToken)) == 1
}

// checkUserCredentials validates username/password against configured users.
func (a *AuthMiddleware) checkUserCredentials(username, password string) string {
	for _, user := range a.users {
		if user.Username != username {
			continue
		}
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err == nil {
			if user.Role == "" {
				return config.DefaultUserRole
			}
			return user.Role
		}
	}
	return ""
}
