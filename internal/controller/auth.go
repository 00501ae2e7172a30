package controller

import (
	"context"
	"net/http"
	"strings"

	"github.com/JonnyShabli/mediagrab/internal/apperr"
	"github.com/JonnyShabli/mediagrab/internal/models"
)

type ctxKey int

const roleKey ctxKey = iota

// RoleResolver maps a session token to the caller's role.
type RoleResolver interface {
	Role(ctx context.Context, token string) models.Role
}

type CookieConfig struct {
	Name   string
	Secure bool
}

func sessionToken(r *http.Request, cookieName string) string {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

func roleFrom(ctx context.Context) models.Role {
	role, _ := ctx.Value(roleKey).(models.Role)
	return role
}

// withRole resolves the caller's role once per request.
func (h *HandlerObj) withRole(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := h.Gate.Role(r.Context(), sessionToken(r, h.cookie.Name))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), roleKey, role)))
	})
}

// requireRole rejects callers below min: no session is 401, guest on an admin
// route is 403.
func (h *HandlerObj) requireRole(min models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch role := roleFrom(r.Context()); {
			case role == models.RoleNone:
				respondError(w, h.Logger, apperr.Auth("authentication required"))
				return
			case min == models.RoleAdmin && role != models.RoleAdmin:
				respondError(w, h.Logger, apperr.Forbidden("admin access required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
