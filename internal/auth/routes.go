package auth

import (
	"net/http"

	"peerhub/internal/account"
)

// Limiters groups the per-IP limiters applied to the auth routes. A nil limiter
// disables limiting for its routes.
type Limiters struct {
	Login    *RateLimiter
	Register *RateLimiter
	Strict   *RateLimiter
}

// Mount registers the auth, account and admin routes on mux.
func Mount(mux *http.ServeMux, h *Handler, g *Guard, limits Limiters) {
	mux.Handle("POST /auth/register", limit(limits.Register, http.HandlerFunc(h.Register)))
	mux.Handle("POST /auth/login", limit(limits.Login, http.HandlerFunc(h.Login)))
	mux.HandleFunc("POST /auth/refresh", h.Refresh)
	mux.Handle("POST /auth/forgot-password", limit(limits.Strict, http.HandlerFunc(h.ForgotPassword)))
	mux.Handle("POST /auth/reset-password/{token}", limit(limits.Strict, http.HandlerFunc(h.ResetPassword)))

	mux.Handle("GET /auth/session", g.Optional(http.HandlerFunc(h.Session)))
	mux.Handle("GET /auth/me", g.Require(http.HandlerFunc(h.Me)))
	mux.Handle("PUT /auth/profile", g.Require(http.HandlerFunc(h.UpdateProfile)))
	mux.Handle("PUT /auth/change-password", g.Require(limit(limits.Strict, http.HandlerFunc(h.ChangePassword))))
	mux.Handle("POST /auth/logout", g.Require(http.HandlerFunc(h.Logout)))
	mux.Handle("GET /auth/security-events", g.Require(http.HandlerFunc(h.SecurityEvents)))

	staff := g.RequireRole(account.RoleFaculty, account.RoleAdmin)
	admin := g.RequireRole(account.RoleAdmin)

	mux.Handle("GET /accounts/{id}", g.Require(staff(http.HandlerFunc(h.PublicProfile))))
	mux.Handle("GET /admin/accounts/{id}/security-events", g.Require(admin(http.HandlerFunc(h.AccountSecurityEvents))))
	mux.Handle("POST /admin/accounts/{id}/unlock", g.Require(admin(http.HandlerFunc(h.UnlockAccount))))
}

func limit(l *RateLimiter, next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return l.Middleware(next)
}
