package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"peerhub/internal/account"
	"peerhub/internal/observability"
	"peerhub/internal/revocation"
	"peerhub/internal/token"
)

// GuardConfig toggles the optional checks of the session guard. Every deployment runs
// the same state machine; these flags only skip steps.
type GuardConfig struct {
	CheckRevocation     bool
	CheckPasswordChange bool
	RejectLocked        bool
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{CheckRevocation: true, CheckPasswordChange: true}
}

// Guard authenticates bearer access tokens against the credential store.
type Guard struct {
	tokens  *token.Service
	store   *account.Store
	revoked revocation.Store
	config  GuardConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewGuard(
	tokens *token.Service,
	store *account.Store,
	revoked revocation.Store,
	config GuardConfig,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Guard {
	return &Guard{
		tokens:  tokens,
		store:   store,
		revoked: revoked,
		config:  config,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (g *Guard) WithClock(now func() time.Time) *Guard {
	if now != nil {
		g.now = now
	}
	return g
}

// Authenticate runs the guard steps in order: bearer extraction, revocation,
// signature and expiry, account lookup, password-change and lock checks.
func (g *Guard) Authenticate(ctx context.Context, header string) (Session, error) {
	raw, err := bearerToken(header)
	if err != nil {
		return Session{}, err
	}

	if g.config.CheckRevocation && g.revoked != nil {
		revoked, err := g.revoked.IsRevoked(ctx, raw)
		if err != nil {
			return Session{}, fmt.Errorf("check token revocation: %w", err)
		}
		if revoked {
			return Session{}, ErrTokenRevoked
		}
	}

	claims, err := g.tokens.Verify(raw, token.TypeAccess)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return Session{}, ErrTokenExpired
		}
		return Session{}, ErrTokenInvalid
	}

	acc, err := g.store.FindIdentity(ctx, claims.AccountID())
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return Session{}, ErrUserNotFound
		}
		return Session{}, err
	}

	if g.config.CheckPasswordChange && acc.ChangedPasswordAfter(claims.IssuedAtTime()) {
		return Session{}, ErrPasswordChanged
	}
	if g.config.RejectLocked && acc.IsLocked(g.now()) {
		return Session{}, AccountLockedError{Until: *acc.LockUntil}
	}

	return Session{
		Identity:  identityOf(acc),
		Token:     raw,
		ExpiresAt: claims.ExpiresAtTime(),
	}, nil
}

// Require rejects the request unless it carries a valid access token.
func (g *Guard) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := g.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			g.reject(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), session)))
	})
}

// Optional attaches an identity when the request carries a valid token and otherwise
// proceeds anonymously. It never rejects.
func (g *Guard) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if strings.TrimSpace(header) == "" {
			next.ServeHTTP(w, r)
			return
		}

		session, err := g.Authenticate(r.Context(), header)
		if err != nil {
			if _, kind := classify(err); kind == KindInternal {
				g.logger.Warn("auth_optional_guard_failed", map[string]any{"error": err.Error()})
			}
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), session)))
	})
}

// RequireRole admits only identities holding one of roles. It must sit behind Require.
func (g *Guard) RequireRole(roles ...account.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFrom(r.Context())
			if !ok {
				g.reject(w, r, ErrTokenMissing)
				return
			}
			if !identity.HasRole(roles...) {
				g.reject(w, r, ErrForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (g *Guard) reject(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	g.metrics.GuardRejection(string(kind))

	if kind == KindInternal {
		sentry.CaptureException(err)
		g.logger.Error("auth_guard_failed", map[string]any{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
		writeError(w, status, kind, "authentication failed")
		return
	}

	var locked AccountLockedError
	if errors.As(err, &locked) {
		w.Header().Set("Retry-After", strconv.Itoa(locked.RetryAfter(g.now())))
	}

	writeError(w, status, kind, err.Error())
}

func bearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" || strings.EqualFold(header, "Bearer") {
		return "", ErrTokenMissing
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrTokenInvalid
	}

	raw := strings.TrimSpace(parts[1])
	if raw == "" {
		return "", ErrTokenMissing
	}
	return raw, nil
}
