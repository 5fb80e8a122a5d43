package auth

import (
	"context"
	"time"

	"peerhub/internal/account"
)

// Identity is the authenticated caller attached to a request by the Guard.
type Identity struct {
	ID               string       `json:"id"`
	Email            string       `json:"email"`
	Role             account.Role `json:"role"`
	UniversityID     string       `json:"universityId"`
	TwoFactorEnabled bool         `json:"twoFactorEnabled"`
}

func (i Identity) HasRole(roles ...account.Role) bool {
	for _, role := range roles {
		if i.Role == role {
			return true
		}
	}
	return false
}

// Session is an Identity plus the raw access token that proved it. Logout needs the
// raw token to revoke it.
type Session struct {
	Identity  Identity
	Token     string
	ExpiresAt time.Time
}

type sessionKey struct{}

func WithSession(ctx context.Context, session Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, session)
}

func SessionFrom(ctx context.Context) (Session, bool) {
	session, ok := ctx.Value(sessionKey{}).(Session)
	return session, ok
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	session, ok := SessionFrom(ctx)
	return session.Identity, ok
}

func identityOf(acc account.Account) Identity {
	return Identity{
		ID:               acc.ID,
		Email:            acc.Email,
		Role:             acc.Role,
		UniversityID:     acc.UniversityID,
		TwoFactorEnabled: acc.TwoFactorEnabled,
	}
}
