package account

import (
	"context"
	"time"
)

// Repository is the persistence layer behind Store. Every method is atomic on its own;
// capped collections are trimmed in the same operation that inserts into them.
type Repository interface {
	Insert(ctx context.Context, account Account) error
	FindByEmail(ctx context.Context, email string, withSecrets bool) (Account, error)
	FindByID(ctx context.Context, id string, withSecrets bool) (Account, error)
	// FindIdentity loads the account row alone, without secrets or collections.
	FindIdentity(ctx context.Context, id string) (Account, error)

	RegisterFailedAttempt(ctx context.Context, id string, maxAttempts int, lockUntil, now time.Time) (LockState, error)
	RecordLogin(ctx context.Context, id, address string, at time.Time) error
	ClearLock(ctx context.Context, id string, at time.Time) error

	AppendSecurityEvent(ctx context.Context, id string, event SecurityEvent, keep int) error
	SecurityEvents(ctx context.Context, id string, limit int) ([]SecurityEvent, error)

	AddRefreshToken(ctx context.Context, id string, token RefreshToken, keep int) error
	RemoveRefreshToken(ctx context.Context, id, tokenHash string) error
	HasRefreshToken(ctx context.Context, id, tokenHash string, now time.Time) (bool, error)

	// SetPassword replaces the hash, clears any reset ticket and wipes refresh tokens.
	SetPassword(ctx context.Context, id, hash string, changedAt time.Time) error
	SetResetTicket(ctx context.Context, id, tokenHash string, expiresAt time.Time) error
	// ConsumeResetTicket finds a live ticket and applies the new hash in one step.
	ConsumeResetTicket(ctx context.Context, tokenHash, newHash string, changedAt, now time.Time) (Account, error)

	UpdateProfile(ctx context.Context, id string, update ProfileUpdate, now time.Time) (Account, error)

	Cleanup(ctx context.Context, now time.Time, batchSize int) (CleanupResult, error)
	Ping(ctx context.Context) error
}
