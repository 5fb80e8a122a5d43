package account

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"peerhub/internal/password"
)

const (
	DefaultMaxAttempts      = 5
	DefaultLockDuration     = 2 * time.Hour
	DefaultResetTicketTTL   = 10 * time.Minute
	MaxRefreshTokens        = 5
	MaxSecurityEvents       = 50
	passwordChangedSkew     = time.Second
	resetTicketBytes        = 32
	defaultCleanupBatchSize = 500
)

// Store is the credential store: account lifecycle, lockout bookkeeping, refresh
// token bookkeeping and the security event log on top of a Repository.
type Store struct {
	repo         Repository
	hasher       *password.Hasher
	maxAttempts  int
	lockDuration time.Duration
	resetTTL     time.Duration
	now          func() time.Time
}

func NewStore(repo Repository, hasher *password.Hasher) *Store {
	return &Store{
		repo:         repo,
		hasher:       hasher,
		maxAttempts:  DefaultMaxAttempts,
		lockDuration: DefaultLockDuration,
		resetTTL:     DefaultResetTicketTTL,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) WithLockout(maxAttempts int, lockDuration time.Duration) *Store {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.lockDuration = lockDuration
	}
	return s
}

func (s *Store) WithResetTicketTTL(ttl time.Duration) *Store {
	if ttl > 0 {
		s.resetTTL = ttl
	}
	return s
}

func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Store) Hasher() *password.Hasher {
	return s.hasher
}

func (s *Store) ResetTicketTTL() time.Duration {
	return s.resetTTL
}

func (s *Store) Create(ctx context.Context, input NewAccount, rawPassword string) (Account, error) {
	input.UniversityID = strings.TrimSpace(input.UniversityID)
	input.Email = NormalizeEmail(input.Email)
	input.Name = strings.TrimSpace(input.Name)
	if input.UniversityID == "" || input.Email == "" || input.Name == "" {
		return Account{}, ErrMissingRequiredFields
	}
	if input.Role == "" {
		input.Role = RoleStudent
	}
	if !input.Role.Valid() {
		return Account{}, ErrInvalidRole
	}

	hash, err := s.hasher.Hash(rawPassword)
	if err != nil {
		return Account{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Account{}, fmt.Errorf("generate account id: %w", err)
	}

	now := s.now()
	acc := Account{
		ID:             id.String(),
		UniversityID:   input.UniversityID,
		Email:          input.Email,
		Name:           input.Name,
		Role:           input.Role,
		Department:     strings.TrimSpace(input.Department),
		Year:           strings.TrimSpace(input.Year),
		IsVerified:     input.IsVerified,
		PasswordHash:   hash,
		RefreshTokens:  []RefreshToken{},
		SecurityEvents: []SecurityEvent{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.repo.Insert(ctx, acc); err != nil {
		return Account{}, err
	}

	return acc.withoutSecrets(), nil
}

// FindByEmail looks up an account by normalized email. The password hash is left
// empty unless includeHash is set.
func (s *Store) FindByEmail(ctx context.Context, email string, includeHash bool) (Account, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return Account{}, ErrNotFound
	}
	return s.repo.FindByEmail(ctx, email, includeHash)
}

func (s *Store) FindByID(ctx context.Context, id string) (Account, error) {
	if strings.TrimSpace(id) == "" {
		return Account{}, ErrNotFound
	}
	return s.repo.FindByID(ctx, id, false)
}

// FindIdentity is the lookup used on every authenticated request. RefreshTokens and
// SecurityEvents are left nil.
func (s *Store) FindIdentity(ctx context.Context, id string) (Account, error) {
	if strings.TrimSpace(id) == "" {
		return Account{}, ErrNotFound
	}
	return s.repo.FindIdentity(ctx, id)
}

// RecordFailedAttempt bumps the failed-attempt counter. An expired lock restarts the
// count at one; reaching the limit locks the account for the lock window.
func (s *Store) RecordFailedAttempt(ctx context.Context, id string) (LockState, error) {
	now := s.now()
	return s.repo.RegisterFailedAttempt(ctx, id, s.maxAttempts, now.Add(s.lockDuration), now)
}

func (s *Store) RecordSuccess(ctx context.Context, id string, src Source) error {
	return s.repo.RecordLogin(ctx, id, src.Address, s.now())
}

func (s *Store) Unlock(ctx context.Context, id string) error {
	return s.repo.ClearLock(ctx, id, s.now())
}

func (s *Store) AppendSecurityEvent(ctx context.Context, id string, typ EventType, src Source) error {
	event := SecurityEvent{
		Type:          typ,
		Timestamp:     s.now(),
		SourceAddress: src.Address,
		UserAgent:     src.UserAgent,
	}
	return s.repo.AppendSecurityEvent(ctx, id, event, MaxSecurityEvents)
}

func (s *Store) SecurityEvents(ctx context.Context, id string, limit int) ([]SecurityEvent, error) {
	if limit <= 0 || limit > MaxSecurityEvents {
		limit = MaxSecurityEvents
	}
	return s.repo.SecurityEvents(ctx, id, limit)
}

func (s *Store) AddRefreshToken(ctx context.Context, id, rawToken string, expiresAt time.Time, deviceInfo string) error {
	entry := RefreshToken{
		TokenHash:  HashToken(rawToken),
		CreatedAt:  s.now(),
		ExpiresAt:  expiresAt.UTC(),
		DeviceInfo: deviceInfo,
	}
	return s.repo.AddRefreshToken(ctx, id, entry, MaxRefreshTokens)
}

func (s *Store) RemoveRefreshToken(ctx context.Context, id, rawToken string) error {
	return s.repo.RemoveRefreshToken(ctx, id, HashToken(rawToken))
}

func (s *Store) HasRefreshToken(ctx context.Context, id, rawToken string) (bool, error) {
	if rawToken == "" {
		return false, nil
	}
	return s.repo.HasRefreshToken(ctx, id, HashToken(rawToken), s.now())
}

// IssuePasswordResetTicket stores the digest of a fresh random ticket and returns the
// raw value. This is the only place the raw ticket is ever visible.
func (s *Store) IssuePasswordResetTicket(ctx context.Context, id string) (string, error) {
	buf := make([]byte, resetTicketBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate reset ticket: %w", err)
	}
	raw := hex.EncodeToString(buf)

	if err := s.repo.SetResetTicket(ctx, id, HashToken(raw), s.now().Add(s.resetTTL)); err != nil {
		return "", err
	}

	return raw, nil
}

func (s *Store) ConsumePasswordResetTicket(ctx context.Context, rawTicket, newPassword string, src Source) (Account, error) {
	rawTicket = strings.TrimSpace(rawTicket)
	if rawTicket == "" {
		return Account{}, ErrInvalidTicket
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return Account{}, err
	}

	now := s.now()
	acc, err := s.repo.ConsumeResetTicket(ctx, HashToken(rawTicket), hash, now.Add(-passwordChangedSkew), now)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Account{}, ErrInvalidTicket
		}
		return Account{}, err
	}

	if err := s.AppendSecurityEvent(ctx, acc.ID, EventPasswordReset, src); err != nil {
		return Account{}, err
	}

	return acc, nil
}

// ChangePassword verifies the current password, stores the new hash, back-dates
// passwordChangedAt by one second and wipes every refresh token.
func (s *Store) ChangePassword(ctx context.Context, id, currentPassword, newPassword string, src Source) error {
	acc, err := s.repo.FindByID(ctx, id, true)
	if err != nil {
		return err
	}

	if !s.hasher.Verify(currentPassword, acc.PasswordHash) {
		return ErrWrongCurrentPassword
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	if err := s.repo.SetPassword(ctx, id, hash, s.now().Add(-passwordChangedSkew)); err != nil {
		return err
	}

	return s.AppendSecurityEvent(ctx, id, EventPasswordChange, src)
}

func (s *Store) UpdateProfile(ctx context.Context, id string, update ProfileUpdate) (Account, error) {
	if update.Empty() {
		return s.FindByID(ctx, id)
	}
	return s.repo.UpdateProfile(ctx, id, update, s.now())
}

func (s *Store) Cleanup(ctx context.Context, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = defaultCleanupBatchSize
	}
	return s.repo.Cleanup(ctx, s.now(), batchSize)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
