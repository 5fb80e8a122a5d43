package account

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryRepository keeps accounts in process memory. One mutex serializes all writes,
// which gives the same per-call atomicity as the database-backed repositories.
type MemoryRepository struct {
	mu           sync.Mutex
	byID         map[string]*Account
	byEmail      map[string]string
	byUniversity map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:         make(map[string]*Account),
		byEmail:      make(map[string]string),
		byUniversity: make(map[string]string),
	}
}

func (m *MemoryRepository) Insert(_ context.Context, acc Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byEmail[acc.Email]; ok {
		return ErrDuplicate
	}
	if _, ok := m.byUniversity[acc.UniversityID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.byID[acc.ID]; ok {
		return ErrDuplicate
	}

	stored := acc.clone()
	m.byID[acc.ID] = &stored
	m.byEmail[acc.Email] = acc.ID
	m.byUniversity[acc.UniversityID] = acc.ID
	return nil
}

func (m *MemoryRepository) FindByEmail(_ context.Context, email string, withSecrets bool) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byEmail[email]
	if !ok {
		return Account{}, ErrNotFound
	}
	return m.read(id, withSecrets)
}

func (m *MemoryRepository) FindByID(_ context.Context, id string, withSecrets bool) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.read(id, withSecrets)
}

func (m *MemoryRepository) FindIdentity(_ context.Context, id string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, err := m.read(id, false)
	if err != nil {
		return Account{}, err
	}
	acc.RefreshTokens = nil
	acc.SecurityEvents = nil
	return acc, nil
}

func (m *MemoryRepository) RegisterFailedAttempt(_ context.Context, id string, maxAttempts int, lockUntil, now time.Time) (LockState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.byID[id]
	if !ok {
		return LockState{}, ErrNotFound
	}

	switch {
	case acc.LockUntil != nil && !acc.LockUntil.After(now):
		acc.FailedAttempts = 1
		acc.LockUntil = nil
	default:
		acc.FailedAttempts++
		if acc.LockUntil == nil && acc.FailedAttempts >= maxAttempts {
			until := lockUntil
			acc.LockUntil = &until
		}
	}
	acc.UpdatedAt = now

	return LockState{FailedAttempts: acc.FailedAttempts, LockUntil: cloneTime(acc.LockUntil)}, nil
}

func (m *MemoryRepository) RecordLogin(_ context.Context, id, address string, at time.Time) error {
	return m.update(id, func(acc *Account) {
		acc.FailedAttempts = 0
		acc.LockUntil = nil
		acc.LastLoginAt = &at
		acc.LastLoginIP = address
		acc.UpdatedAt = at
	})
}

func (m *MemoryRepository) ClearLock(_ context.Context, id string, at time.Time) error {
	return m.update(id, func(acc *Account) {
		acc.FailedAttempts = 0
		acc.LockUntil = nil
		acc.UpdatedAt = at
	})
}

func (m *MemoryRepository) AppendSecurityEvent(_ context.Context, id string, event SecurityEvent, keep int) error {
	return m.update(id, func(acc *Account) {
		acc.SecurityEvents = keepLast(append(acc.SecurityEvents, event), keep)
	})
}

func (m *MemoryRepository) SecurityEvents(_ context.Context, id string, limit int) ([]SecurityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(keepLast(acc.SecurityEvents, limit)), nil
}

func (m *MemoryRepository) AddRefreshToken(_ context.Context, id string, token RefreshToken, keep int) error {
	return m.update(id, func(acc *Account) {
		acc.RefreshTokens = keepLast(append(acc.RefreshTokens, token), keep)
	})
}

func (m *MemoryRepository) RemoveRefreshToken(_ context.Context, id, tokenHash string) error {
	return m.update(id, func(acc *Account) {
		acc.RefreshTokens = slices.DeleteFunc(acc.RefreshTokens, func(rt RefreshToken) bool {
			return rt.TokenHash == tokenHash
		})
	})
}

func (m *MemoryRepository) HasRefreshToken(_ context.Context, id, tokenHash string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	return slices.ContainsFunc(acc.RefreshTokens, func(rt RefreshToken) bool {
		return rt.TokenHash == tokenHash && rt.ExpiresAt.After(now)
	}), nil
}

func (m *MemoryRepository) SetPassword(_ context.Context, id, hash string, changedAt time.Time) error {
	return m.update(id, func(acc *Account) {
		setPassword(acc, hash, changedAt)
	})
}

func (m *MemoryRepository) SetResetTicket(_ context.Context, id, tokenHash string, expiresAt time.Time) error {
	return m.update(id, func(acc *Account) {
		acc.PasswordResetTokenHash = tokenHash
		acc.PasswordResetExpiresAt = &expiresAt
	})
}

func (m *MemoryRepository) ConsumeResetTicket(_ context.Context, tokenHash, newHash string, changedAt, now time.Time) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, acc := range m.byID {
		if acc.PasswordResetTokenHash == "" || acc.PasswordResetTokenHash != tokenHash {
			continue
		}
		if acc.PasswordResetExpiresAt == nil || !acc.PasswordResetExpiresAt.After(now) {
			return Account{}, ErrNotFound
		}
		setPassword(acc, newHash, changedAt)
		return m.read(id, false)
	}

	return Account{}, ErrNotFound
}

func (m *MemoryRepository) UpdateProfile(_ context.Context, id string, update ProfileUpdate, now time.Time) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.byID[id]
	if !ok {
		return Account{}, ErrNotFound
	}

	if update.Name != nil {
		acc.Name = *update.Name
	}
	if update.Bio != nil {
		acc.Bio = *update.Bio
	}
	if update.Department != nil {
		acc.Department = *update.Department
	}
	if update.Year != nil {
		acc.Year = *update.Year
	}
	if update.Avatar != nil {
		acc.Avatar = *update.Avatar
	}
	acc.UpdatedAt = now

	return m.read(id, false)
}

func (m *MemoryRepository) Cleanup(_ context.Context, now time.Time, _ int) (CleanupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result CleanupResult
	for _, acc := range m.byID {
		before := len(acc.RefreshTokens)
		acc.RefreshTokens = slices.DeleteFunc(acc.RefreshTokens, func(rt RefreshToken) bool {
			return !rt.ExpiresAt.After(now)
		})
		result.DeletedRefreshTokens += int64(before - len(acc.RefreshTokens))

		if acc.PasswordResetExpiresAt != nil && !acc.PasswordResetExpiresAt.After(now) {
			acc.PasswordResetTokenHash = ""
			acc.PasswordResetExpiresAt = nil
			result.ClearedResetTickets++
		}
	}

	return result, nil
}

func (m *MemoryRepository) Ping(context.Context) error {
	return nil
}

func (m *MemoryRepository) update(id string, fn func(acc *Account)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	fn(acc)
	return nil
}

func (m *MemoryRepository) read(id string, withSecrets bool) (Account, error) {
	acc, ok := m.byID[id]
	if !ok {
		return Account{}, ErrNotFound
	}

	out := acc.clone()
	if !withSecrets {
		out = out.withoutSecrets()
	}
	return out, nil
}

func setPassword(acc *Account, hash string, changedAt time.Time) {
	acc.PasswordHash = hash
	acc.PasswordChangedAt = &changedAt
	acc.PasswordResetTokenHash = ""
	acc.PasswordResetExpiresAt = nil
	acc.RefreshTokens = []RefreshToken{}
	acc.UpdatedAt = changedAt
}

func keepLast[T any](items []T, keep int) []T {
	if keep <= 0 || len(items) <= keep {
		return items
	}
	return slices.Clone(items[len(items)-keep:])
}
