package account

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"peerhub/internal/password"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, repo Repository) (*Store, *testClock) {
	t.Helper()
	clock := newTestClock()
	return NewStore(repo, password.NewHasher(bcrypt.MinCost)).WithClock(clock.Now), clock
}

func createTestAccount(t *testing.T, s *Store, email, universityID string) Account {
	t.Helper()
	acc, err := s.Create(context.Background(), NewAccount{
		UniversityID: universityID,
		Email:        email,
		Name:         "Test Student",
		Role:         RoleStudent,
	}, "Abcd123!")
	require.NoError(t, err)
	return acc
}

func TestStore_CreateNormalizesAndHidesHash(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryRepository())
	ctx := context.Background()

	acc := createTestAccount(t, s, "  A@KLH.edu.in ", "2210030001")
	assert.Equal(t, "a@klh.edu.in", acc.Email)
	assert.Empty(t, acc.PasswordHash)
	assert.Equal(t, RoleStudent, acc.Role)

	byEmail, err := s.FindByEmail(ctx, "A@klh.edu.in", false)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, byEmail.ID)
	assert.Empty(t, byEmail.PasswordHash)

	withHash, err := s.FindByEmail(ctx, "a@klh.edu.in", true)
	require.NoError(t, err)
	assert.NotEmpty(t, withHash.PasswordHash)
	assert.NotEqual(t, "Abcd123!", withHash.PasswordHash)
	assert.True(t, s.Hasher().Verify("Abcd123!", withHash.PasswordHash))

	byID, err := s.FindByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Empty(t, byID.PasswordHash)
}

func TestStore_CreateRejectsDuplicates(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryRepository())
	ctx := context.Background()

	createTestAccount(t, s, "a@klh.edu.in", "2210030001")

	_, err := s.Create(ctx, NewAccount{UniversityID: "2210030002", Email: "A@klh.edu.in", Name: "Other"}, "Abcd123!")
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = s.Create(ctx, NewAccount{UniversityID: "2210030001", Email: "b@klh.edu.in", Name: "Other"}, "Abcd123!")
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestStore_CreateValidatesInput(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryRepository())
	ctx := context.Background()

	_, err := s.Create(ctx, NewAccount{Email: "a@klh.edu.in", Name: "A"}, "Abcd123!")
	assert.ErrorIs(t, err, ErrMissingRequiredFields)

	_, err = s.Create(ctx, NewAccount{UniversityID: "2210030001", Email: "a@klh.edu.in", Name: "A", Role: "root"}, "Abcd123!")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestStore_FindMissing(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryRepository())
	ctx := context.Background()

	_, err := s.FindByEmail(ctx, "nobody@klh.edu.in", false)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.FindByEmail(ctx, "", false)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_LockoutAfterFiveFailures(t *testing.T) {
	s, clock := newTestStore(t, NewMemoryRepository())
	ctx := context.Background()
	acc := createTestAccount(t, s, "a@klh.edu.in", "2210030001")

	for i := 1; i <= 4; i++ {
		state, err := s.RecordFailedAttempt(ctx, acc.ID)
		require.NoError(t, err)
		assert.Equal(t, i, state.FailedAttempts)
		assert.False(t, state.Locked(clock.Now()))
	}

	state, err := s.RecordFailedAttempt(ctx, acc.ID)
	require.NoError(t, err)
	require.NotNil(t, state.LockUntil)
	assert.Equal(t, clock.Now().Add(DefaultLockDuration), *state.LockUntil)

	locked, err := s.FindByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, locked.IsLocked(clock.Now()))

	// Further failures while locked do not extend the lock.
	clock.Advance(time.Minute)
	again, err := s.RecordFailedAttempt(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, *state.LockUntil, *again.LockUntil)

	// After the window the counter restarts at one and the lock clears.
	clock.Advance(DefaultLockDuration)
	restarted, err := s.RecordFailedAttempt(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, restarted.FailedAttempts)
	assert.Nil(t, restarted.LockUntil)
}

func TestStore_RecordSuccessResetsLockout(t *testing.T) {
	s, clock := newTestStore(t, NewMemoryRepository())
	ctx := context.Background()
	acc := createTestAccount(t, s, "a@klh.edu.in", "2210030001")

	for i := 0; i < 3; i++ {
		_, err := s.RecordFailedAttempt(ctx, acc.ID)
		require.NoError(t, err)
	}
	require.NoError(t, s.RecordSuccess(ctx, acc.ID, Source{Address: "10.0.0.1"}))

	got, err := s.FindByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Zero(t, got.FailedAttempts)
	assert.Nil(t, got.LockUntil)
	require.NotNil(t, got.LastLoginAt)
	assert.Equal(t, clock.Now(), *got.LastLoginAt)
	assert.Equal(t, "10.0.0.1", got.LastLoginIP)
}

func TestStore_Unlock(t *testing.T) {
	s, clock := newTestStore(t, NewMemoryRepository())
	ctx := context.Background()
	acc := createTestAccount(t, s, "a@klh.edu.in", "2210030001")

	for i := 0; i < DefaultMaxAttempts; i++ {
		_, err := s.RecordFailedAttempt(ctx, acc.ID)
		require.NoError(t, err)
	}
	require.NoError(t, s.Unlock(ctx, acc.ID))

	got, err := s.FindByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.False(t, got.IsLocked(clock.Now()))

	assert.ErrorIs(t, s.Unlock(ctx, "missing"), ErrNotFound)
}

func TestStore_SecurityEventsCapped(t *testing.T) {
	s, clock := newTestStore(t, NewMemoryRepository())
	ctx := context.Background()
	acc := createTestAccount(t, s, "a@klh.edu.in", "2210030001")

	for i := 0; i < MaxSecurityEvents+7; i++ {
		clock.Advance(time.Second)
		require.NoError(t, s.AppendSecurityEvent(ctx, acc.ID, EventLogin, Source{Address: "1.2.3.4", UserAgent: "test"}))
	}

	events, err := s.SecurityEvents(ctx, acc.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, MaxSecurityEvents)
	assert.Equal(t, clock.Now(), events[len(events)-1].Timestamp)

	recent, err := s.SecurityEvents(ctx, acc.ID, 20)
	require.NoError(t, err)
	require.Len(t, recent, 20)
	assert.Equal(t, events[len(events)-20:], recent)
}

func TestStore_RefreshTokensCapped(t *testing.T) {
	s, clock := newTestStore(t, NewMemoryRepository())
	ctx := context.Background()
	acc := createTestAccount(t, s, "a@klh.edu.in", "2210030001")

	raw := []string{"t0", "t1", "t2", "t3", "t4", "t5", "t6"}
	for _, tok := range raw {
		clock.Advance(time.Second)
		require.NoError(t, s.AddRefreshToken(ctx, acc.ID, tok, clock.Now().Add(time.Hour), "device"))
	}

	got, err := s.FindByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Len(t, got.RefreshTokens, MaxRefreshTokens)

	for _, tok := range raw[:2] {
		ok, err := s.HasRefreshToken(ctx, acc.ID, tok)
		require.NoError(t, err)
		assert.False(t, ok, tok)
	}
	for _, tok := range raw[2:] {
		ok, err := s.HasRefreshToken(ctx, acc.ID, tok)
		require.NoError(t, err)
		assert.True(t, ok, tok)
	}

	for _, rt := range got.RefreshTokens {
		assert.NotContains(t, raw, rt.TokenHash)
	}
}

func TestStore_RemoveRefreshTokenIsTargeted(t *testing.T) {
	s, clock := newTestStore(t, NewMemoryRepository())
	ctx := context.Background()
	acc := createTestAccount(t, s, "a@klh.edu.in", "2210030001")

	require.NoError(t, s.AddRefreshToken(ctx, acc.ID, "phone", clock.Now().Add(time.Hour), "phone"))
	require.NoError(t, s.AddRefreshToken(ctx, acc.ID, "laptop", clock.Now().Add(time.Hour), "laptop"))
	require.NoError(t, s.RemoveRefreshToken(ctx, acc.ID, "phone"))

	ok, err := s.HasRefreshToken(ctx, acc.ID, "phone")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.HasRefreshToken(ctx, acc.ID, "laptop")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_ExpiredRefreshTokenNotHonored(t *testing.T) {
	s, clock := newTestStore(t, NewMemoryRepository())
	ctx := context.Background()
	acc := createTestAccount(t, s, "a@klh.edu.in", "2210030001")

	require.NoError(t, s.AddRefreshToken(ctx, acc.ID, "tok", clock.Now().Add(time.Minute), ""))
	clock.Advance(2 * time.Minute)

	ok, err := s.HasRefreshToken(ctx, acc.ID, "tok")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.HasRefreshToken(ctx, acc.ID, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ChangePassword(t *testing.T) {
	s, clock := newTestStore(t, NewMemoryRepository())
	ctx := context.Background()
	acc := createTestAccount(t, s, "a@klh.edu.in", "2210030001")
	require.NoError(t, s.AddRefreshToken(ctx, acc.ID, "tok", clock.Now().Add(time.Hour), ""))

	err := s.ChangePassword(ctx, acc.ID, "wrong", "Newpass1!", Source{})
	assert.ErrorIs(t, err, ErrWrongCurrentPassword)

	issuedBefore := clock.Now()
	clock.Advance(5 * time.Second)
	require.NoError(t, s.ChangePassword(ctx, acc.ID, "Abcd123!", "Newpass1!", Source{Address: "1.1.1.1"}))

	got, err := s.FindByEmail(ctx, "a@klh.edu.in", true)
	require.NoError(t, err)
	assert.True(t, s.Hasher().Verify("Newpass1!", got.PasswordHash))
	assert.False(t, s.Hasher().Verify("Abcd123!", got.PasswordHash))
	require.NotNil(t, got.PasswordChangedAt)
	assert.Equal(t, clock.Now().Add(-time.Second), *got.PasswordChangedAt)
	assert.Empty(t, got.RefreshTokens)
	assert.True(t, got.ChangedPasswordAfter(issuedBefore))
	assert.False(t, got.ChangedPasswordAfter(clock.Now()))

	require.NotEmpty(t, got.SecurityEvents)
	assert.Equal(t, EventPasswordChange, got.SecurityEvents[len(got.SecurityEvents)-1].Type)
}

func TestStore_PasswordResetTicketSingleUse(t *testing.T) {
	s, clock := newTestStore(t, NewMemoryRepository())
	ctx := context.Background()
	acc := createTestAccount(t, s, "a@klh.edu.in", "2210030001")
	require.NoError(t, s.AddRefreshToken(ctx, acc.ID, "tok", clock.Now().Add(time.Hour), ""))

	raw, err := s.IssuePasswordResetTicket(ctx, acc.ID)
	require.NoError(t, err)
	assert.Len(t, raw, 64)

	stored, err := s.FindByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, HashToken(raw), stored.PasswordResetTokenHash)
	assert.NotEqual(t, raw, stored.PasswordResetTokenHash)

	reset, err := s.ConsumePasswordResetTicket(ctx, raw, "Fresh123!", Source{})
	require.NoError(t, err)
	assert.Equal(t, acc.ID, reset.ID)
	assert.Empty(t, reset.PasswordResetTokenHash)
	assert.Empty(t, reset.RefreshTokens)
	assert.NotNil(t, reset.PasswordChangedAt)

	_, err = s.ConsumePasswordResetTicket(ctx, raw, "Other123!", Source{})
	assert.ErrorIs(t, err, ErrInvalidTicket)

	got, err := s.FindByEmail(ctx, "a@klh.edu.in", true)
	require.NoError(t, err)
	assert.True(t, s.Hasher().Verify("Fresh123!", got.PasswordHash))
	assert.Equal(t, EventPasswordReset, got.SecurityEvents[len(got.SecurityEvents)-1].Type)
}

func TestStore_PasswordResetTicketExpires(t *testing.T) {
	s, clock := newTestStore(t, NewMemoryRepository())
	ctx := context.Background()
	acc := createTestAccount(t, s, "a@klh.edu.in", "2210030001")

	raw, err := s.IssuePasswordResetTicket(ctx, acc.ID)
	require.NoError(t, err)

	clock.Advance(DefaultResetTicketTTL + time.Second)
	_, err = s.ConsumePasswordResetTicket(ctx, raw, "Fresh123!", Source{})
	assert.ErrorIs(t, err, ErrInvalidTicket)

	_, err = s.ConsumePasswordResetTicket(ctx, "", "Fresh123!", Source{})
	assert.ErrorIs(t, err, ErrInvalidTicket)
	_, err = s.ConsumePasswordResetTicket(ctx, "unknown", "Fresh123!", Source{})
	assert.ErrorIs(t, err, ErrInvalidTicket)
}

func TestStore_NewTicketReplacesOld(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryRepository())
	ctx := context.Background()
	acc := createTestAccount(t, s, "a@klh.edu.in", "2210030001")

	first, err := s.IssuePasswordResetTicket(ctx, acc.ID)
	require.NoError(t, err)
	second, err := s.IssuePasswordResetTicket(ctx, acc.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	_, err = s.ConsumePasswordResetTicket(ctx, first, "Fresh123!", Source{})
	assert.ErrorIs(t, err, ErrInvalidTicket)
	_, err = s.ConsumePasswordResetTicket(ctx, second, "Fresh123!", Source{})
	assert.NoError(t, err)
}

func TestStore_UpdateProfile(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryRepository())
	ctx := context.Background()
	acc := createTestAccount(t, s, "a@klh.edu.in", "2210030001")

	bio := "Third year CSE"
	dept := "CSE"
	got, err := s.UpdateProfile(ctx, acc.ID, ProfileUpdate{Bio: &bio, Department: &dept})
	require.NoError(t, err)
	assert.Equal(t, bio, got.Bio)
	assert.Equal(t, dept, got.Department)
	assert.Equal(t, acc.Name, got.Name)

	unchanged, err := s.UpdateProfile(ctx, acc.ID, ProfileUpdate{})
	require.NoError(t, err)
	assert.Equal(t, bio, unchanged.Bio)

	_, err = s.UpdateProfile(ctx, "missing", ProfileUpdate{Bio: &bio})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Cleanup(t *testing.T) {
	s, clock := newTestStore(t, NewMemoryRepository())
	ctx := context.Background()
	acc := createTestAccount(t, s, "a@klh.edu.in", "2210030001")

	require.NoError(t, s.AddRefreshToken(ctx, acc.ID, "short", clock.Now().Add(time.Minute), ""))
	require.NoError(t, s.AddRefreshToken(ctx, acc.ID, "long", clock.Now().Add(time.Hour), ""))
	_, err := s.IssuePasswordResetTicket(ctx, acc.ID)
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	result, err := s.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.DeletedRefreshTokens)
	assert.Equal(t, int64(1), result.ClearedResetTickets)

	got, err := s.FindByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Len(t, got.RefreshTokens, 1)
	assert.Empty(t, got.PasswordResetTokenHash)
}

func TestStore_ConcurrentFailedAttempts(t *testing.T) {
	s, clock := newTestStore(t, NewMemoryRepository())
	ctx := context.Background()
	acc := createTestAccount(t, s, "a@klh.edu.in", "2210030001")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.RecordFailedAttempt(ctx, acc.ID)
		}()
	}
	wg.Wait()

	got, err := s.FindByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.FailedAttempts)
	assert.True(t, got.IsLocked(clock.Now()))
}

func TestAccount_ChangedPasswordAfter(t *testing.T) {
	changed := time.Date(2026, 3, 1, 10, 0, 10, 0, time.UTC)
	acc := Account{PasswordChangedAt: &changed}

	assert.True(t, acc.ChangedPasswordAfter(changed.Add(-time.Second)))
	assert.False(t, acc.ChangedPasswordAfter(changed))
	assert.False(t, acc.ChangedPasswordAfter(changed.Add(time.Second)))
	assert.False(t, Account{}.ChangedPasswordAfter(changed))
}

func TestRole_Valid(t *testing.T) {
	assert.True(t, RoleStudent.Valid())
	assert.True(t, RoleFaculty.Valid())
	assert.True(t, RoleAdmin.Valid())
	assert.False(t, Role("guest").Valid())
}
