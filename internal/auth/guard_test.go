package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerhub/internal/account"
)

func TestGuard_AuthenticateValidToken(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "a@klh.edu.in", "2210030001")

	session, err := f.guard.Authenticate(context.Background(), "Bearer "+reg.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, session.Identity.ID)
	assert.Equal(t, "a@klh.edu.in", session.Identity.Email)
	assert.Equal(t, account.RoleStudent, session.Identity.Role)
	assert.Equal(t, "2210030001", session.Identity.UniversityID)
	assert.Equal(t, reg.AccessToken, session.Token)
	assert.Equal(t, reg.AccessTokenExpiresAt, session.ExpiresAt)

	_, err = f.guard.Authenticate(context.Background(), "bearer "+reg.AccessToken)
	assert.NoError(t, err)
}

func TestGuard_RejectsBadHeaders(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "a@klh.edu.in", "2210030001")

	cases := []struct {
		name   string
		header string
		want   error
	}{
		{"missing", "", ErrTokenMissing},
		{"blank", "   ", ErrTokenMissing},
		{"bearer without token", "Bearer ", ErrTokenMissing},
		{"scheme only", "bearer", ErrTokenMissing},
		{"wrong scheme", "Basic " + reg.AccessToken, ErrTokenInvalid},
		{"garbage", "Bearer not-a-jwt", ErrTokenInvalid},
		{"refresh token", "Bearer " + reg.RefreshToken, ErrTokenInvalid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.guard.Authenticate(context.Background(), tc.header)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestGuard_ExpiredToken(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "a@klh.edu.in", "2210030001")

	f.clock.Advance(f.tokens.AccessTTL() + time.Minute)

	_, err := f.guard.Authenticate(context.Background(), "Bearer "+reg.AccessToken)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestGuard_RevokedToken(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "a@klh.edu.in", "2210030001")

	require.NoError(t, f.revoked.Revoke(context.Background(), reg.AccessToken, reg.AccessTokenExpiresAt))

	_, err := f.guard.Authenticate(context.Background(), "Bearer "+reg.AccessToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestGuard_UnknownAccount(t *testing.T) {
	f := newFixture(t)

	issued, err := f.tokens.IssueAccessToken("01890000-0000-7000-8000-000000000000", "ghost@klh.edu.in", "student")
	require.NoError(t, err)

	_, err = f.guard.Authenticate(context.Background(), "Bearer "+issued.Token)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestGuard_PasswordChangedAfterIssue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "a@klh.edu.in", "2210030001")

	f.clock.Advance(5 * time.Second)
	require.NoError(t, f.service.ChangePassword(ctx, reg.User.ID, ChangePasswordRequest{
		CurrentPassword: testPassword,
		NewPassword:     "Newpass1!",
	}, account.Source{}))

	_, err := f.guard.Authenticate(ctx, "Bearer "+reg.AccessToken)
	assert.ErrorIs(t, err, ErrPasswordChanged)

	fresh := f.login(t, "a@klh.edu.in", "Newpass1!")
	_, err = f.guard.Authenticate(ctx, "Bearer "+fresh.AccessToken)
	assert.NoError(t, err)
}

func TestGuard_PasswordChangeCheckCanBeDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "a@klh.edu.in", "2210030001")

	f.clock.Advance(5 * time.Second)
	require.NoError(t, f.service.ChangePassword(ctx, reg.User.ID, ChangePasswordRequest{
		CurrentPassword: testPassword,
		NewPassword:     "Newpass1!",
	}, account.Source{}))

	f.guard.config.CheckPasswordChange = false
	_, err := f.guard.Authenticate(ctx, "Bearer "+reg.AccessToken)
	assert.NoError(t, err)
}

func TestGuard_LockedAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "a@klh.edu.in", "2210030001")

	for i := 0; i < account.DefaultMaxAttempts; i++ {
		_, _ = f.service.Login(ctx, LoginRequest{Email: "a@klh.edu.in", Password: "wrong"}, account.Source{})
	}

	_, err := f.guard.Authenticate(ctx, "Bearer "+reg.AccessToken)
	var locked AccountLockedError
	require.ErrorAs(t, err, &locked)

	f.guard.config.RejectLocked = false
	_, err = f.guard.Authenticate(ctx, "Bearer "+reg.AccessToken)
	assert.NoError(t, err)
}

func TestGuard_RequireAttachesSession(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "a@klh.edu.in", "2210030001")

	var seen Session
	handler := f.guard.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ok bool
		seen, ok = SessionFrom(r.Context())
		require.True(t, ok)
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+reg.AccessToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, reg.User.ID, seen.Identity.ID)
	assert.Equal(t, reg.AccessToken, seen.Token)
}

func TestGuard_RequireRejectsAndCounts(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodGet, "/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Equal(t, string(KindTokenMissing), res.Body["kind"])

	res = f.do(t, http.MethodGet, "/auth/me", "junk", nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Equal(t, string(KindTokenInvalid), res.Body["kind"])

	count, err := testutil.GatherAndCount(f.metrics.Registry(), "peerhub_auth_guard_rejections_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestGuard_OptionalNeverRejects(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "a@klh.edu.in", "2210030001")

	res := f.do(t, http.MethodGet, "/auth/session", "", nil)
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, false, res.Body["authenticated"])

	res = f.do(t, http.MethodGet, "/auth/session", "not-a-jwt", nil)
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, false, res.Body["authenticated"])

	res = f.do(t, http.MethodGet, "/auth/session", reg.AccessToken, nil)
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, true, res.Body["authenticated"])
	user, ok := res.Body["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, reg.User.ID, user["id"])
	assert.Equal(t, "student", user["role"])
}

func TestGuard_RequireRole(t *testing.T) {
	f := newFixture(t)
	student := f.register(t, "a@klh.edu.in", "2210030001")

	faculty := registerRequest("prof@klh.edu.in", "FAC00042")
	faculty.Role = "faculty"
	prof, err := f.service.Register(context.Background(), faculty, account.Source{})
	require.NoError(t, err)

	res := f.do(t, http.MethodGet, "/accounts/"+student.User.ID, student.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, res.Code)
	assert.Equal(t, string(KindForbidden), res.Body["kind"])

	res = f.do(t, http.MethodGet, "/accounts/"+student.User.ID, prof.AccessToken, nil)
	require.Equal(t, http.StatusOK, res.Code)
	user := res.Body["user"].(map[string]any)
	assert.Equal(t, "a@klh.edu.in", user["email"])

	res = f.do(t, http.MethodGet, "/admin/accounts/"+student.User.ID+"/security-events", prof.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, res.Code)
}

func TestGuard_RequireRoleWithoutIdentity(t *testing.T) {
	f := newFixture(t)

	handler := f.guard.RequireRole(account.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAccountLockedError_RetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, 7200, AccountLockedError{Until: now.Add(2 * time.Hour)}.RetryAfter(now))
	assert.Equal(t, 2, AccountLockedError{Until: now.Add(1500 * time.Millisecond)}.RetryAfter(now))
	assert.Equal(t, 1, AccountLockedError{Until: now.Add(-time.Minute)}.RetryAfter(now))
}
