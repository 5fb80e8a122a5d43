package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"peerhub/internal/account"
	"peerhub/internal/notify"
	"peerhub/internal/observability"
	"peerhub/internal/password"
	"peerhub/internal/revocation"
	"peerhub/internal/token"
)

const testPassword = "Abcd123!"

type testClock struct {
	mu  sync.Mutex
	now time.Time
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

type recordingSender struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (s *recordingSender) SendPasswordReset(_ context.Context, msg notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func (s *recordingSender) last(t *testing.T) notify.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.msgs)
	return s.msgs[len(s.msgs)-1]
}

type fixture struct {
	clock   *testClock
	store   *account.Store
	tokens  *token.Service
	revoked *revocation.Memory
	sender  *recordingSender
	metrics *observability.Metrics
	service *Service
	guard   *Guard
	mux     *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	logger := observability.NewLoggerTo(io.Discard)
	metrics := observability.NewMetrics()

	store := account.NewStore(account.NewMemoryRepository(), password.NewHasher(bcrypt.MinCost)).
		WithClock(clock.Now)
	tokens := token.NewService("access-secret", "refresh-secret").WithClock(clock.Now)
	revoked := revocation.NewMemory(0).WithClock(clock.Now)
	sender := &recordingSender{}

	service := NewService(store, tokens, revoked, sender, logger, metrics).
		WithResetURLBase("https://peerhub.klh.edu.in/reset-password/").
		WithClock(clock.Now)
	guard := NewGuard(tokens, store, revoked, GuardConfig{
		CheckRevocation:     true,
		CheckPasswordChange: true,
		RejectLocked:        true,
	}, logger, metrics).WithClock(clock.Now)

	handler := NewHandler(service, logger)
	handler.now = clock.Now

	mux := http.NewServeMux()
	Mount(mux, handler, guard, Limiters{})

	return &fixture{
		clock:   clock,
		store:   store,
		tokens:  tokens,
		revoked: revoked,
		sender:  sender,
		metrics: metrics,
		service: service,
		guard:   guard,
		mux:     mux,
	}
}

func registerRequest(email, universityID string) RegisterRequest {
	return RegisterRequest{
		UniversityID: universityID,
		Email:        email,
		Password:     testPassword,
		Name:         "Asha Rao",
		Role:         "student",
		Department:   "CSE",
		Year:         "3",
	}
}

func (f *fixture) register(t *testing.T, email, universityID string) AuthResult {
	t.Helper()
	result, err := f.service.Register(context.Background(), registerRequest(email, universityID), account.Source{Address: "10.0.0.1"})
	require.NoError(t, err)
	return result
}

func (f *fixture) login(t *testing.T, email, pw string) AuthResult {
	t.Helper()
	result, err := f.service.Login(context.Background(), LoginRequest{Email: email, Password: pw}, account.Source{Address: "10.0.0.1"})
	require.NoError(t, err)
	return result
}

// admin bootstraps the admin account and returns a fresh login for it.
func (f *fixture) admin(t *testing.T) AuthResult {
	t.Helper()
	require.NoError(t, f.service.BootstrapAdmin(context.Background(), "ADMIN0001", "admin@klh.edu.in", "Admin", "Admin123!"))
	return f.login(t, "admin@klh.edu.in", "Admin123!")
}

type response struct {
	Code   int
	Header http.Header
	Body   map[string]any
}

func (f *fixture) do(t *testing.T, method, path, bearer string, body any) response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.10:4000"
	req.Header.Set("User-Agent", "peerhub-test")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	out := response{Code: rec.Code, Header: rec.Header()}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out.Body), rec.Body.String())
	}
	return out
}
