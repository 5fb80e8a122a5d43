package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"peerhub/internal/account"
	"peerhub/internal/notify"
	"peerhub/internal/observability"
	"peerhub/internal/revocation"
	"peerhub/internal/token"
)

const recentSecurityEvents = 20

// Tokens is the credential pair handed out on register and login.
type Tokens struct {
	AccessToken           string    `json:"accessToken"`
	RefreshToken          string    `json:"refreshToken"`
	TokenType             string    `json:"tokenType"`
	AccessTokenExpiresAt  time.Time `json:"accessTokenExpiresAt"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpiresAt"`
}

type AuthResult struct {
	Tokens
	User account.Profile `json:"user"`
}

type RefreshResult struct {
	AccessToken          string    `json:"accessToken"`
	TokenType            string    `json:"tokenType"`
	AccessTokenExpiresAt time.Time `json:"accessTokenExpiresAt"`
}

type Service struct {
	store        *account.Store
	tokens       *token.Service
	revoked      revocation.Store
	notifier     notify.Sender
	rules        Rules
	resetURLBase string
	logger       *observability.Logger
	metrics      *observability.Metrics
	dummyHash    string
	now          func() time.Time
}

func NewService(
	store *account.Store,
	tokens *token.Service,
	revoked revocation.Store,
	notifier notify.Sender,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Service {
	return &Service{
		store:     store,
		tokens:    tokens,
		revoked:   revoked,
		notifier:  notifier,
		rules:     DefaultRules(),
		logger:    logger,
		metrics:   metrics,
		dummyHash: store.Hasher().Dummy(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithRules(rules Rules) *Service {
	s.rules = rules
	return s
}

// WithResetURLBase sets the link prefix sent with reset tickets; the ticket is
// appended as the last path segment.
func (s *Service) WithResetURLBase(base string) *Service {
	s.resetURLBase = strings.TrimRight(strings.TrimSpace(base), "/")
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Service) Rules() Rules {
	return s.rules
}

func (s *Service) Register(ctx context.Context, req RegisterRequest, src account.Source) (AuthResult, error) {
	if err := req.Validate(s.rules); err != nil {
		return AuthResult{}, err
	}

	acc, err := s.store.Create(ctx, account.NewAccount{
		UniversityID: req.UniversityID,
		Email:        req.Email,
		Name:         req.Name,
		Role:         account.Role(req.Role),
		Department:   req.Department,
		Year:         req.Year,
	}, req.Password)
	if err != nil {
		return AuthResult{}, err
	}

	tokens, err := s.startSession(ctx, acc, src)
	if err != nil {
		return AuthResult{}, err
	}
	if err := s.store.AppendSecurityEvent(ctx, acc.ID, account.EventRegistration, src); err != nil {
		return AuthResult{}, err
	}

	s.logger.Info("auth_registered", map[string]any{"account_id": acc.ID, "role": string(acc.Role)})
	return AuthResult{Tokens: tokens, User: acc.Profile()}, nil
}

// Login checks credentials and maintains the lockout counter. Unknown emails and
// wrong passwords are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, req LoginRequest, src account.Source) (AuthResult, error) {
	if err := req.Validate(); err != nil {
		return AuthResult{}, err
	}

	acc, err := s.store.FindByEmail(ctx, req.Email, true)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			s.store.Hasher().Verify(req.Password, s.dummyHash)
			s.metrics.LoginAttempt("unknown_account")
			return AuthResult{}, ErrInvalidCredentials
		}
		return AuthResult{}, err
	}

	now := s.now()
	if acc.IsLocked(now) {
		s.metrics.LoginAttempt("locked")
		s.logger.Warn("auth_login_locked", map[string]any{"account_id": acc.ID, "ip": src.Address})
		return AuthResult{}, AccountLockedError{Until: *acc.LockUntil}
	}

	if !s.store.Hasher().Verify(req.Password, acc.PasswordHash) {
		return AuthResult{}, s.failLogin(ctx, acc, src)
	}

	if err := s.store.RecordSuccess(ctx, acc.ID, src); err != nil {
		return AuthResult{}, err
	}

	tokens, err := s.startSession(ctx, acc, src)
	if err != nil {
		return AuthResult{}, err
	}
	if err := s.store.AppendSecurityEvent(ctx, acc.ID, account.EventLogin, src); err != nil {
		return AuthResult{}, err
	}

	s.metrics.LoginAttempt("success")
	s.logger.Info("auth_login_succeeded", map[string]any{"account_id": acc.ID, "ip": src.Address})

	profile := acc.Profile()
	profile.LastLoginAt = &now
	return AuthResult{Tokens: tokens, User: profile}, nil
}

func (s *Service) failLogin(ctx context.Context, acc account.Account, src account.Source) error {
	state, err := s.store.RecordFailedAttempt(ctx, acc.ID)
	if err != nil {
		return err
	}
	if err := s.store.AppendSecurityEvent(ctx, acc.ID, account.EventFailedLogin, src); err != nil {
		return err
	}

	fields := map[string]any{
		"account_id":      acc.ID,
		"ip":              src.Address,
		"failed_attempts": state.FailedAttempts,
	}
	if state.Locked(s.now()) {
		s.metrics.LoginAttempt("locked")
		s.logger.Warn("auth_account_locked", fields)
		return AccountLockedError{Until: *state.LockUntil}
	}

	s.metrics.LoginAttempt("invalid_password")
	s.logger.Warn("auth_login_failed", fields)
	return ErrInvalidCredentials
}

func (s *Service) startSession(ctx context.Context, acc account.Account, src account.Source) (Tokens, error) {
	role := string(acc.Role)

	access, err := s.tokens.IssueAccessToken(acc.ID, acc.Email, role)
	if err != nil {
		return Tokens{}, err
	}
	refresh, err := s.tokens.IssueRefreshToken(acc.ID, acc.Email, role)
	if err != nil {
		return Tokens{}, err
	}

	if err := s.store.AddRefreshToken(ctx, acc.ID, refresh.Token, refresh.ExpiresAt, src.UserAgent); err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:           access.Token,
		RefreshToken:          refresh.Token,
		TokenType:             "Bearer",
		AccessTokenExpiresAt:  access.ExpiresAt,
		RefreshTokenExpiresAt: refresh.ExpiresAt,
	}, nil
}

// Refresh mints a new access token for a refresh token that is both valid and still
// present in the account's refresh-token collection.
func (s *Service) Refresh(ctx context.Context, req RefreshRequest) (RefreshResult, error) {
	if err := req.Validate(); err != nil {
		return RefreshResult{}, err
	}

	claims, err := s.tokens.Verify(req.RefreshToken, token.TypeRefresh)
	if err != nil {
		return RefreshResult{}, ErrInvalidRefreshToken
	}

	acc, err := s.store.FindByID(ctx, claims.AccountID())
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return RefreshResult{}, ErrInvalidRefreshToken
		}
		return RefreshResult{}, err
	}

	known, err := s.store.HasRefreshToken(ctx, acc.ID, req.RefreshToken)
	if err != nil {
		return RefreshResult{}, err
	}
	if !known {
		return RefreshResult{}, ErrInvalidRefreshToken
	}

	access, err := s.tokens.IssueAccessToken(acc.ID, acc.Email, string(acc.Role))
	if err != nil {
		return RefreshResult{}, err
	}

	return RefreshResult{
		AccessToken:          access.Token,
		TokenType:            "Bearer",
		AccessTokenExpiresAt: access.ExpiresAt,
	}, nil
}

// Logout revokes the presented access token and, when given, removes only that one
// refresh token. Other sessions keep working.
func (s *Service) Logout(ctx context.Context, session Session, req LogoutRequest, src account.Source) error {
	if err := s.revoked.Revoke(ctx, session.Token, session.ExpiresAt); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}

	if refresh := strings.TrimSpace(req.RefreshToken); refresh != "" {
		if err := s.store.RemoveRefreshToken(ctx, session.Identity.ID, refresh); err != nil {
			return err
		}
	}

	if err := s.store.AppendSecurityEvent(ctx, session.Identity.ID, account.EventLogout, src); err != nil {
		return err
	}

	s.logger.Info("auth_logged_out", map[string]any{"account_id": session.Identity.ID})
	return nil
}

func (s *Service) Profile(ctx context.Context, id string) (account.Profile, error) {
	acc, err := s.store.FindByID(ctx, id)
	if err != nil {
		return account.Profile{}, err
	}
	return acc.Profile(), nil
}

// PublicProfile is the faculty and admin view of another account.
func (s *Service) PublicProfile(ctx context.Context, id string) (account.Profile, error) {
	return s.Profile(ctx, id)
}

func (s *Service) UpdateProfile(ctx context.Context, id string, req UpdateProfileRequest) (account.Profile, error) {
	if err := req.Validate(); err != nil {
		return account.Profile{}, err
	}

	acc, err := s.store.UpdateProfile(ctx, id, req.Update())
	if err != nil {
		return account.Profile{}, err
	}
	return acc.Profile(), nil
}

func (s *Service) ChangePassword(ctx context.Context, id string, req ChangePasswordRequest, src account.Source) error {
	if err := req.Validate(s.rules); err != nil {
		return err
	}

	if err := s.store.ChangePassword(ctx, id, req.CurrentPassword, req.NewPassword, src); err != nil {
		if errors.Is(err, account.ErrWrongCurrentPassword) {
			s.logger.Warn("auth_change_password_rejected", map[string]any{"account_id": id, "ip": src.Address})
		}
		return err
	}

	s.logger.Info("auth_password_changed", map[string]any{"account_id": id})
	return nil
}

// ForgotPassword issues a reset ticket and hands it to the notifier. It reports
// success whether or not the email belongs to an account, and delivery failures
// never reach the caller.
func (s *Service) ForgotPassword(ctx context.Context, req ForgotPasswordRequest, src account.Source) error {
	if err := req.Validate(); err != nil {
		return err
	}

	acc, err := s.store.FindByEmail(ctx, req.Email, false)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return nil
		}
		return err
	}

	ticket, err := s.store.IssuePasswordResetTicket(ctx, acc.ID)
	if err != nil {
		return err
	}
	if err := s.store.AppendSecurityEvent(ctx, acc.ID, account.EventPasswordResetRequest, src); err != nil {
		return err
	}

	msg := notify.Message{
		AccountID: acc.ID,
		Email:     acc.Email,
		Name:      acc.Name,
		Ticket:    ticket,
		ResetURL:  s.resetURL(ticket),
		ExpiresAt: s.now().Add(s.store.ResetTicketTTL()),
	}
	if err := s.notifier.SendPasswordReset(ctx, msg); err != nil {
		s.metrics.ResetDelivery("failed")
		sentry.CaptureException(err)
		s.logger.Error("auth_reset_delivery_failed", map[string]any{"account_id": acc.ID, "error": err.Error()})
		return nil
	}

	s.metrics.ResetDelivery("sent")
	return nil
}

func (s *Service) resetURL(ticket string) string {
	if s.resetURLBase == "" {
		return ""
	}
	return s.resetURLBase + "/" + url.PathEscape(ticket)
}

func (s *Service) ResetPassword(ctx context.Context, ticket string, req ResetPasswordRequest, src account.Source) error {
	if strings.TrimSpace(ticket) == "" {
		return account.ErrInvalidTicket
	}
	if err := req.Validate(s.rules); err != nil {
		return err
	}

	acc, err := s.store.ConsumePasswordResetTicket(ctx, ticket, req.Password, src)
	if err != nil {
		return err
	}

	s.logger.Info("auth_password_reset", map[string]any{"account_id": acc.ID})
	return nil
}

// SecurityEvents returns the caller's most recent events, oldest first.
func (s *Service) SecurityEvents(ctx context.Context, id string) ([]account.SecurityEvent, error) {
	return s.store.SecurityEvents(ctx, id, recentSecurityEvents)
}

// AccountSecurityEvents returns the full retained log of any account.
func (s *Service) AccountSecurityEvents(ctx context.Context, id string) ([]account.SecurityEvent, error) {
	if _, err := s.store.FindByID(ctx, id); err != nil {
		return nil, err
	}
	return s.store.SecurityEvents(ctx, id, account.MaxSecurityEvents)
}

func (s *Service) UnlockAccount(ctx context.Context, admin Identity, id string, src account.Source) error {
	if _, err := s.store.FindByID(ctx, id); err != nil {
		return err
	}
	if err := s.store.Unlock(ctx, id); err != nil {
		return err
	}
	if err := s.store.AppendSecurityEvent(ctx, id, account.EventAccountUnlocked, src); err != nil {
		return err
	}

	s.logger.Info("auth_account_unlocked", map[string]any{"account_id": id, "admin_id": admin.ID})
	return nil
}

// BootstrapAdmin creates the initial admin account when both email and password are
// configured. An existing account with that email is left untouched.
func (s *Service) BootstrapAdmin(ctx context.Context, universityID, email, name, rawPassword string) error {
	email = account.NormalizeEmail(email)
	rawPassword = strings.TrimSpace(rawPassword)

	if email == "" && rawPassword == "" {
		return nil
	}
	if email == "" || rawPassword == "" {
		return fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}
	if err := s.rules.Password.Validate(rawPassword); err != nil {
		return fmt.Errorf("admin password: %w", err)
	}

	if _, err := s.store.FindByEmail(ctx, email, false); err == nil {
		return nil
	} else if !errors.Is(err, account.ErrNotFound) {
		return err
	}

	if strings.TrimSpace(universityID) == "" {
		universityID = "ADMIN0001"
	}
	if strings.TrimSpace(name) == "" {
		name = "Administrator"
	}

	acc, err := s.store.Create(ctx, account.NewAccount{
		UniversityID: universityID,
		Email:        email,
		Name:         name,
		Role:         account.RoleAdmin,
		IsVerified:   true,
	}, rawPassword)
	if err != nil {
		if errors.Is(err, account.ErrDuplicate) {
			return nil
		}
		return err
	}

	s.logger.Info("auth_admin_bootstrapped", map[string]any{"account_id": acc.ID})
	return nil
}
