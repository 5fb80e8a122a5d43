package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"peerhub/internal/account"
	"peerhub/internal/password"
)

// Kind is the stable machine-readable error code returned next to every message.
type Kind string

const (
	KindValidation           Kind = "validation_failed"
	KindDuplicate            Kind = "duplicate"
	KindInvalidCredentials   Kind = "invalid_credentials"
	KindAccountLocked        Kind = "account_locked"
	KindTokenMissing         Kind = "token_missing"
	KindTokenExpired         Kind = "token_expired"
	KindTokenInvalid         Kind = "token_invalid"
	KindTokenRevoked         Kind = "token_revoked"
	KindUserNotFound         Kind = "user_not_found"
	KindPasswordChanged      Kind = "password_changed"
	KindForbidden            Kind = "forbidden"
	KindInvalidTicket        Kind = "invalid_or_expired_ticket"
	KindWrongCurrentPassword Kind = "wrong_current_password"
	KindWeakPassword         Kind = "weak_password"
	KindInvalidRefreshToken  Kind = "invalid_refresh_token"
	KindRateLimited          Kind = "rate_limited"
	KindInternal             Kind = "internal"
)

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrTokenMissing        = errors.New("no authentication token, access denied")
	ErrTokenExpired        = errors.New("token has expired, please log in again")
	ErrTokenInvalid        = errors.New("invalid token")
	ErrTokenRevoked        = errors.New("token has been revoked")
	ErrUserNotFound        = errors.New("token is not valid, user not found")
	ErrPasswordChanged     = errors.New("password recently changed, please log in again")
	ErrForbidden           = errors.New("access denied for this role")
)

// AccountLockedError is returned while an account sits inside its lock window.
type AccountLockedError struct {
	Until time.Time
}

func (e AccountLockedError) Error() string {
	return "account temporarily locked due to too many failed login attempts"
}

// RetryAfter rounds the remaining lock time up to whole seconds, never below one.
func (e AccountLockedError) RetryAfter(now time.Time) int {
	remaining := e.Until.Sub(now)
	seconds := int((remaining + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}

// ValidationError reports malformed input caught before touching storage.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// classify maps an error to its HTTP status and kind. Unknown errors are internal.
func classify(err error) (int, Kind) {
	var validation *ValidationError
	var locked AccountLockedError

	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, KindValidation
	case errors.As(err, &locked):
		return http.StatusUnauthorized, KindAccountLocked
	case password.IsPolicyViolation(err):
		return http.StatusBadRequest, KindWeakPassword
	case errors.Is(err, account.ErrDuplicate):
		return http.StatusBadRequest, KindDuplicate
	case errors.Is(err, account.ErrInvalidTicket):
		return http.StatusBadRequest, KindInvalidTicket
	case errors.Is(err, account.ErrWrongCurrentPassword):
		return http.StatusUnauthorized, KindWrongCurrentPassword
	case errors.Is(err, account.ErrNotFound):
		return http.StatusNotFound, KindUserNotFound
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized, KindInvalidCredentials
	case errors.Is(err, ErrInvalidRefreshToken):
		return http.StatusUnauthorized, KindInvalidRefreshToken
	case errors.Is(err, ErrTokenMissing):
		return http.StatusUnauthorized, KindTokenMissing
	case errors.Is(err, ErrTokenExpired):
		return http.StatusUnauthorized, KindTokenExpired
	case errors.Is(err, ErrTokenInvalid):
		return http.StatusUnauthorized, KindTokenInvalid
	case errors.Is(err, ErrTokenRevoked):
		return http.StatusUnauthorized, KindTokenRevoked
	case errors.Is(err, ErrUserNotFound):
		return http.StatusUnauthorized, KindUserNotFound
	case errors.Is(err, ErrPasswordChanged):
		return http.StatusUnauthorized, KindPasswordChanged
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, KindForbidden
	}
	return http.StatusInternalServerError, KindInternal
}
