package account

import (
	"slices"
	"strings"
	"time"
)

type Role string

const (
	RoleStudent Role = "student"
	RoleFaculty Role = "faculty"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleFaculty, RoleAdmin:
		return true
	}
	return false
}

type EventType string

const (
	EventRegistration         EventType = "registration"
	EventLogin                EventType = "login"
	EventFailedLogin          EventType = "failed_login"
	EventLogout               EventType = "logout"
	EventPasswordChange       EventType = "password_change"
	EventPasswordResetRequest EventType = "password_reset_request"
	EventPasswordReset        EventType = "password_reset"
	EventAccountUnlocked      EventType = "account_unlocked"
)

// Source identifies where a request came from for the security log.
type Source struct {
	Address   string
	UserAgent string
}

type RefreshToken struct {
	TokenHash  string    `bson:"token_hash"`
	CreatedAt  time.Time `bson:"created_at"`
	ExpiresAt  time.Time `bson:"expires_at"`
	DeviceInfo string    `bson:"device_info"`
}

type SecurityEvent struct {
	Type          EventType `json:"type" bson:"type"`
	Timestamp     time.Time `json:"timestamp" bson:"timestamp"`
	SourceAddress string    `json:"sourceAddress,omitempty" bson:"source_address"`
	UserAgent     string    `json:"userAgent,omitempty" bson:"user_agent"`
}

type Account struct {
	ID           string `bson:"_id"`
	UniversityID string `bson:"university_id"`
	Email        string `bson:"email"`
	Name         string `bson:"name"`
	Role         Role   `bson:"role"`
	Department   string `bson:"department"`
	Year         string `bson:"year"`
	Avatar       string `bson:"avatar"`
	Bio          string `bson:"bio"`
	IsVerified   bool   `bson:"is_verified"`

	// PasswordHash and TwoFactorSecret are only populated when explicitly requested.
	PasswordHash      string     `bson:"password_hash,omitempty"`
	PasswordChangedAt *time.Time `bson:"password_changed_at"`

	FailedAttempts int        `bson:"failed_attempts"`
	LockUntil      *time.Time `bson:"lock_until"`

	TwoFactorEnabled bool   `bson:"two_factor_enabled"`
	TwoFactorSecret  string `bson:"two_factor_secret,omitempty"`

	RefreshTokens  []RefreshToken  `bson:"refresh_tokens"`
	SecurityEvents []SecurityEvent `bson:"security_events"`

	PasswordResetTokenHash string     `bson:"password_reset_token,omitempty"`
	PasswordResetExpiresAt *time.Time `bson:"password_reset_expires,omitempty"`

	LastLoginAt *time.Time `bson:"last_login_at"`
	LastLoginIP string     `bson:"last_login_ip"`

	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (a Account) IsLocked(now time.Time) bool {
	return a.LockUntil != nil && a.LockUntil.After(now)
}

// ChangedPasswordAfter reports whether the password changed after a token issued at
// issuedAt. Comparison is in whole seconds, matching JWT iat precision.
func (a Account) ChangedPasswordAfter(issuedAt time.Time) bool {
	if a.PasswordChangedAt == nil {
		return false
	}
	return issuedAt.Unix() < a.PasswordChangedAt.Unix()
}

func (a Account) withoutSecrets() Account {
	a.PasswordHash = ""
	a.TwoFactorSecret = ""
	return a
}

func (a Account) clone() Account {
	a.RefreshTokens = slices.Clone(a.RefreshTokens)
	a.SecurityEvents = slices.Clone(a.SecurityEvents)
	a.PasswordChangedAt = cloneTime(a.PasswordChangedAt)
	a.LockUntil = cloneTime(a.LockUntil)
	a.PasswordResetExpiresAt = cloneTime(a.PasswordResetExpiresAt)
	a.LastLoginAt = cloneTime(a.LastLoginAt)
	return a
}

// Profile is the public view of an account. It never carries credentials.
type Profile struct {
	ID               string     `json:"id"`
	UniversityID     string     `json:"universityId"`
	Email            string     `json:"email"`
	Name             string     `json:"name"`
	Role             Role       `json:"role"`
	Department       string     `json:"department,omitempty"`
	Year             string     `json:"year,omitempty"`
	Avatar           string     `json:"avatar,omitempty"`
	Bio              string     `json:"bio,omitempty"`
	IsVerified       bool       `json:"isVerified"`
	TwoFactorEnabled bool       `json:"twoFactorEnabled"`
	LastLoginAt      *time.Time `json:"lastLogin,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

func (a Account) Profile() Profile {
	return Profile{
		ID:               a.ID,
		UniversityID:     a.UniversityID,
		Email:            a.Email,
		Name:             a.Name,
		Role:             a.Role,
		Department:       a.Department,
		Year:             a.Year,
		Avatar:           a.Avatar,
		Bio:              a.Bio,
		IsVerified:       a.IsVerified,
		TwoFactorEnabled: a.TwoFactorEnabled,
		LastLoginAt:      a.LastLoginAt,
		CreatedAt:        a.CreatedAt,
	}
}

type NewAccount struct {
	UniversityID string
	Email        string
	Name         string
	Role         Role
	Department   string
	Year         string
	IsVerified   bool
}

// ProfileUpdate holds the editable profile fields. Nil means unchanged.
type ProfileUpdate struct {
	Name       *string
	Bio        *string
	Department *string
	Year       *string
	Avatar     *string
}

func (u ProfileUpdate) Empty() bool {
	return u.Name == nil && u.Bio == nil && u.Department == nil && u.Year == nil && u.Avatar == nil
}

type LockState struct {
	FailedAttempts int
	LockUntil      *time.Time
}

func (s LockState) Locked(now time.Time) bool {
	return s.LockUntil != nil && s.LockUntil.After(now)
}

type CleanupResult struct {
	DeletedRefreshTokens int64 `json:"deleted_refresh_tokens"`
	ClearedResetTickets  int64 `json:"cleared_reset_tickets"`
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
