package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	Type  Type   `json:"type"`
	jwt.RegisteredClaims
}

func (c *Claims) AccountID() string {
	return c.Subject
}

func (c *Claims) IssuedAtTime() time.Time {
	if c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time.UTC()
}

func (c *Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time.UTC()
}

type Issued struct {
	Token     string
	ExpiresAt time.Time
}

type Service struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	leeway        time.Duration
	now           func() time.Time
}

// NewService returns a token service. An empty refreshSecret falls back to accessSecret.
func NewService(accessSecret, refreshSecret string) *Service {
	if refreshSecret == "" {
		refreshSecret = accessSecret
	}

	return &Service{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     DefaultAccessTTL,
		refreshTTL:    DefaultRefreshTTL,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithTTL(accessTTL, refreshTTL time.Duration) *Service {
	if accessTTL > 0 {
		s.accessTTL = accessTTL
	}
	if refreshTTL > 0 {
		s.refreshTTL = refreshTTL
	}
	return s
}

func (s *Service) WithLeeway(leeway time.Duration) *Service {
	if leeway >= 0 {
		s.leeway = leeway
	}
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Service) AccessTTL() time.Duration {
	return s.accessTTL
}

func (s *Service) RefreshTTL() time.Duration {
	return s.refreshTTL
}

func (s *Service) IssueAccessToken(accountID, email, role string) (Issued, error) {
	return s.issue(accountID, email, role, TypeAccess, s.accessTTL, s.accessSecret)
}

func (s *Service) IssueRefreshToken(accountID, email, role string) (Issued, error) {
	return s.issue(accountID, email, role, TypeRefresh, s.refreshTTL, s.refreshSecret)
}

func (s *Service) issue(accountID, email, role string, typ Type, ttl time.Duration, secret []byte) (Issued, error) {
	if accountID == "" {
		return Issued{}, fmt.Errorf("sign %s token: empty account id", typ)
	}

	now := s.now().UTC()
	expiresAt := now.Add(ttl)
	claims := Claims{
		Email: email,
		Role:  role,
		Type:  typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return Issued{}, fmt.Errorf("sign %s token: %w", typ, err)
	}

	return Issued{Token: signed, ExpiresAt: expiresAt}, nil
}

// Verify parses and validates raw as a token of the expected type.
func (s *Service) Verify(raw string, expected Type) (*Claims, error) {
	if raw == "" {
		return nil, ErrInvalid
	}

	secret := s.accessSecret
	if expected == TypeRefresh {
		secret = s.refreshSecret
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalid
	}
	if claims.Type != expected {
		return nil, ErrWrongType
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalid)
	}

	return claims, nil
}
