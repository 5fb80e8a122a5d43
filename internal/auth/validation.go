package auth

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"peerhub/internal/account"
	"peerhub/internal/password"
)

const DefaultEmailDomain = "klh.edu.in"

// Rules holds the boundary checks that depend on configuration.
type Rules struct {
	EmailDomain string
	Password    password.Policy
}

func DefaultRules() Rules {
	return Rules{EmailDomain: DefaultEmailDomain, Password: password.DefaultPolicy()}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

type RegisterRequest struct {
	UniversityID string `json:"universityId" validate:"required,min=5,max=20"`
	Email        string `json:"email" validate:"required,email,max=254"`
	Password     string `json:"password" validate:"required"`
	Name         string `json:"name" validate:"required,min=2,max=100"`
	Role         string `json:"role" validate:"omitempty,oneof=student faculty"`
	Department   string `json:"department" validate:"max=100"`
	Year         string `json:"year" validate:"max=20"`
}

func (r *RegisterRequest) normalize() {
	r.UniversityID = strings.TrimSpace(r.UniversityID)
	r.Email = account.NormalizeEmail(r.Email)
	r.Name = strings.TrimSpace(r.Name)
	r.Role = strings.ToLower(strings.TrimSpace(r.Role))
	r.Department = strings.TrimSpace(r.Department)
	r.Year = strings.TrimSpace(r.Year)
}

func (r *RegisterRequest) Validate(rules Rules) error {
	r.normalize()
	if err := structError(validate.Struct(r)); err != nil {
		return err
	}
	if err := checkEmailDomain(r.Email, rules.EmailDomain); err != nil {
		return err
	}
	if err := rules.Password.Validate(r.Password); err != nil {
		return &ValidationError{Field: "password", Err: err}
	}
	return nil
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,max=1024"`
}

func (r *LoginRequest) Validate() error {
	r.Email = account.NormalizeEmail(r.Email)
	return structError(validate.Struct(r))
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

func (r *RefreshRequest) Validate() error {
	r.RefreshToken = strings.TrimSpace(r.RefreshToken)
	if r.RefreshToken == "" {
		return ErrInvalidRefreshToken
	}
	return nil
}

type LogoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required"`
}

// Validate reports missing fields as validation failures and policy failures as
// weak-password errors.
func (r *ChangePasswordRequest) Validate(rules Rules) error {
	if err := structError(validate.Struct(r)); err != nil {
		return err
	}
	return rules.Password.Validate(r.NewPassword)
}

type ForgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (r *ForgotPasswordRequest) Validate() error {
	r.Email = account.NormalizeEmail(r.Email)
	return structError(validate.Struct(r))
}

type ResetPasswordRequest struct {
	Password string `json:"password" validate:"required"`
}

func (r *ResetPasswordRequest) Validate(rules Rules) error {
	if err := structError(validate.Struct(r)); err != nil {
		return err
	}
	return rules.Password.Validate(r.Password)
}

type UpdateProfileRequest struct {
	Name       *string `json:"name" validate:"omitempty,min=2,max=100"`
	Bio        *string `json:"bio" validate:"omitempty,max=500"`
	Department *string `json:"department" validate:"omitempty,max=100"`
	Year       *string `json:"year" validate:"omitempty,max=20"`
	Avatar     *string `json:"avatar" validate:"omitempty,max=2048"`
}

// Validate trims the fields and drops the ones left empty, so an empty name,
// department, year or avatar never fails a length rule.
func (r *UpdateProfileRequest) Validate() error {
	for _, field := range []**string{&r.Name, &r.Department, &r.Year, &r.Avatar} {
		if *field != nil {
			trimmed := strings.TrimSpace(**field)
			*field = nonEmpty(&trimmed)
		}
	}
	return structError(validate.Struct(r))
}

// Update keeps the original semantics: empty name, department, year and avatar mean
// unchanged, while an empty bio clears it.
func (r UpdateProfileRequest) Update() account.ProfileUpdate {
	return account.ProfileUpdate{
		Name:       nonEmpty(r.Name),
		Bio:        r.Bio,
		Department: nonEmpty(r.Department),
		Year:       nonEmpty(r.Year),
		Avatar:     nonEmpty(r.Avatar),
	}
}

func nonEmpty(v *string) *string {
	if v == nil || *v == "" {
		return nil
	}
	return v
}

func checkEmailDomain(email, domain string) error {
	domain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "@"))
	if domain == "" {
		return nil
	}
	if !strings.HasSuffix(email, "@"+domain) {
		return invalid("email", "only @%s email addresses are allowed", domain)
	}
	return nil
}

func structError(err error) error {
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Err: err}
	}

	fe := fieldErrs[0]
	return &ValidationError{Field: fe.Field(), Err: errors.New(fieldMessage(fe))}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "email":
		return "valid email is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s is invalid", fe.Field())
}
