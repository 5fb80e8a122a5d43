package password

import "errors"

var (
	ErrEmpty         = errors.New("password is empty")
	ErrTooShort      = errors.New("password must be at least 8 characters")
	ErrTooLong       = errors.New("password is too long")
	ErrMissingUpper  = errors.New("password must contain an uppercase letter")
	ErrMissingLower  = errors.New("password must contain a lowercase letter")
	ErrMissingDigit  = errors.New("password must contain a number")
	ErrMissingSymbol = errors.New("password must contain a special character")
)

// IsPolicyViolation reports whether err came from Policy.Validate.
func IsPolicyViolation(err error) bool {
	switch {
	case errors.Is(err, ErrTooShort), errors.Is(err, ErrTooLong),
		errors.Is(err, ErrMissingUpper), errors.Is(err, ErrMissingLower),
		errors.Is(err, ErrMissingDigit), errors.Is(err, ErrMissingSymbol):
		return true
	}
	return false
}
