package password

import (
	"unicode"
	"unicode/utf8"
)

type Policy struct {
	MinLength int
	// MaxBytes caps the input at bcrypt's limit.
	MaxBytes int
}

func DefaultPolicy() Policy {
	return Policy{MinLength: 8, MaxBytes: 72}
}

// Validate checks the password against the complexity rules. It does not mutate input.
func (p Policy) Validate(raw string) error {
	if utf8.RuneCountInString(raw) < p.MinLength {
		return ErrTooShort
	}
	if p.MaxBytes > 0 && len(raw) > p.MaxBytes {
		return ErrTooLong
	}

	var upper, lower, digit, symbol bool
	for _, r := range raw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}

	switch {
	case !upper:
		return ErrMissingUpper
	case !lower:
		return ErrMissingLower
	case !digit:
		return ErrMissingDigit
	case !symbol:
		return ErrMissingSymbol
	}

	return nil
}
