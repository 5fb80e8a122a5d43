package token

import (
	"errors"
	"fmt"
)

var (
	ErrExpired   = errors.New("token expired")
	ErrInvalid   = errors.New("token invalid")
	ErrWrongType = fmt.Errorf("%w: unexpected token type", ErrInvalid)
)
