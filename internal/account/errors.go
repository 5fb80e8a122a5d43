package account

import "errors"

var (
	ErrNotFound              = errors.New("account not found")
	ErrDuplicate             = errors.New("account with this email or university id already exists")
	ErrInvalidTicket         = errors.New("invalid or expired reset ticket")
	ErrWrongCurrentPassword  = errors.New("current password is incorrect")
	ErrInvalidRole           = errors.New("invalid role")
	ErrMissingRequiredFields = errors.New("university id, email and name are required")
)
