package directory

import "errors"

var (
	// ErrNotFound means the account has no handle yet, or no handle matched.
	ErrNotFound = errors.New("handle not found")
	// ErrConflict means the requested handle belongs to a different account.
	ErrConflict = errors.New("handle already taken")
	// ErrAlreadySet means the account already registered a different handle.
	ErrAlreadySet = errors.New("handle already set for this account")
	// ErrInvalidHandle means the requested handle fails validation.
	ErrInvalidHandle = errors.New("invalid handle")
)
