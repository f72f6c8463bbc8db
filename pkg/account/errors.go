package account

import "errors"

// Errors returned by Manager in addition to identity and permission sentinels.
var (
	// ErrInvalidCredentials covers an unknown username, a wrong password
	// and an inactive account alike.
	ErrInvalidCredentials = errors.New("wrong username or password")

	// ErrInvalidInput is returned for missing or malformed fields.
	ErrInvalidInput = errors.New("invalid input")
)
