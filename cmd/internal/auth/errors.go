package auth

import "errors"

var (
	// ErrInvalidToken is returned when an access token fails verification:
	// bad signature, expired, wrong issuer, or missing subject.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("auth: invalid config")
)
