package auth

import "errors"

// Sentinel errors returned by the verifiers. Callers should use errors.Is
// for comparison.
var (
	// ErrTokenExpired is returned when a bearer token has expired.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a bearer token cannot be parsed or
	// verified.
	ErrTokenInvalid = errors.New("auth: token invalid")

	// ErrKeyInvalid is returned when an API key is malformed, unknown,
	// inactive, or fails the hash check. Deliberately a single error so the
	// response does not reveal which check failed.
	ErrKeyInvalid = errors.New("auth: api key invalid")

	// ErrNoCredentials is returned when a request carries neither a bearer
	// token nor an API key.
	ErrNoCredentials = errors.New("auth: no credentials")
)
