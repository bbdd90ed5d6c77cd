package storage

import "errors"

// Sentinel errors returned by storage implementations. Callers map these onto
// protocol-level OAuth errors; the messages themselves are never sent to
// clients.
var (
	// ErrNotFound is returned when a requested record does not exist or has
	// already been consumed. Expired records are also reported as not found.
	ErrNotFound = errors.New("not found")

	// ErrStateExists is returned by SaveAuthorizationState when an unexpired
	// state with the same value is already stored.
	ErrStateExists = errors.New("authorization state already exists")

	// ErrInvalidSecret is returned by ValidateClientSecret when the presented
	// secret does not match the stored hash.
	ErrInvalidSecret = errors.New("invalid client secret")

	// ErrIPLimitExceeded is returned by CheckIPLimit when an IP address has
	// registered the maximum allowed number of clients.
	ErrIPLimitExceeded = errors.New("client registration limit reached for IP")
)
