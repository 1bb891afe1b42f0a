package transport

import "errors"

var (
	// ErrAuthMissing is returned when no credential is available. The
	// connection attempt is aborted before any network call is made.
	ErrAuthMissing = errors.New("transport: no auth token available")

	// ErrConnectionUnavailable is returned after the retry budget has been
	// exhausted. No further retries happen until the next explicit
	// EnsureConnected call.
	ErrConnectionUnavailable = errors.New("transport: connection unavailable after retries")

	// ErrNotConnected is returned by Send when no live connection exists.
	ErrNotConnected = errors.New("transport: not connected")

	// errTornDown aborts in-flight connect attempts when Teardown is called.
	errTornDown = errors.New("transport: torn down")
)
