package flexadapter

import "errors"

// Typed adapter failures. The orchestrator maps these to deterministic run
// error codes with errors.Is, so every failure path must wrap exactly one of
// them.
var (
	// ErrConnection covers transport-level failures: network errors and
	// non-2xx HTTP statuses.
	ErrConnection = errors.New("flex transport request failed")

	// ErrTimeout covers transport timeouts and exhausted polling attempts.
	ErrTimeout = errors.New("flex request timed out")

	// ErrRequest is a request-phase contract rejection (SendRequest).
	ErrRequest = errors.New("flex request rejected")

	// ErrStatement is a non-retryable statement-phase failure (GetStatement).
	ErrStatement = errors.New("flex statement retrieval failed")

	// ErrTokenExpired is the upstream 1012 token-lifecycle failure.
	ErrTokenExpired = errors.New("flex token has expired")

	// ErrTokenInvalid is the upstream 1015 token-lifecycle failure.
	ErrTokenInvalid = errors.New("flex token is invalid")
)
