package protocol

import "errors"

// Error kinds. Package-specific errors wrap one of these so callers can
// match either the precise failure or its kind with errors.Is.
var (
	// ErrConnection covers transport drops, DNS failures and timeouts.
	// It drives reconnection and is never a hard failure.
	ErrConnection = errors.New("connection error")

	// ErrAuth covers missing, expired and revoked credentials. Fatal to the
	// current connect attempt only.
	ErrAuth = errors.New("auth error")

	// ErrDecryption is scoped to a single message.
	ErrDecryption = errors.New("decryption error")

	// ErrCapacity is returned before any network call when a limit is hit.
	ErrCapacity = errors.New("capacity error")

	// ErrValidation is returned before encryption is attempted.
	ErrValidation = errors.New("validation error")
)

var (
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
)
