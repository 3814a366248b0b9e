package schema

import "errors"

var (
	// ErrStoreUnavailable indicates the backing key-value store cannot be used.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrCorruptRecord indicates a stored record could not be decoded.
	ErrCorruptRecord = errors.New("corrupt record")
	// ErrNoSession indicates the auth service holds no session for the caller.
	ErrNoSession = errors.New("no session")
	// ErrInvalidCredentials indicates a rejected sign-in.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAuthUnavailable indicates the auth service could not be reached.
	ErrAuthUnavailable = errors.New("auth service unavailable")
	// ErrTabClosed indicates the owning tab has been torn down.
	ErrTabClosed = errors.New("tab closed")
)
