package schema

// AuthEventType identifies an auth state change.
type AuthEventType string

const (
	// EventSignedIn is emitted after a successful sign-in.
	EventSignedIn AuthEventType = "SIGNED_IN"
	// EventSignedOut is emitted after a sign-out.
	EventSignedOut AuthEventType = "SIGNED_OUT"
	// EventTokenRefreshed is emitted after the access token was refreshed.
	EventTokenRefreshed AuthEventType = "TOKEN_REFRESHED"
)

// AuthEvent is delivered to auth state subscribers.
type AuthEvent struct {
	Type    AuthEventType
	Session *Session
}

// StorageEvent reports a durable-store change made by another tab.
// An empty NewValue means the key was removed.
type StorageEvent struct {
	Key      string
	OldValue string
	NewValue string
}

// Removed reports whether the event describes a key removal.
func (e StorageEvent) Removed() bool {
	return e.NewValue == ""
}
