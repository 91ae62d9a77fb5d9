package imap

import "fmt"

// AuthError means the mailbox rejected the credential. It is terminal for
// the current sync attempt; the user has to re-enter their password.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NetworkError is a transient transport failure. The orchestrator retries
// these with backoff before giving up.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
