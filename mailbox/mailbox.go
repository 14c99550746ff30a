// Package mailbox provides read-only access to the account that receives
// distribution advices, over IMAP or the Gmail API.
package mailbox

import (
	"errors"
)

// ErrNotFound indicates that a message disappeared between search and fetch.
var ErrNotFound = errors.New("message not found")

// SessionError wraps failures to establish a mailbox session.
type SessionError struct {
	Op  string // "dial", "login", "select", "profile"
	Err error
}

func (e *SessionError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *SessionError) Unwrap() error {
	return e.Err
}
