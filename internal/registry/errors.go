package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed the connection has already been closed by its transport
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendBufferFull the connection's outbound queue cannot accept another payload
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrStaleRegistration an expected recipient has no registry entry at all
	ErrStaleRegistration = errors.New("stale registration")
	// ErrDuplicateRegistration an identity registered while already registered
	ErrDuplicateRegistration = errors.New("duplicate registration")
	// ErrUnregisterMiss unregister found nothing to remove
	ErrUnregisterMiss = errors.New("unregister miss")
	// ErrNoIdentity a handle without an identity can not be registered
	ErrNoIdentity = errors.New("handle has no identity")
)

// SendError a single delivery attempt to one connection failed
type SendError struct {
	Identity Identity
	Peer     string
	Err      error
}

// Error implements error
func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s (%s) failed: %v", e.Identity, e.Peer, e.Err)
}

// Unwrap exposes the transport error for errors.Is / errors.As
func (e *SendError) Unwrap() error {
	return e.Err
}
