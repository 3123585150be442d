package identity

import (
	"errors"
	"fmt"
)

// Each failure mode gets its own error so callers can map it to a distinct,
// stable message ("please log in again" vs "actor disabled" and so on).
var (
	ErrActorNotFound   = errors.New("actor not found")
	ErrActorInactive   = errors.New("actor is inactive")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionRevoked  = errors.New("session has been revoked")
	ErrSessionExpired  = errors.New("session has expired")
	ErrNoActiveContext = errors.New("no active identity context; ensure a session is established")
)

// TenantMismatchError is the multi-tenant isolation boundary: an otherwise
// valid session presented against the wrong tenant.
type TenantMismatchError struct {
	Have string // tenant the session belongs to
	Want string // tenant the caller required
}

func (e TenantMismatchError) Error() string {
	return fmt.Sprintf("tenant mismatch: session belongs to %s, but %s was required", e.Have, e.Want)
}
