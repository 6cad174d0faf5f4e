package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// LockSessionID identifies a server-side lock session. Two IDs are equal when
// both the UUID and the host (ordinal, case-sensitive) match.
type LockSessionID struct {
	// Host is the client host that allocated the session.
	Host string `json:"host"`
	// ID is the session UUID.
	ID uuid.UUID `json:"id"`
}

// NewLockSessionID allocates a fresh session identity for host.
func NewLockSessionID(host string) (LockSessionID, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return LockSessionID{}, errors.New("lock session host required")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return LockSessionID{}, fmt.Errorf("lock session id: %w", err)
	}
	return LockSessionID{Host: host, ID: id}, nil
}

// ParseLockSessionID parses the "{uuid}@host" form produced by String.
func ParseLockSessionID(s string) (LockSessionID, error) {
	s = strings.TrimSpace(s)
	rawID, host, ok := strings.Cut(s, "@")
	if !ok || host == "" {
		return LockSessionID{}, fmt.Errorf("invalid lock session id %q", s)
	}
	rawID = strings.TrimSuffix(strings.TrimPrefix(rawID, "{"), "}")
	id, err := uuid.Parse(rawID)
	if err != nil {
		return LockSessionID{}, fmt.Errorf("invalid lock session id %q: %w", s, err)
	}
	return LockSessionID{Host: host, ID: id}, nil
}

// String renders the registry key form "{uuid}@host".
func (id LockSessionID) String() string {
	return "{" + id.ID.String() + "}@" + id.Host
}

// Equal reports whether id and other name the same session.
func (id LockSessionID) Equal(other LockSessionID) bool {
	return id.ID == other.ID && id.Host == other.Host
}

// IsZero reports whether id is unset.
func (id LockSessionID) IsZero() bool {
	return id.ID == uuid.Nil && id.Host == ""
}

// Validate ensures the identity is usable as a registry key.
func (id LockSessionID) Validate() error {
	if strings.TrimSpace(id.Host) == "" {
		return errors.New("lock session host required")
	}
	if id.ID == uuid.Nil {
		return errors.New("lock session uuid required")
	}
	return nil
}

// LockSessionData is the server-side session descriptor sent with every call.
type LockSessionData struct {
	// ID identifies the session.
	ID LockSessionID `json:"id"`
	// Description is an optional human readable label.
	Description string `json:"description,omitempty"`
	// MaxAgeSec bounds how long the session may stay idle before the server
	// expires it. Zero selects the server default.
	MaxAgeSec int64 `json:"max_age_seconds,omitempty"`
}

// EndSessionRequest models POST /v1/lock/end-session.
type EndSessionRequest struct {
	// SessionID is the "{uuid}@host" form of the session to end.
	SessionID LockSessionID `json:"session_id"`
}

// EndSessionResponse reports whether the session was known and has been ended.
type EndSessionResponse struct {
	Ended bool `json:"ended"`
	// Purged is the number of variable instances removed with the session.
	Purged int `json:"purged"`
}
