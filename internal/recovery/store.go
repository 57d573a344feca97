// Package recovery persists state that must outlive the process: the pending
// handshake record, the established signer session and per-item publish
// checkpoints.
package recovery

import (
	"context"
	"errors"
	"time"
)

// DefaultPendingTTL bounds how long a pending handshake stays recoverable
const DefaultPendingTTL = 15 * time.Minute

var ErrUnknownBackend = errors.New("recovery: unknown store backend")

// PendingRecord is an unresolved handshake. LocalPrivKey is hex and may be
// empty when the key is held in the OS keyring instead (KeyInKeyring).
type PendingRecord struct {
	LocalPrivKey   string   `json:"local_privkey,omitempty"`
	LocalPubKey    string   `json:"local_pubkey"`
	Secret         string   `json:"secret"`
	Relays         []string `json:"relays"`
	ExpectedPubKey string   `json:"expected_pubkey,omitempty"`
	CreatedAt      int64    `json:"created_at"`
	KeyInKeyring   bool     `json:"key_in_keyring,omitempty"`
}

// SessionRecord is an established signer session, saved so later processes
// can sign without a new handshake.
type SessionRecord struct {
	LocalPrivKey string   `json:"local_privkey,omitempty"`
	LocalPubKey  string   `json:"local_pubkey"`
	RemotePubKey string   `json:"remote_pubkey"`
	UserPubKey   string   `json:"user_pubkey,omitempty"`
	Relays       []string `json:"relays"`
	CreatedAt    int64    `json:"created_at"`
	KeyInKeyring bool     `json:"key_in_keyring,omitempty"`
}

// PendingStore holds at most one pending handshake record.
// LoadPending returns nil, nil when there is none.
type PendingStore interface {
	SavePending(ctx context.Context, rec *PendingRecord) error
	LoadPending(ctx context.Context) (*PendingRecord, error)
	ClearPending(ctx context.Context) error
}

// CheckpointStore records published items. Entries are never removed by
// this program; MarkPublished on an existing entry is a no-op.
type CheckpointStore interface {
	MarkPublished(ctx context.Context, itemID string) error
	IsPublished(ctx context.Context, itemID string) (bool, error)
}

// SessionStore holds at most one signer session.
// LoadSession returns nil, nil when there is none.
type SessionStore interface {
	SaveSession(ctx context.Context, rec *SessionRecord) error
	LoadSession(ctx context.Context) (*SessionRecord, error)
	ClearSession(ctx context.Context) error
}

// Store is the full persistence surface every backend implements
type Store interface {
	PendingStore
	CheckpointStore
	SessionStore
	Close() error
}

func copyPending(rec *PendingRecord) *PendingRecord {
	if rec == nil {
		return nil
	}
	c := *rec
	c.Relays = append([]string(nil), rec.Relays...)
	return &c
}

func copySession(rec *SessionRecord) *SessionRecord {
	if rec == nil {
		return nil
	}
	c := *rec
	c.Relays = append([]string(nil), rec.Relays...)
	return &c
}

// expired reports whether a pending record created at createdAt is past ttl.
// A zero ttl never expires.
func expired(createdAt int64, ttl time.Duration) bool {
	if ttl <= 0 || createdAt == 0 {
		return false
	}
	return time.Since(time.Unix(createdAt, 0)) > ttl
}
