package connect

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"nostr-publisher/internal/nostr"
	"nostr-publisher/internal/recovery"
	"nostr-publisher/internal/relay"
)

var (
	ErrRemoteAlreadySet = errors.New("session remote pubkey already set")
	ErrSessionClosed    = errors.New("session closed")
)

// Session is an established link between the local identity and a remote
// signer. It owns the relay pool used to reach the signer.
type Session struct {
	Local  *nostr.Identity
	Relays []string

	pool      *relay.Pool
	createdAt time.Time

	mu         sync.RWMutex
	remote     string
	convKey    []byte
	userPubKey string

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(local *nostr.Identity, relays []string, pool *relay.Pool) *Session {
	return &Session{
		Local:     local,
		Relays:    append([]string(nil), relays...),
		pool:      pool,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// setRemote records the remote signer key. It may be called again only
// with the same key.
func (s *Session) setRemote(pubKeyHex string) error {
	pubKeyHex = strings.ToLower(pubKeyHex)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.remote != "" {
		if s.remote == pubKeyHex {
			return nil
		}
		return ErrRemoteAlreadySet
	}

	pub, err := nostr.DecodePubKey(pubKeyHex)
	if err != nil {
		return err
	}
	convKey, err := nostr.GetConversationKey(s.Local.PrivKey, pub)
	if err != nil {
		return fmt.Errorf("failed to compute conversation key: %w", err)
	}
	s.remote = pubKeyHex
	s.convKey = convKey
	return nil
}

// RemotePubKey returns the signer's hex pubkey, empty until resolved
func (s *Session) RemotePubKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remote
}

func (s *Session) ConversationKey() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.convKey
}

// UserPubKey is the key the signer signs with. It may differ from the
// signer's own transport key.
func (s *Session) UserPubKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userPubKey
}

func (s *Session) SetUserPubKey(pubKeyHex string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userPubKey = strings.ToLower(pubKeyHex)
}

func (s *Session) Pool() *relay.Pool {
	return s.pool
}

// Done is closed by Close
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) IsClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close tears down every subscription and connection and wipes the local
// key. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.pool != nil {
			s.pool.Close()
		}
		s.Local.Zero()
	})
	return nil
}

// Record converts the session into its persisted form
func (s *Session) Record() *recovery.SessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &recovery.SessionRecord{
		LocalPrivKey: s.Local.PrivKeyHex(),
		LocalPubKey:  s.Local.PubKeyHex(),
		RemotePubKey: s.remote,
		UserPubKey:   s.userPubKey,
		Relays:       append([]string(nil), s.Relays...),
		CreatedAt:    s.createdAt.Unix(),
	}
}

// RestoreSession rebuilds a session saved with Record
func RestoreSession(rec *recovery.SessionRecord, opts ...relay.Option) (*Session, error) {
	if rec == nil {
		return nil, errors.New("no saved session")
	}
	local, err := nostr.IdentityFromHex(rec.LocalPrivKey)
	if err != nil {
		return nil, fmt.Errorf("saved session key: %w", err)
	}
	if local.PubKeyHex() != rec.LocalPubKey {
		return nil, errors.New("saved session key does not match its pubkey")
	}

	s := newSession(local, rec.Relays, relay.NewPool(opts...))
	if err := s.setRemote(rec.RemotePubKey); err != nil {
		return nil, fmt.Errorf("saved session remote key: %w", err)
	}
	s.userPubKey = rec.UserPubKey
	if rec.CreatedAt > 0 {
		s.createdAt = time.Unix(rec.CreatedAt, 0)
	}
	return s, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
