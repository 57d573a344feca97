package connect

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"nostr-publisher/internal/nostr"
	"nostr-publisher/internal/relay"
)

// BunkerURI is a signer-initiated connection string:
// bunker://<remote-signer-pubkey>?relay=<wss://...>&relay=<wss://...>&secret=<optional>
type BunkerURI struct {
	RemotePubKey string
	Relays       []string
	Secret       string
}

// ParseBunkerURI parses a bunker:// URL
func ParseBunkerURI(raw string) (*BunkerURI, error) {
	if !strings.HasPrefix(raw, "bunker://") {
		return nil, errors.New("invalid bunker URL: must start with bunker://")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid bunker URL: %v", err)
	}

	remote := strings.ToLower(u.Host)
	if _, err := nostr.DecodePubKey(remote); err != nil {
		return nil, errors.New("invalid remote signer pubkey in bunker URL")
	}

	var relays []string
	for _, r := range u.Query()["relay"] {
		if n := relay.NormalizeURL(r); n != "" {
			relays = append(relays, n)
		}
	}
	if len(relays) == 0 {
		return nil, errors.New("bunker URL must specify at least one usable relay")
	}

	return &BunkerURI{
		RemotePubKey: remote,
		Relays:       relays,
		Secret:       u.Query().Get("secret"),
	}, nil
}

// NewBunkerSession creates a session with a disposable client key for a
// signer-initiated connection. The remote key is known up front, so no
// handshake wait is needed; callers should still send a connect request
// carrying the secret before signing.
func NewBunkerSession(b *BunkerURI, opts ...relay.Option) (*Session, error) {
	local, err := nostr.GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("failed to generate client keypair: %v", err)
	}

	s := newSession(local, b.Relays, relay.NewPool(opts...))
	if err := s.setRemote(b.RemotePubKey); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
