// Package connect implements the NIP-46 handshake: publishing a
// nostrconnect:// request and resolving it to a verified remote signer.
package connect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"nostr-publisher/internal/metrics"
	"nostr-publisher/internal/nostr"
	"nostr-publisher/internal/recovery"
	"nostr-publisher/internal/relay"
	"nostr-publisher/internal/types"
)

const (
	DefaultLiveTimeout     = 5 * time.Minute
	DefaultRecoveryTimeout = 45 * time.Second
	DefaultLookBack        = 3 * time.Minute
	DefaultAppName         = "nostr-publisher"
)

// Mode selects the subscription window for a handshake attempt
type Mode int

const (
	// ModeLive only sees acknowledgements sent from now on
	ModeLive Mode = iota
	// ModeRecovery replays a bounded look-back window, for resuming after
	// the process went away mid-handshake
	ModeRecovery
)

func (m Mode) String() string {
	if m == ModeRecovery {
		return "recovery"
	}
	return "live"
}

var (
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrWrongIdentity    = errors.New("connected signer is not the expected identity")
	ErrNoPending        = errors.New("no pending handshake to resume")
	ErrNoRelays         = errors.New("no relay reachable for handshake")
)

// WrongIdentityError is terminal: the signer that answered is not the one
// the caller asked for.
type WrongIdentityError struct {
	Expected string
	Actual   string
}

func (e *WrongIdentityError) Error() string {
	return fmt.Sprintf("%v: expected %s, got %s", ErrWrongIdentity, nostr.ShortID(e.Expected), nostr.ShortID(e.Actual))
}

func (e *WrongIdentityError) Is(target error) bool {
	return target == ErrWrongIdentity
}

// ackSentinels are accepted in place of the secret; signers disagree on
// what a connect acknowledgement carries.
var ackSentinels = map[string]bool{
	"ack":  true,
	"true": true,
}

// Config configures a Broker
type Config struct {
	Relays          []string
	AppName         string
	Perms           []string
	Callback        string
	LiveTimeout     time.Duration
	RecoveryTimeout time.Duration
	LookBack        time.Duration
	Store           recovery.PendingStore
	RelayOptions    []relay.Option
	Logger          *slog.Logger
}

// Broker runs handshakes. Relay links opened for a handshake are handed to
// the resulting Session; after a timeout they stay with the Broker for the
// next attempt.
type Broker struct {
	cfg Config
	log *slog.Logger

	mu   sync.Mutex
	pool *relay.Pool
}

func NewBroker(cfg Config) *Broker {
	if cfg.AppName == "" {
		cfg.AppName = DefaultAppName
	}
	if cfg.LiveTimeout == 0 {
		cfg.LiveTimeout = DefaultLiveTimeout
	}
	if cfg.RecoveryTimeout == 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if cfg.LookBack == 0 {
		cfg.LookBack = DefaultLookBack
	}
	if cfg.Store == nil {
		cfg.Store = recovery.NewMemoryStore(recovery.DefaultPendingTTL)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broker{cfg: cfg, log: cfg.Logger}
}

// Pending is a handshake waiting for the signer's acknowledgement
type Pending struct {
	Identity       *nostr.Identity
	Secret         string
	Relays         []string
	URI            *URI
	ExpectedPubKey string
	CreatedAt      time.Time
}

func (p *Pending) record() *recovery.PendingRecord {
	return &recovery.PendingRecord{
		LocalPrivKey:   p.Identity.PrivKeyHex(),
		LocalPubKey:    p.Identity.PubKeyHex(),
		Secret:         p.Secret,
		Relays:         append([]string(nil), p.Relays...),
		ExpectedPubKey: p.ExpectedPubKey,
		CreatedAt:      p.CreatedAt.Unix(),
	}
}

// BeginOptions override the broker defaults for one handshake
type BeginOptions struct {
	Relays         []string
	ExpectedPubKey string
}

// AwaitOptions tune how long and for whom to wait
type AwaitOptions struct {
	Timeout        time.Duration
	ExpectedPubKey string
}

// Begin generates a fresh identity and secret, persists the pending record
// and builds the connection URI.
func (b *Broker) Begin(ctx context.Context, opts BeginOptions) (*Pending, error) {
	relays := opts.Relays
	if len(relays) == 0 {
		relays = b.cfg.Relays
	}
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}

	id, err := nostr.GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("failed to generate client keypair: %w", err)
	}
	secret, err := randomHex(16)
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}

	p := &Pending{
		Identity:       id,
		Secret:         secret,
		Relays:         append([]string(nil), relays...),
		ExpectedPubKey: strings.ToLower(opts.ExpectedPubKey),
		CreatedAt:      time.Now(),
	}
	p.URI = BuildURI(id.PubKeyHex(), relays, secret, b.cfg.AppName, b.cfg.Perms, b.cfg.Callback)

	if err := b.cfg.Store.SavePending(ctx, p.record()); err != nil {
		id.Zero()
		return nil, fmt.Errorf("failed to save pending handshake: %w", err)
	}

	metrics.HandshakesStarted.Add(1)
	b.log.Info("handshake started", "client_pubkey", nostr.ShortID(id.PubKeyHex()), "relays", len(relays))
	return p, nil
}

// Await waits for the acknowledgement of a handshake begun in this process
func (b *Broker) Await(ctx context.Context, p *Pending, opts AwaitOptions) (*Session, error) {
	return b.await(ctx, p, ModeLive, opts)
}

// Resume picks up a handshake persisted by an earlier process, replaying the
// look-back window so an acknowledgement sent meanwhile is still found.
func (b *Broker) Resume(ctx context.Context, opts AwaitOptions) (*Session, error) {
	rec, err := b.cfg.Store.LoadPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending handshake: %w", err)
	}
	if rec == nil {
		return nil, ErrNoPending
	}

	id, err := nostr.IdentityFromHex(rec.LocalPrivKey)
	if err != nil {
		return nil, fmt.Errorf("pending handshake key: %w", err)
	}
	p := &Pending{
		Identity:       id,
		Secret:         rec.Secret,
		Relays:         rec.Relays,
		ExpectedPubKey: rec.ExpectedPubKey,
		CreatedAt:      time.Unix(rec.CreatedAt, 0),
	}
	p.URI = BuildURI(id.PubKeyHex(), p.Relays, p.Secret, b.cfg.AppName, b.cfg.Perms, b.cfg.Callback)

	b.log.Info("resuming handshake", "client_pubkey", nostr.ShortID(id.PubKeyHex()))
	return b.await(ctx, p, ModeRecovery, opts)
}

// Abandon forgets the pending handshake and wipes its key
func (b *Broker) Abandon(ctx context.Context, p *Pending) error {
	err := b.cfg.Store.ClearPending(ctx)
	if p != nil {
		p.Identity.Zero()
	}
	return err
}

// Close releases relay links held for retries
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pool != nil {
		b.pool.Close()
		b.pool = nil
	}
	return nil
}

func (b *Broker) currentPool() *relay.Pool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pool == nil {
		b.pool = relay.NewPool(b.cfg.RelayOptions...)
	}
	return b.pool
}

// handOff gives the pool to a session; the broker dials fresh links next time
func (b *Broker) handOff(pool *relay.Pool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pool == pool {
		b.pool = nil
	}
}

type ackMatch struct {
	sender string
}

func (b *Broker) await(ctx context.Context, p *Pending, mode Mode, opts AwaitOptions) (*Session, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = b.cfg.LiveTimeout
		if mode == ModeRecovery {
			timeout = b.cfg.RecoveryTimeout
		}
	}
	expected := strings.ToLower(opts.ExpectedPubKey)
	if expected == "" {
		expected = p.ExpectedPubKey
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	since := time.Now().Unix()
	if mode == ModeRecovery {
		since = time.Now().Add(-b.cfg.LookBack).Unix()
	}
	filter := types.Filter{
		Kinds: []int{types.KindNostrConnect},
		PTags: []string{p.Identity.PubKeyHex()},
		Since: &since,
	}

	matched := make(chan ackMatch, 1)
	var (
		mu       sync.Mutex
		resolved bool
		seen     = make(map[string]bool) // event ids, the same ack arrives once per relay
	)
	onEvent := func(evt *types.Event) {
		mu.Lock()
		if resolved || seen[evt.ID] {
			mu.Unlock()
			return
		}
		seen[evt.ID] = true
		mu.Unlock()

		if !b.isAck(evt, p) {
			return
		}

		mu.Lock()
		defer mu.Unlock()
		if resolved {
			return
		}
		resolved = true
		matched <- ackMatch{sender: strings.ToLower(evt.PubKey)}
	}

	pool := b.currentPool()
	var subs []*relay.Subscription
	var lastErr error
	for _, relayURL := range p.Relays {
		link, err := pool.Get(waitCtx, relayURL)
		if err != nil {
			b.log.Warn("handshake relay unavailable", "relay", relayURL, "error", err)
			lastErr = err
			continue
		}
		sub, err := link.Subscribe(waitCtx, filter, relay.Handlers{OnEvent: onEvent})
		if err != nil {
			b.log.Warn("handshake subscribe failed", "relay", relayURL, "error", err)
			lastErr = err
			continue
		}
		subs = append(subs, sub)
	}
	closeSubs := func() {
		for _, sub := range subs {
			sub.Close()
		}
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoRelays, lastErr)
	}

	b.log.Debug("awaiting handshake ack", "mode", mode.String(), "relays", len(subs), "timeout", timeout)

	var match ackMatch
	select {
	case match = <-matched:
		closeSubs()
	case <-waitCtx.Done():
		closeSubs()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.HandshakesTimedOut.Add(1)
		b.log.Info("handshake timed out", "mode", mode.String(), "timeout", timeout)
		return nil, ErrHandshakeTimeout
	}

	// The pending record is spent whatever the identity check says
	if err := b.cfg.Store.ClearPending(ctx); err != nil {
		b.log.Warn("failed to clear pending handshake", "error", err)
	}

	if expected != "" && expected != match.sender {
		metrics.HandshakesWrongIdentity.Add(1)
		b.log.Warn("handshake answered by unexpected identity",
			"expected", nostr.ShortID(expected), "actual", nostr.ShortID(match.sender))
		p.Identity.Zero()
		return nil, &WrongIdentityError{Expected: expected, Actual: match.sender}
	}

	b.handOff(pool)
	session := newSession(p.Identity, p.Relays, pool)
	if err := session.setRemote(match.sender); err != nil {
		session.Close()
		return nil, err
	}

	metrics.HandshakesCompleted.Add(1)
	b.log.Info("handshake complete", "mode", mode.String(), "remote_pubkey", nostr.ShortID(match.sender))
	return session, nil
}

// isAck decrypts a candidate event and checks it carries the secret or a sentinel
func (b *Broker) isAck(evt *types.Event, p *Pending) bool {
	senderPub, err := nostr.DecodePubKey(strings.ToLower(evt.PubKey))
	if err != nil {
		return false
	}
	convKey, err := nostr.GetConversationKey(p.Identity.PrivKey, senderPub)
	if err != nil {
		return false
	}
	plaintext, err := nostr.Decrypt(evt.Content, convKey)
	if err != nil {
		// Not for us or wrong key
		return false
	}

	var resp types.NIP46Response
	if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
		b.log.Debug("handshake candidate is not a NIP-46 response", "sender", nostr.ShortID(evt.PubKey))
		return false
	}
	if resp.Error != "" {
		b.log.Info("signer reported connect error", "sender", nostr.ShortID(evt.PubKey), "error", resp.Error)
		return false
	}
	return MatchesAck(resp.ResultString(), p.Secret)
}

// MatchesAck reports whether a connect result acknowledges secret
func MatchesAck(result, secret string) bool {
	if result == "" {
		return false
	}
	return result == secret || ackSentinels[result]
}

// Status is the user-facing classification of a handshake outcome
type Status string

const (
	StatusConnected     Status = "connected"
	StatusTimeout       Status = "timeout"
	StatusWrongIdentity Status = "wrong_identity"
	StatusFailed        Status = "failed"
)

// Describe maps a handshake error to a Status. Timeout and wrong identity
// need different remedies, so they never collapse into StatusFailed.
func Describe(err error) Status {
	switch {
	case err == nil:
		return StatusConnected
	case errors.Is(err, ErrWrongIdentity):
		return StatusWrongIdentity
	case errors.Is(err, ErrHandshakeTimeout):
		return StatusTimeout
	default:
		return StatusFailed
	}
}
