// Package signer talks to a NIP-46 remote signer and serializes signing
// requests through a retrying queue.
package signer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nostr-publisher/internal/connect"
	"nostr-publisher/internal/nostr"
	"nostr-publisher/internal/relay"
	"nostr-publisher/internal/types"
	"nostr-publisher/internal/util"
)

// DefaultSignMethod is the NIP-46 method name for signing
const DefaultSignMethod = "sign_event"

// responseLookBack widens the response subscription to tolerate clock skew
// between us, the relay and the signer
const responseLookBack = 60 * time.Second

// ClientOptions tune a Client
type ClientOptions struct {
	SignMethod string
	Logger     *slog.Logger
}

// Client sends NIP-46 requests over a session. One subscription per relay
// carries every response; responses are routed to callers by request id.
type Client struct {
	session    *connect.Session
	signMethod string
	log        *slog.Logger

	subMu  sync.Mutex
	subs   map[string]*relay.Subscription
	subCtx context.Context
	cancel context.CancelFunc
	closed bool

	mu      sync.Mutex
	waiters map[string]chan types.NIP46Response
}

func NewClient(session *connect.Session, opts ClientOptions) *Client {
	if opts.SignMethod == "" {
		opts.SignMethod = DefaultSignMethod
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	subCtx, cancel := context.WithCancel(context.Background())
	return &Client{
		session:    session,
		subs:       make(map[string]*relay.Subscription),
		subCtx:     subCtx,
		cancel:     cancel,
		signMethod: opts.SignMethod,
		log:        opts.Logger.With("remote_pubkey", nostr.ShortID(session.RemotePubKey())),
		waiters:    make(map[string]chan types.NIP46Response),
	}
}

// subscribe makes sure every session relay carries a live response
// subscription, replacing any that ended with a dropped link. It succeeds
// when at least one relay is subscribed.
func (c *Client) subscribe(ctx context.Context) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.closed {
		return ErrClientClosed
	}

	since := time.Now().Add(-responseLookBack).Unix()
	filter := types.Filter{
		Kinds:   []int{types.KindNostrConnect},
		Authors: []string{c.session.RemotePubKey()},
		PTags:   []string{c.session.Local.PubKeyHex()},
		Since:   &since,
	}

	var lastErr error
	live := 0
	for _, relayURL := range c.session.Relays {
		if sub := c.subs[relayURL]; sub != nil && !isDone(sub.Done()) {
			live++
			continue
		}
		link, err := c.session.Pool().Get(ctx, relayURL)
		if err != nil {
			lastErr = err
			c.log.Warn("signer relay unavailable", "relay", relayURL, "error", err)
			continue
		}
		sub, err := link.Subscribe(c.subCtx, filter, relay.Handlers{OnEvent: c.handleResponse})
		if err != nil {
			lastErr = err
			continue
		}
		c.subs[relayURL] = sub
		live++
	}
	if live == 0 {
		return fmt.Errorf("no relay available for signer responses: %w", lastErr)
	}
	return nil
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (c *Client) handleResponse(evt *types.Event) {
	if evt.PubKey != c.session.RemotePubKey() {
		return
	}
	plaintext, err := nostr.Decrypt(evt.Content, c.session.ConversationKey())
	if err != nil {
		c.log.Debug("failed to decrypt signer message", "error", err)
		return
	}

	var resp types.NIP46Response
	if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
		c.log.Debug("failed to parse signer response", "error", err)
		return
	}

	c.mu.Lock()
	ch := c.waiters[resp.ID]
	delete(c.waiters, resp.ID)
	c.mu.Unlock()

	if ch == nil {
		// Another request's answer, a duplicate from a second relay, or unrelated traffic
		return
	}
	ch <- resp
}

func newRequestID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate request ID: %v", err)
	}
	return hex.EncodeToString(b), nil
}

// call sends one request and waits for its response, ctx cancellation or
// session close.
func (c *Client) call(ctx context.Context, method string, params []string) (string, error) {
	if c.session.IsClosed() {
		return "", connect.ErrSessionClosed
	}
	if err := c.subscribe(ctx); err != nil {
		return "", err
	}
	if params == nil {
		params = []string{}
	}

	reqID, err := newRequestID()
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(types.NIP46Request{ID: reqID, Method: method, Params: params})
	if err != nil {
		return "", err
	}
	content, err := nostr.Encrypt(string(raw), c.session.ConversationKey())
	if err != nil {
		return "", fmt.Errorf("encryption failed: %v", err)
	}
	evt, err := nostr.NewSignedEvent(c.session.Local, types.KindNostrConnect,
		[][]string{{"p", c.session.RemotePubKey()}}, content)
	if err != nil {
		return "", err
	}

	reply := make(chan types.NIP46Response, 1)
	c.mu.Lock()
	c.waiters[reqID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, reqID)
		c.mu.Unlock()
	}()

	results := c.session.Pool().PublishAll(ctx, c.session.Relays, evt)
	delivered := false
	for _, r := range results {
		delivered = delivered || r.Accepted
	}
	if !delivered {
		// A response may still arrive if a relay stored the event without answering OK
		c.log.Warn("signer request not acknowledged by any relay", "method", method, "request_id", reqID)
	}

	c.log.Debug("signer request sent", "method", method, "request_id", reqID, "delivered", delivered)

	select {
	case resp := <-reply:
		if resp.Error != "" {
			return "", &SigningError{Method: method, Message: resp.Error}
		}
		return resp.ResultString(), nil
	case <-ctx.Done():
		if !delivered {
			return "", fmt.Errorf("%w: %v", ErrNotDelivered, ctx.Err())
		}
		return "", ctx.Err()
	case <-c.session.Done():
		return "", connect.ErrSessionClosed
	}
}

// SignEvent asks the signer to sign u and verifies the returned event
func (c *Client) SignEvent(ctx context.Context, u types.UnsignedEvent) (*types.Event, error) {
	if u.Tags == nil {
		u.Tags = [][]string{}
	}
	payload, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}

	result, err := c.call(ctx, c.signMethod, []string{string(payload)})
	if err != nil {
		return nil, err
	}

	var signed types.Event
	if err := json.Unmarshal([]byte(result), &signed); err != nil {
		return nil, &SigningError{Method: c.signMethod, Message: "failed to parse signed event: " + err.Error()}
	}
	if err := checkSigned(&signed, u, c.session.UserPubKey()); err != nil {
		return nil, &SigningError{Method: c.signMethod, Message: err.Error()}
	}
	return &signed, nil
}

func checkSigned(signed *types.Event, u types.UnsignedEvent, userPubKey string) error {
	if !nostr.ValidateEventSignature(signed) {
		return fmt.Errorf("invalid signature on event %s", nostr.ShortID(signed.ID))
	}
	if signed.Kind != u.Kind || signed.Content != u.Content {
		return fmt.Errorf("signed event does not match request")
	}
	// A lost d tag would publish the article under a different address
	if d := util.GetTagValue(u.Tags, "d"); d != "" && util.GetTagValue(signed.Tags, "d") != d {
		return fmt.Errorf("signer dropped or changed d tag %q", d)
	}
	if u.CreatedAt != 0 && signed.CreatedAt != u.CreatedAt {
		return fmt.Errorf("signer changed created_at from %d to %d", u.CreatedAt, signed.CreatedAt)
	}
	if userPubKey != "" && signed.PubKey != userPubKey {
		return fmt.Errorf("event signed by %s, expected %s", nostr.ShortID(signed.PubKey), nostr.ShortID(userPubKey))
	}
	return nil
}

// GetPublicKey asks for the user's key and records it on the session
func (c *Client) GetPublicKey(ctx context.Context) (string, error) {
	result, err := c.call(ctx, "get_public_key", nil)
	if err != nil {
		return "", err
	}
	if _, err := nostr.DecodePubKey(result); err != nil {
		return "", &SigningError{Method: "get_public_key", Message: "invalid pubkey " + result}
	}
	c.session.SetUserPubKey(result)
	return c.session.UserPubKey(), nil
}

// Connect sends a connect request, used for signer-initiated (bunker://)
// sessions. secret may be empty.
func (c *Client) Connect(ctx context.Context, secret string) error {
	params := []string{c.session.RemotePubKey()}
	if secret != "" {
		params = append(params, secret)
	}
	result, err := c.call(ctx, "connect", params)
	if err != nil {
		return err
	}
	if !connect.MatchesAck(result, secret) {
		return &SigningError{Method: "connect", Message: "unexpected connect response: " + result}
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	result, err := c.call(ctx, "ping", nil)
	if err != nil {
		return err
	}
	if result != "pong" {
		return &SigningError{Method: "ping", Message: "unexpected ping response: " + result}
	}
	return nil
}

// Close drops the response subscriptions. The session stays open.
func (c *Client) Close() error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	for _, sub := range c.subs {
		sub.Close()
	}
	return nil
}
