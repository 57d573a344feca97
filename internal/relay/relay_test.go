package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"nostr-publisher/internal/nostr"
	"nostr-publisher/internal/relay/relaytest"
	"nostr-publisher/internal/types"
)

func signedNote(t *testing.T, id *nostr.Identity, content string, tags [][]string) *types.Event {
	t.Helper()
	evt, err := nostr.NewSignedEvent(id, types.KindNote, tags, content)
	if err != nil {
		t.Fatalf("NewSignedEvent failed: %v", err)
	}
	return evt
}

func dial(t *testing.T, url string, opts ...Option) *Link {
	t.Helper()
	l, err := Connect(context.Background(), url, opts...)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestIsRelayIPSafe(t *testing.T) {
	tests := []struct {
		ip   string
		safe bool
	}{
		{"127.0.0.1", true},
		{"::1", true},
		{"8.8.8.8", true},
		{"10.0.0.1", false},
		{"192.168.1.10", false},
		{"172.16.0.1", false},
		{"169.254.169.254", false},
		{"0.0.0.0", false},
		{"224.0.0.1", false},
	}
	for _, tt := range tests {
		if got := isRelayIPSafe(net.ParseIP(tt.ip)); got != tt.safe {
			t.Errorf("isRelayIPSafe(%s) = %v, want %v", tt.ip, got, tt.safe)
		}
	}
	if isRelayIPSafe(nil) {
		t.Error("nil IP treated as safe")
	}
}

func TestIsRelayURLSafe(t *testing.T) {
	tests := []struct {
		url  string
		safe bool
	}{
		{"ws://127.0.0.1:7777", true},
		{"ws://localhost:7777", true},
		{"https://relay.example.com", false},
		{"wss://", false},
		{"wss://relay.internal", false},
		{"wss://printer.local", false},
		{"ws://10.1.2.3", false},
		{"::not a url", false},
	}
	for _, tt := range tests {
		if got := IsRelayURLSafe(tt.url); got != tt.safe {
			t.Errorf("IsRelayURLSafe(%q) = %v, want %v", tt.url, got, tt.safe)
		}
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{" wss://Relay.Example.com/ ", "wss://relay.example.com"},
		{"WSS://relay.example.com:4443/nostr/", "wss://relay.example.com:4443/nostr"},
		{"wss://relay.example.com?x=1#frag", "wss://relay.example.com"},
		{"ws://localhost:7777", "ws://localhost:7777"},
		{"ws://[::1]:7777/", "ws://[::1]:7777"},
		{"ws://8.8.8.8", "ws://8.8.8.8"},
		{"https://relay.example.com", ""},
		{"relay.example.com", ""},
		{"wss://relay.internal", ""},
		{"wss://abc.onion", ""},
		{"ws://10.1.2.3", ""},
		{"ws://192.168.1.1:7777", ""},
		{"ws://169.254.169.254", ""},
		{"wss://nodots", ""},
		{"wss://", ""},
	}
	for _, tt := range tests {
		if got := NormalizeURL(tt.in); got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConnectRefused(t *testing.T) {
	// Grab a free port and release it so nothing is listening
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = Connect(context.Background(), "ws://"+addr, WithDialTimeout(time.Second))
	if !IsConnectionError(err) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
}

func TestConnectUnsafeURL(t *testing.T) {
	_, err := Connect(context.Background(), "ws://192.168.0.1:7777")
	if !errors.Is(err, ErrUnsafeURL) {
		t.Fatalf("expected ErrUnsafeURL, got %v", err)
	}
}

func TestPublishAccepted(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	id, _ := nostr.GenerateIdentity()
	l := dial(t, srv.URL)

	evt := signedNote(t, id, "hello", nil)
	res, err := l.Publish(context.Background(), evt)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if !res.Accepted || res.EventID != evt.ID || res.Relay != srv.URL {
		t.Errorf("unexpected result %+v", res)
	}
	if got := srv.Published(); len(got) != 1 || got[0].ID != evt.ID {
		t.Errorf("relay did not record the event: %+v", got)
	}
}

func TestPublishRejected(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()
	srv.SetMode(relaytest.Reject)

	id, _ := nostr.GenerateIdentity()
	l := dial(t, srv.URL)

	res, err := l.Publish(context.Background(), signedNote(t, id, "nope", nil))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if res.Accepted {
		t.Error("rejected publish reported as accepted")
	}
	if res.Message == "" {
		t.Error("expected relay message to be carried through")
	}
}

func TestPublishTimeoutIsNotAnError(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()
	srv.SetMode(relaytest.Silent)

	id, _ := nostr.GenerateIdentity()
	l := dial(t, srv.URL, WithPublishTimeout(150*time.Millisecond))

	start := time.Now()
	res, err := l.Publish(context.Background(), signedNote(t, id, "silence", nil))
	if err != nil {
		t.Fatalf("timeout should not be an error, got %v", err)
	}
	if res.Accepted {
		t.Error("timed out publish reported as accepted")
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("returned before timeout: %v", elapsed)
	}

	// The link stays usable after a timeout
	srv.SetMode(relaytest.Accept)
	res, err = l.Publish(context.Background(), signedNote(t, id, "again", nil))
	if err != nil || !res.Accepted {
		t.Errorf("link unusable after timeout: %+v %v", res, err)
	}
}

func TestPublishOnClosedLink(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	id, _ := nostr.GenerateIdentity()
	l := dial(t, srv.URL)
	l.Close()

	_, err := l.Publish(context.Background(), signedNote(t, id, "late", nil))
	if !IsConnectionError(err) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	l := dial(t, srv.URL)
	if err := l.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if !l.IsClosed() {
		t.Error("link not marked closed")
	}
}

func TestCloseAfterRelayDrop(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	l := dial(t, srv.URL)
	srv.DropConnections()

	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("link did not notice dropped connection")
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close on failed link returned %v", err)
	}
}

func TestSubscribeBacklogThenLive(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	author, _ := nostr.GenerateIdentity()
	recipient, _ := nostr.GenerateIdentity()
	pTag := [][]string{{"p", recipient.PubKeyHex()}}

	stored := signedNote(t, author, "stored", pTag)
	srv.Store(*stored)
	srv.Store(*signedNote(t, author, "not for us", nil))

	var mu sync.Mutex
	var got []string
	eose := make(chan struct{})
	live := make(chan struct{})
	eoseCount := 0

	l := dial(t, srv.URL)
	sub, err := l.Subscribe(context.Background(), types.Filter{
		Kinds: []int{types.KindNote},
		PTags: []string{recipient.PubKeyHex()},
	}, Handlers{
		OnEvent: func(evt *types.Event) {
			mu.Lock()
			got = append(got, evt.Content)
			n := len(got)
			mu.Unlock()
			if len(evt.RelaysSeen) != 1 || evt.RelaysSeen[0] != srv.URL {
				t.Errorf("RelaysSeen not set: %v", evt.RelaysSeen)
			}
			if n == 2 {
				close(live)
			}
		},
		OnEOSE: func() {
			eoseCount++
			close(eose)
		},
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	select {
	case <-eose:
	case <-time.After(2 * time.Second):
		t.Fatal("no EOSE")
	}

	srv.Broadcast(*signedNote(t, author, "live", pTag))

	select {
	case <-live:
	case <-time.After(2 * time.Second):
		t.Fatal("live event not delivered")
	}

	mu.Lock()
	if len(got) != 2 || got[0] != "stored" || got[1] != "live" {
		t.Errorf("unexpected delivery order: %v", got)
	}
	mu.Unlock()

	sub.Close()
	sub.Close()
	if eoseCount != 1 {
		t.Errorf("OnEOSE fired %d times", eoseCount)
	}
}

func TestSlowHandlerDoesNotStallLink(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	author, _ := nostr.GenerateIdentity()
	recipient, _ := nostr.GenerateIdentity()
	pTag := [][]string{{"p", recipient.PubKeyHex()}}
	const backlog = 300
	for i := 0; i < backlog; i++ {
		srv.Store(*signedNote(t, author, fmt.Sprintf("stored %d", i), pTag))
	}

	release := make(chan struct{})
	started := make(chan struct{})
	var startOnce sync.Once
	var mu sync.Mutex
	got := 0
	eoseAt := -1
	eose := make(chan struct{})

	l := dial(t, srv.URL)
	_, err := l.Subscribe(context.Background(), types.Filter{
		Kinds: []int{types.KindNote},
		PTags: []string{recipient.PubKeyHex()},
	}, Handlers{
		OnEvent: func(evt *types.Event) {
			startOnce.Do(func() { close(started) })
			<-release
			mu.Lock()
			got++
			mu.Unlock()
		},
		OnEOSE: func() {
			mu.Lock()
			eoseAt = got
			mu.Unlock()
			close(eose)
		},
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never called")
	}

	// The handler is stuck while the whole backlog and EOSE arrive
	res, err := l.Publish(context.Background(), signedNote(t, author, "unrelated", nil))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if !res.Accepted {
		t.Fatalf("publish on a link with a slow subscriber was not accepted: %+v", res)
	}

	close(release)
	select {
	case <-eose:
	case <-time.After(5 * time.Second):
		t.Fatal("EOSE not delivered after handler caught up")
	}
	mu.Lock()
	defer mu.Unlock()
	if got != backlog || eoseAt != backlog {
		t.Errorf("delivered %d events, EOSE after %d; want %d for both", got, eoseAt, backlog)
	}
}

func TestSubscriptionCloseSendsClose(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	l := dial(t, srv.URL)
	sub, err := l.Subscribe(context.Background(), types.Filter{Kinds: []int{types.KindNote}}, Handlers{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	sub.Close()
	sub.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if closes := srv.Closes(); len(closes) == 1 && closes[0] == sub.ID {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("relay saw CLOSE messages %v, want exactly [%s]", srv.Closes(), sub.ID)
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	l := dial(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := l.Subscribe(ctx, types.Filter{Kinds: []int{types.KindNote}}, Handlers{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription outlived its context")
	}
	if l.IsClosed() {
		t.Error("cancelling a subscription closed the link")
	}
}

func TestPoolSharesLinks(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	p := NewPool()
	defer p.Close()

	var wg sync.WaitGroup
	links := make([]*Link, 8)
	for i := range links {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := p.Get(context.Background(), srv.URL)
			if err != nil {
				t.Errorf("Get failed: %v", err)
				return
			}
			links[i] = l
		}(i)
	}
	wg.Wait()

	for _, l := range links[1:] {
		if l != links[0] {
			t.Fatal("pool dialed more than one link for the same relay")
		}
	}
	if n := len(p.Links()); n != 1 {
		t.Errorf("expected 1 open link, got %d", n)
	}
}

func TestPoolPublishAllMixedOutcomes(t *testing.T) {
	good := relaytest.NewServer()
	defer good.Close()
	bad := relaytest.NewServer()
	defer bad.Close()
	bad.SetMode(relaytest.Reject)

	p := NewPool(WithDialTimeout(time.Second))
	defer p.Close()

	id, _ := nostr.GenerateIdentity()
	evt := signedNote(t, id, "fan out", nil)
	relays := []string{bad.URL, good.URL, "ws://10.0.0.1:1"}

	results := p.PublishAll(context.Background(), relays, evt)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Accepted || !results[1].Accepted || results[2].Accepted {
		t.Errorf("unexpected outcomes: %+v", results)
	}
	for i, r := range results {
		if r.Relay != relays[i] {
			t.Errorf("result %d is for %s, want %s", i, r.Relay, relays[i])
		}
	}
	if results[2].Message == "" {
		t.Error("connection failure should carry a message")
	}
}

func TestPoolClose(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	p := NewPool()
	l, err := p.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	p.Close()
	p.Close()

	if !l.IsClosed() {
		t.Error("pool close left link open")
	}
	if _, err := p.Get(context.Background(), srv.URL); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
}

func TestMatches(t *testing.T) {
	since := int64(100)
	evt := &types.Event{ID: "a", PubKey: "pk", Kind: 1, CreatedAt: 150, Tags: [][]string{{"p", "bob"}, {"d", "slug"}}}

	tests := []struct {
		name   string
		filter types.Filter
		want   bool
	}{
		{"empty", types.Filter{}, true},
		{"kind", types.Filter{Kinds: []int{1, 30023}}, true},
		{"wrong kind", types.Filter{Kinds: []int{24133}}, false},
		{"since", types.Filter{Since: &since}, true},
		{"p tag", types.Filter{PTags: []string{"bob"}}, true},
		{"wrong p tag", types.Filter{PTags: []string{"alice"}}, false},
		{"d tag", types.Filter{DTags: []string{"slug"}}, true},
		{"author", types.Filter{Authors: []string{"other"}}, false},
	}
	for _, tt := range tests {
		if got := Matches(tt.filter, evt); got != tt.want {
			t.Errorf("%s: Matches = %v, want %v", tt.name, got, tt.want)
		}
	}

	late := int64(200)
	if Matches(types.Filter{Since: &late}, evt) {
		t.Error("event older than since matched")
	}
}
