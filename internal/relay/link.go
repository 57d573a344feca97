// Package relay manages websocket links to Nostr relays (NIP-01).
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"nostr-publisher/internal/metrics"
	"nostr-publisher/internal/nostr"
	"nostr-publisher/internal/types"
)

const (
	DefaultDialTimeout    = 5 * time.Second
	DefaultPublishTimeout = 5 * time.Second

	pingInterval = 20 * time.Second
	readTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
)

type options struct {
	dialTimeout    time.Duration
	publishTimeout time.Duration
	pingInterval   time.Duration
	readTimeout    time.Duration
	logger         *slog.Logger
}

// Option tunes a Link
type Option func(*options)

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

func WithPublishTimeout(d time.Duration) Option {
	return func(o *options) { o.publishTimeout = d }
}

// WithKeepalive sets the ping interval and the read deadline extended by each pong
func WithKeepalive(ping, read time.Duration) Option {
	return func(o *options) {
		o.pingInterval = ping
		o.readTimeout = read
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{
		dialTimeout:    DefaultDialTimeout,
		publishTimeout: DefaultPublishTimeout,
		pingInterval:   pingInterval,
		readTimeout:    readTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

type okReply struct {
	accepted bool
	message  string
}

// Link is one websocket connection to one relay, multiplexing subscriptions
// and publishes.
type Link struct {
	url  string
	conn *websocket.Conn
	opts options
	log  *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	subs      map[string]*Subscription
	okWaiters map[string][]chan okReply
	closed    bool

	done      chan struct{}
	closeOnce sync.Once
	subSeq    atomic.Uint64
}

// Connect dials the relay. Refusal, unsafe destinations and dial timeouts
// are reported as *ConnectionError.
func Connect(ctx context.Context, relayURL string, opts ...Option) (*Link, error) {
	o := buildOptions(opts)

	if !IsRelayURLSafe(relayURL) {
		metrics.RelayConnectErrors.Add(1)
		return nil, &ConnectionError{URL: relayURL, Err: ErrUnsafeURL}
	}

	dialCtx, cancel := context.WithTimeout(ctx, o.dialTimeout)
	defer cancel()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: o.dialTimeout,
	}
	conn, _, err := dialer.DialContext(dialCtx, relayURL, nil)
	if err != nil {
		metrics.RelayConnectErrors.Add(1)
		return nil, &ConnectionError{URL: relayURL, Err: err}
	}

	l := &Link{
		url:       relayURL,
		conn:      conn,
		opts:      o,
		log:       o.logger.With("relay", relayURL),
		subs:      make(map[string]*Subscription),
		okWaiters: make(map[string][]chan okReply),
		done:      make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(o.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(o.readTimeout))
		return nil
	})

	go l.readLoop()
	go l.pingLoop()

	l.log.Debug("relay connected")
	return l, nil
}

// URL returns the relay URL this link was dialed with
func (l *Link) URL() string {
	return l.url
}

// Done is closed once the link is closed or has failed
func (l *Link) Done() <-chan struct{} {
	return l.done
}

func (l *Link) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close tears down the connection and every subscription on it.
// Safe to call repeatedly and on links whose connection already failed.
func (l *Link) Close() error {
	l.shutdown(nil)
	return nil
}

func (l *Link) shutdown(reason error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		subs := make([]*Subscription, 0, len(l.subs))
		for _, sub := range l.subs {
			subs = append(subs, sub)
		}
		l.subs = make(map[string]*Subscription)
		l.okWaiters = make(map[string][]chan okReply)
		l.mu.Unlock()

		close(l.done)

		if reason == nil {
			deadline := time.Now().Add(time.Second)
			l.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		} else {
			l.log.Warn("relay link failed", "error", reason)
		}
		l.conn.Close()

		for _, sub := range subs {
			sub.finish(false)
		}
	})
}

func (l *Link) writeJSON(v interface{}) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := l.conn.WriteJSON(v)
	if err != nil {
		go l.shutdown(err)
	}
	return err
}

func (l *Link) pingLoop() {
	ticker := time.NewTicker(l.opts.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := l.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				l.shutdown(fmt.Errorf("ping: %w", err))
				return
			}
		case <-l.done:
			return
		}
	}
}

// Publish sends the event and waits for the relay's OK. A relay that stays
// silent past the publish timeout yields Accepted=false without an error;
// a broken connection yields *ConnectionError.
func (l *Link) Publish(ctx context.Context, evt *types.Event) (types.PublishResult, error) {
	result := types.PublishResult{Relay: l.url, EventID: evt.ID}

	reply := make(chan okReply, 1)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return result, &ConnectionError{URL: l.url, Err: ErrLinkClosed}
	}
	l.okWaiters[evt.ID] = append(l.okWaiters[evt.ID], reply)
	l.mu.Unlock()
	defer l.removeWaiter(evt.ID, reply)

	if err := l.writeJSON([]interface{}{"EVENT", evt}); err != nil {
		return result, &ConnectionError{URL: l.url, Err: err}
	}

	timer := time.NewTimer(l.opts.publishTimeout)
	defer timer.Stop()

	select {
	case r := <-reply:
		result.Accepted = r.accepted
		result.Message = r.message
		return result, nil
	case <-timer.C:
		result.Message = "timeout waiting for OK"
		return result, nil
	case <-l.done:
		return result, &ConnectionError{URL: l.url, Err: ErrLinkClosed}
	case <-ctx.Done():
		return result, ctx.Err()
	}
}

func (l *Link) removeWaiter(eventID string, ch chan okReply) {
	l.mu.Lock()
	defer l.mu.Unlock()

	waiters := l.okWaiters[eventID]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(l.okWaiters, eventID)
	} else {
		l.okWaiters[eventID] = waiters
	}
}

// Subscribe sends a REQ for filter. Handlers run on a goroutine owned by the
// subscription. The subscription ends on Close, when ctx is done, when the
// relay sends CLOSED, or when the link goes away.
func (l *Link) Subscribe(ctx context.Context, filter types.Filter, h Handlers) (*Subscription, error) {
	sub := newSubscription(l, fmt.Sprintf("pub-%d", l.subSeq.Add(1)), filter, h)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, &ConnectionError{URL: l.url, Err: ErrLinkClosed}
	}
	l.subs[sub.ID] = sub
	l.mu.Unlock()

	if err := l.writeJSON([]interface{}{"REQ", sub.ID, encodeFilter(filter)}); err != nil {
		l.dropSub(sub.ID)
		return nil, &ConnectionError{URL: l.url, Err: err}
	}

	go sub.run()
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	l.log.Debug("subscription opened", "sub_id", sub.ID)
	return sub, nil
}

// dropSub removes the subscription and reports whether it was still registered
func (l *Link) dropSub(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.subs[id]
	delete(l.subs, id)
	return ok && !l.closed
}

func (l *Link) lookupSub(id string) *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subs[id]
}

// readLoop continuously reads from the connection and routes messages
func (l *Link) readLoop() {
	for {
		var msg []interface{}
		if err := l.conn.ReadJSON(&msg); err != nil {
			if l.IsClosed() {
				return
			}
			l.shutdown(fmt.Errorf("read: %w", err))
			return
		}
		l.conn.SetReadDeadline(time.Now().Add(l.opts.readTimeout))

		if len(msg) < 2 {
			continue
		}
		msgType, ok := msg[0].(string)
		if !ok {
			continue
		}

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			subID, _ := msg[1].(string)
			sub := l.lookupSub(subID)
			if sub == nil {
				continue
			}
			evt, ok := nostr.ParseEventFromInterface(msg[2])
			if !ok {
				continue
			}
			evt.RelaysSeen = []string{l.url}
			sub.deliver(&evt)

		case "EOSE":
			subID, _ := msg[1].(string)
			if sub := l.lookupSub(subID); sub != nil {
				sub.endOfStored()
			}

		case "OK":
			if len(msg) < 3 {
				continue
			}
			eventID, _ := msg[1].(string)
			accepted, _ := msg[2].(bool)
			var message string
			if len(msg) >= 4 {
				message, _ = msg[3].(string)
			}
			l.resolveOK(eventID, okReply{accepted: accepted, message: message})

		case "CLOSED":
			subID, _ := msg[1].(string)
			if len(msg) >= 3 {
				reason, _ := msg[2].(string)
				l.log.Info("subscription closed by relay", "sub_id", subID, "reason", reason)
			}
			if sub := l.lookupSub(subID); sub != nil {
				l.dropSub(subID)
				sub.finish(false)
			}

		case "NOTICE":
			notice, _ := msg[1].(string)
			l.log.Info("relay notice", "notice", notice)
		}
	}
}

func (l *Link) resolveOK(eventID string, r okReply) {
	l.mu.Lock()
	waiters := l.okWaiters[eventID]
	delete(l.okWaiters, eventID)
	l.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- r:
		default:
		}
	}
}
