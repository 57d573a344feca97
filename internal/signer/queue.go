package signer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"nostr-publisher/internal/metrics"
	"nostr-publisher/internal/nostr"
	"nostr-publisher/internal/types"
)

const (
	DefaultDelay   = 250 * time.Millisecond
	DefaultTimeout = 30 * time.Second
	DefaultRetries = 2
	DefaultBackoff = 1 * time.Second
)

// Signer signs one event. *Client implements it.
type Signer interface {
	SignEvent(ctx context.Context, u types.UnsignedEvent) (*types.Event, error)
}

// Options tune a Queue. Zero values take the defaults; a negative Retries
// disables retrying.
type Options struct {
	Delay   time.Duration // settle time after each request completes
	Timeout time.Duration // per attempt
	Retries int           // extra attempts after the first
	Backoff time.Duration // wait between attempts

	// StopOn closes the queue when it is closed, typically Session.Done()
	StopOn <-chan struct{}

	Logger *slog.Logger
}

func (o *Options) withDefaults() {
	if o.Delay <= 0 {
		o.Delay = DefaultDelay
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Retries == 0 {
		o.Retries = DefaultRetries
	} else if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type result struct {
	evt *types.Event
	err error
}

type request struct {
	ctx   context.Context
	event types.UnsignedEvent
	reply chan result
}

// Queue serializes signing requests: FIFO, one in flight, with a settle
// delay between requests. Signers commonly prompt the user per request and
// drop requests that arrive while a prompt is open.
type Queue struct {
	signer Signer
	opts   Options
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending []*request
	closed  bool
	wake    chan struct{}

	// dispatcher only
	lastDone  time.Time
	lastStamp int64
}

// NewQueue starts the dispatcher goroutine. Call Close to stop it.
func NewQueue(signer Signer, opts Options) *Queue {
	opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		signer: signer,
		opts:   opts,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
	go q.dispatch()
	if opts.StopOn != nil {
		go func() {
			select {
			case <-opts.StopOn:
				q.Close()
			case <-ctx.Done():
			}
		}()
	}
	return q
}

// Enqueue waits for u to be signed. A zero CreatedAt is stamped when the
// request is dispatched.
func (q *Queue) Enqueue(ctx context.Context, u types.UnsignedEvent) (*types.Event, error) {
	req := &request{ctx: ctx, event: u, reply: make(chan result, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.pending = append(q.pending, req)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case r := <-req.reply:
		return r.evt, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.ctx.Done():
		return nil, ErrQueueClosed
	}
}

// Len returns the number of requests waiting to be dispatched
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close rejects waiting and future requests with ErrQueueClosed and aborts
// the one in flight. Idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	q.cancel()
	for _, req := range pending {
		req.reply <- result{err: ErrQueueClosed}
	}
	return nil
}

func (q *Queue) next() *request {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			req := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return req
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.ctx.Done():
			return nil
		}
	}
}

func (q *Queue) dispatch() {
	for {
		req := q.next()
		if req == nil {
			return
		}
		if req.ctx.Err() != nil {
			req.reply <- result{err: req.ctx.Err()}
			continue
		}

		if wait := q.opts.Delay - time.Since(q.lastDone); !q.lastDone.IsZero() && wait > 0 {
			if err := q.sleep(req.ctx, wait); err != nil {
				req.reply <- result{err: err}
				continue
			}
		}

		evt, err := q.sign(req)
		q.lastDone = time.Now()
		req.reply <- result{evt: evt, err: err}
	}
}

// sleep waits d, returning early with ErrQueueClosed or ctx's error
func (q *Queue) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-q.ctx.Done():
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) stamp(u *types.UnsignedEvent) {
	if u.CreatedAt != 0 {
		return
	}
	// Strictly increasing so events signed within one second keep their order
	now := time.Now().Unix()
	if now <= q.lastStamp {
		now = q.lastStamp + 1
	}
	u.CreatedAt = now
	q.lastStamp = now
}

func (q *Queue) sign(req *request) (*types.Event, error) {
	u := req.event
	q.stamp(&u)

	metrics.SigningRequests.Add(1)
	metrics.SigningInFlight.Add(1)
	defer metrics.SigningInFlight.Add(-1)

	var lastErr error
	for attempt := 0; attempt <= q.opts.Retries; attempt++ {
		if attempt > 0 {
			metrics.SigningRetries.Add(1)
			q.log.Warn("retrying signing request", "kind", u.Kind, "attempt", attempt+1, "error", lastErr)
			if err := q.sleep(req.ctx, q.opts.Backoff); err != nil {
				lastErr = err
				break
			}
		}

		evt, err := q.attempt(req.ctx, u)
		if err == nil {
			q.log.Debug("event signed", "event_id", nostr.ShortID(evt.ID), "kind", evt.Kind, "attempts", attempt+1)
			return evt, nil
		}
		lastErr = err
		if errors.Is(err, ErrQueueClosed) || req.ctx.Err() != nil {
			break
		}
	}

	metrics.SigningFailures.Add(1)
	q.log.Error("signing failed", "kind", u.Kind, "error", lastErr)
	return nil, lastErr
}

func (q *Queue) attempt(ctx context.Context, u types.UnsignedEvent) (*types.Event, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, q.opts.Timeout)
	defer cancel()
	stop := context.AfterFunc(q.ctx, cancel)
	defer stop()

	evt, err := q.signer.SignEvent(attemptCtx, u)
	switch {
	case err == nil:
		return evt, nil
	case q.ctx.Err() != nil:
		return nil, ErrQueueClosed
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case attemptCtx.Err() == context.DeadlineExceeded:
		return nil, ErrSigningTimeout
	}
	return nil, err
}
