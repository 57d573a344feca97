package relay

import (
	"sync"

	"nostr-publisher/internal/metrics"
	"nostr-publisher/internal/types"
)

// maxPendingDeliveries bounds how far a handler may fall behind before the
// subscription is ended
const maxPendingDeliveries = 8192

// Handlers receive a subscription's traffic. Either may be nil.
type Handlers struct {
	OnEvent func(evt *types.Event)
	OnEOSE  func()
}

type delivery struct {
	evt  *types.Event
	eose bool
}

// Subscription represents an active REQ on a relay link
type Subscription struct {
	ID string

	link     *Link
	filter   types.Filter
	handlers Handlers

	mu         sync.Mutex
	pending    []delivery
	eoseQueued bool
	overflowed bool
	wake       chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(l *Link, id string, filter types.Filter, h Handlers) *Subscription {
	return &Subscription{
		ID:       id,
		link:     l,
		filter:   filter,
		handlers: h,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Done is closed when the subscription ends for any reason
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close sends CLOSE to the relay and stops delivery. Idempotent.
func (s *Subscription) Close() {
	s.finish(true)
}

func (s *Subscription) finish(sendClose bool) {
	s.closeOnce.Do(func() {
		close(s.done)
		if sendClose && s.link.dropSub(s.ID) {
			// Best effort, the connection may already be gone
			s.link.writeJSON([]interface{}{"CLOSE", s.ID})
		}
	})
}

// push queues d for the handler goroutine. It never blocks: the caller is
// the link's read loop, which also serves OK replies and other subscriptions.
func (s *Subscription) push(d delivery) {
	s.mu.Lock()
	if s.overflowed {
		s.mu.Unlock()
		return
	}
	if d.eose {
		if s.eoseQueued {
			s.mu.Unlock()
			return
		}
		s.eoseQueued = true
	} else if len(s.pending) >= maxPendingDeliveries {
		s.overflowed = true
		s.mu.Unlock()
		metrics.OverflowedSubs.Add(1)
		s.link.log.Warn("subscription handler fell behind, closing subscription",
			"sub_id", s.ID, "pending", maxPendingDeliveries)
		go s.Close()
		return
	}
	s.pending = append(s.pending, d)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) deliver(evt *types.Event) {
	s.push(delivery{evt: evt})
}

func (s *Subscription) endOfStored() {
	s.push(delivery{eose: true})
}

// next pops the oldest queued delivery, waiting for one if needed. It
// reports false once the subscription is done.
func (s *Subscription) next() (delivery, bool) {
	for {
		select {
		case <-s.done:
			return delivery{}, false
		default:
		}

		s.mu.Lock()
		if len(s.pending) > 0 {
			d := s.pending[0]
			s.pending[0] = delivery{}
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return d, true
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.done:
			return delivery{}, false
		}
	}
}

func (s *Subscription) run() {
	for {
		d, ok := s.next()
		if !ok {
			return
		}
		if d.eose {
			if s.handlers.OnEOSE != nil {
				s.handlers.OnEOSE()
			}
			continue
		}
		if s.handlers.OnEvent != nil && Matches(s.filter, d.evt) {
			s.handlers.OnEvent(d.evt)
		}
	}
}
