package relay

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"nostr-publisher/internal/metrics"
	"nostr-publisher/internal/nostr"
	"nostr-publisher/internal/types"
)

// Pool manages links to multiple relays, one link per URL
type Pool struct {
	mu     sync.RWMutex
	links  map[string]*Link
	closed bool

	dials singleflight.Group
	opts  []Option
	log   *slog.Logger
}

// NewPool creates an empty pool; opts apply to every link it dials
func NewPool(opts ...Option) *Pool {
	o := buildOptions(opts)
	return &Pool{
		links: make(map[string]*Link),
		opts:  opts,
		log:   o.logger,
	}
}

// Get returns a live link to relayURL, dialing if needed. Concurrent callers
// for the same URL share one dial.
func (p *Pool) Get(ctx context.Context, relayURL string) (*Link, error) {
	if l, err := p.existing(relayURL); l != nil || err != nil {
		return l, err
	}

	v, err, _ := p.dials.Do(relayURL, func() (interface{}, error) {
		// Double-check after winning the dial
		if l, err := p.existing(relayURL); l != nil || err != nil {
			return l, err
		}

		p.log.Debug("pool: creating new connection", "relay", relayURL)
		l, err := Connect(ctx, relayURL, p.opts...)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			l.Close()
			return nil, ErrPoolClosed
		}
		p.links[relayURL] = l
		return l, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Link), nil
}

func (p *Pool) existing(relayURL string) (*Link, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if l := p.links[relayURL]; l != nil && !l.IsClosed() {
		return l, nil
	}
	return nil, nil
}

// Links returns the currently open links ordered by URL
func (p *Pool) Links() []*Link {
	p.mu.RLock()
	defer p.mu.RUnlock()

	links := make([]*Link, 0, len(p.links))
	for _, l := range p.links {
		if !l.IsClosed() {
			links = append(links, l)
		}
	}
	sort.Slice(links, func(i, j int) bool { return links[i].url < links[j].url })
	return links
}

// PublishAll publishes evt to every relay concurrently and returns one result
// per relay, in the order given. Connection failures become non-accepted
// results so callers only need to look at Accepted.
func (p *Pool) PublishAll(ctx context.Context, relays []string, evt *types.Event) []types.PublishResult {
	results := make([]types.PublishResult, len(relays))

	var wg sync.WaitGroup
	for i, relayURL := range relays {
		wg.Add(1)
		go func(i int, relayURL string) {
			defer wg.Done()

			res := types.PublishResult{Relay: relayURL, EventID: evt.ID}
			link, err := p.Get(ctx, relayURL)
			if err == nil {
				res, err = link.Publish(ctx, evt)
			}
			if err != nil {
				res.Accepted = false
				res.Message = err.Error()
			}
			metrics.RecordPublish(res.Accepted)

			p.log.Debug("publish result", "relay", relayURL, "event_id", nostr.ShortID(evt.ID),
				"accepted", res.Accepted, "message", res.Message)
			results[i] = res
		}(i, relayURL)
	}
	wg.Wait()

	return results
}

// Close closes every link; later Get calls fail with ErrPoolClosed.
// Idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	links := p.links
	p.links = make(map[string]*Link)
	p.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
	return nil
}
