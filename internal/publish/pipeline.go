package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"nostr-publisher/internal/metrics"
	"nostr-publisher/internal/nostr"
	"nostr-publisher/internal/recovery"
	"nostr-publisher/internal/types"
)

const (
	DefaultConcurrency = 3
	MaxConcurrency     = 16
)

var ErrInvalidConfig = errors.New("publish: invalid pipeline configuration")

// SigningQueue signs events one at a time. *signer.Queue implements it.
type SigningQueue interface {
	Enqueue(ctx context.Context, u types.UnsignedEvent) (*types.Event, error)
}

// Publisher fans an event out to relays. *relay.Pool implements it.
type Publisher interface {
	PublishAll(ctx context.Context, relays []string, evt *types.Event) []types.PublishResult
}

// PublishRejectedError means no relay accepted a signed event
type PublishRejectedError struct {
	ItemID  string
	EventID string
	Results []types.PublishResult
}

func (e *PublishRejectedError) Error() string {
	reasons := make([]string, 0, len(e.Results))
	for _, r := range e.Results {
		reasons = append(reasons, fmt.Sprintf("%s: %s", r.Relay, r.Message))
	}
	return fmt.Sprintf("item %s: no relay accepted event %s (%s)",
		e.ItemID, nostr.ShortID(e.EventID), strings.Join(reasons, "; "))
}

type Config struct {
	Queue       SigningQueue
	Publisher   Publisher
	Checkpoints recovery.CheckpointStore
	Relays      []string
	Concurrency int
	Logger      *slog.Logger
}

// Pipeline publishes batches of items
type Pipeline struct {
	queue       SigningQueue
	publisher   Publisher
	checkpoints recovery.CheckpointStore
	relays      []string
	workers     int
	log         *slog.Logger
}

func NewPipeline(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Queue == nil:
		return nil, fmt.Errorf("%w: no signing queue", ErrInvalidConfig)
	case cfg.Publisher == nil:
		return nil, fmt.Errorf("%w: no publisher", ErrInvalidConfig)
	case cfg.Checkpoints == nil:
		return nil, fmt.Errorf("%w: no checkpoint store", ErrInvalidConfig)
	case len(cfg.Relays) == 0:
		return nil, fmt.Errorf("%w: no relays", ErrInvalidConfig)
	}

	workers := cfg.Concurrency
	if workers <= 0 {
		workers = DefaultConcurrency
	}
	if workers > MaxConcurrency {
		workers = MaxConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Pipeline{
		queue:       cfg.Queue,
		publisher:   cfg.Publisher,
		checkpoints: cfg.Checkpoints,
		relays:      append([]string(nil), cfg.Relays...),
		workers:     workers,
		log:         cfg.Logger,
	}, nil
}

// Outcome is the result for one item of a batch
type Outcome struct {
	ItemID   string
	State    TaskState
	EventID  string
	Accepted []string // relays that accepted the event
	Err      error
}

// Report summarizes a batch run
type Report struct {
	BatchID  string
	Complete int
	Errors   int
	Skipped  int
	Outcomes []Outcome
}

// Failed lists the IDs of items that ended in error
func (r *Report) Failed() []string {
	var ids []string
	for _, o := range r.Outcomes {
		if o.State == StateError {
			ids = append(ids, o.ItemID)
		}
	}
	return ids
}

// Run publishes every item not yet checkpointed. Per-item failures are
// reported in the Report; Run itself fails only when the checkpoint store
// cannot be read. Failed items are not retried; run the batch again.
func (p *Pipeline) Run(ctx context.Context, items []Item) (*Report, error) {
	report := &Report{BatchID: uuid.New().String()}
	log := p.log.With("batch_id", report.BatchID)

	tasks, skipped, err := p.pending(ctx, items)
	if err != nil {
		return nil, err
	}
	report.Skipped = skipped
	metrics.TasksSkipped.Add(int64(skipped))

	if len(tasks) == 0 {
		log.Info("nothing to publish", "skipped", skipped)
		return report, nil
	}
	log.Info("publishing batch", "items", len(tasks), "skipped", skipped, "workers", p.workers)

	work := make(chan *Task)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(work)
		for _, t := range tasks {
			select {
			case work <- t:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})
	for i := 0; i < min(p.workers, len(tasks)); i++ {
		g.Go(func() error {
			for t := range work {
				p.process(gctx, log, t)
			}
			return nil
		})
	}
	g.Wait()

	for _, t := range tasks {
		if t.State() == StatePending {
			// Never dispatched because ctx ended
			err := ctx.Err()
			if err == nil {
				err = context.Canceled
			}
			t.fail(err)
		}
		o := Outcome{ItemID: t.ID, State: t.State(), Err: t.Err}
		if t.Event != nil {
			o.EventID = t.Event.ID
		}
		for _, r := range t.Relays {
			if r.Accepted {
				o.Accepted = append(o.Accepted, r.Relay)
			}
		}
		switch o.State {
		case StateComplete:
			report.Complete++
		case StateError:
			report.Errors++
		}
		report.Outcomes = append(report.Outcomes, o)
	}

	log.Info("batch finished", "complete", report.Complete, "errors", report.Errors, "skipped", report.Skipped)
	return report, nil
}

// pending drops items that are already published or repeated in the batch
func (p *Pipeline) pending(ctx context.Context, items []Item) ([]*Task, int, error) {
	var tasks []*Task
	skipped := 0
	seen := make(map[string]bool)
	for _, it := range items {
		t := NewTask(it)
		if seen[t.ID] {
			skipped++
			continue
		}
		seen[t.ID] = true

		done, err := p.checkpoints.IsPublished(ctx, t.ID)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read checkpoint for %s: %w", t.ID, err)
		}
		if done {
			skipped++
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, skipped, nil
}

func (p *Pipeline) process(ctx context.Context, log *slog.Logger, t *Task) {
	log = log.With("item_id", t.ID)
	if err := p.run(ctx, t); err != nil {
		t.fail(err)
		metrics.TasksError.Add(1)
		log.Warn("item failed", "state", t.State(), "error", err)
		return
	}
	metrics.TasksComplete.Add(1)
	log.Info("item published", "event_id", nostr.ShortID(t.Event.ID), "relays", len(t.Relays))
}

func (p *Pipeline) run(ctx context.Context, t *Task) error {
	unsigned, err := BuildUnsigned(t.Item)
	if err != nil {
		return err
	}

	if err := t.advance(StateSigning); err != nil {
		return err
	}
	evt, err := p.queue.Enqueue(ctx, unsigned)
	if err != nil {
		return fmt.Errorf("item %s: signing failed: %w", t.ID, err)
	}
	t.Event = evt

	if err := t.advance(StatePublishing); err != nil {
		return err
	}
	t.Relays = p.publisher.PublishAll(ctx, p.relays, evt)
	accepted := false
	for _, r := range t.Relays {
		accepted = accepted || r.Accepted
	}
	if !accepted {
		return &PublishRejectedError{ItemID: t.ID, EventID: evt.ID, Results: t.Relays}
	}

	if err := p.checkpoints.MarkPublished(ctx, t.ID); err != nil {
		return fmt.Errorf("item %s: published but checkpoint failed: %w", t.ID, err)
	}
	return t.advance(StateComplete)
}
