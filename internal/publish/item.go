// Package publish turns a batch of content items into signed events and
// publishes them to relays, checkpointing each item so an interrupted batch
// resumes where it stopped.
package publish

import (
	"fmt"
	"strings"

	"nostr-publisher/internal/nostr"
	"nostr-publisher/internal/types"
)

// Item kinds
const (
	KindNote    = "note"
	KindArticle = "article"
)

// Item is one piece of content to publish
type Item struct {
	ID          string   `yaml:"id" json:"id"`
	Kind        string   `yaml:"kind" json:"kind"`
	Title       string   `yaml:"title" json:"title"`
	Summary     string   `yaml:"summary" json:"summary"`
	Content     string   `yaml:"content" json:"content"`
	Image       string   `yaml:"image" json:"image"`
	Tags        []string `yaml:"tags" json:"tags"`
	PublishedAt int64    `yaml:"published_at" json:"published_at"`
}

// ItemID returns the item's stable identifier, derived from its content
// when no explicit ID is set.
func (it Item) ItemID() string {
	if it.ID != "" {
		return it.ID
	}
	return nostr.ContentHash([]byte(it.kind() + "\n" + it.Title + "\n" + it.Content))[:32]
}

func (it Item) kind() string {
	if it.Kind == "" {
		return KindNote
	}
	return strings.ToLower(it.Kind)
}

// TaskState is a publish task's position in its lifecycle
type TaskState int

const (
	StatePending TaskState = iota
	StateSigning
	StatePublishing
	StateComplete
	StateError
)

func (s TaskState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSigning:
		return "signing"
	case StatePublishing:
		return "publishing"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("TaskState(%d)", int(s))
}

func (s TaskState) terminal() bool {
	return s == StateComplete || s == StateError
}

// Task tracks one item through the pipeline. A task is only touched by the
// worker that owns it.
type Task struct {
	Item   Item
	ID     string
	Event  *types.Event
	Relays []types.PublishResult
	Err    error

	state TaskState
}

func NewTask(item Item) *Task {
	return &Task{Item: item, ID: item.ItemID()}
}

func (t *Task) State() TaskState {
	return t.state
}

// advance moves the task to the next state. Moves go one step forward, or
// to error from any non-terminal state.
func (t *Task) advance(to TaskState) error {
	if t.state.terminal() {
		return fmt.Errorf("task %s: already %s, cannot move to %s", t.ID, t.state, to)
	}
	if to != StateError && to != t.state+1 {
		return fmt.Errorf("task %s: invalid transition %s -> %s", t.ID, t.state, to)
	}
	t.state = to
	return nil
}

// fail records err and moves the task to error
func (t *Task) fail(err error) {
	t.Err = err
	if !t.state.terminal() {
		t.state = StateError
	}
}
