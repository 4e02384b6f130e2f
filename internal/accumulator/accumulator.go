// Package accumulator merges streamed message chunks into a stable list of
// messages, ordered by the first time each id was seen.
package accumulator

import (
	"maps"
	"sync"

	"github.com/google/uuid"
)

// Message is a chunk or merged message the accumulator can key by id.
type Message[M any] interface {
	MessageID() string
	WithMessageID(id string) M
}

// Metadata is per-message side data, merged key by key.
type Metadata map[string]any

// MergeFunc folds curr into prev. ok is false when curr is the first chunk for its id.
type MergeFunc[M any] func(prev M, ok bool, curr M) M

// Options configures an Accumulator. Zero values select the defaults.
type Options[M any] struct {
	InitialMessages []M
	// Merge defaults to replacing the previous value with the current chunk.
	Merge MergeFunc[M]
	// NewID assigns ids to chunks that have none. Defaults to uuid.NewString.
	NewID func() string
}

// Accumulator is safe for concurrent use. Returned slices and maps are copies.
type Accumulator[M Message[M]] struct {
	merge MergeFunc[M]
	newID func() string

	mu       sync.Mutex
	order    []string
	messages map[string]M
	metadata map[string]Metadata
}

// New creates an Accumulator seeded with opts.InitialMessages.
func New[M Message[M]](opts Options[M]) *Accumulator[M] {
	a := &Accumulator[M]{
		merge:    opts.Merge,
		newID:    opts.NewID,
		messages: make(map[string]M),
		metadata: make(map[string]Metadata),
	}
	if a.merge == nil {
		a.merge = func(_ M, _ bool, curr M) M { return curr }
	}
	if a.newID == nil {
		a.newID = uuid.NewString
	}
	for _, m := range opts.InitialMessages {
		a.upsert(m)
	}
	return a
}

func (a *Accumulator[M]) ensureID(m M) M {
	if m.MessageID() == "" {
		return m.WithMessageID(a.newID())
	}
	return m
}

// upsert must be called with mu held. It returns the id the chunk landed under.
func (a *Accumulator[M]) upsert(chunk M) string {
	chunk = a.ensureID(chunk)
	id := chunk.MessageID()
	prev, ok := a.messages[id]
	if !ok {
		a.order = append(a.order, id)
	}
	a.messages[id] = a.merge(prev, ok, chunk)
	return id
}

func (a *Accumulator[M]) snapshot() []M {
	out := make([]M, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.messages[id])
	}
	return out
}

// AddMessages merges each chunk into the entry for its id and returns all messages.
func (a *Accumulator[M]) AddMessages(chunks []M) []M {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range chunks {
		a.upsert(c)
	}
	return a.snapshot()
}

// AddMessageWithMetadata merges chunk and shallow-merges metadata into the
// entry's side data. Keys absent from metadata keep their previous values.
func (a *Accumulator[M]) AddMessageWithMetadata(chunk M, metadata Metadata) []M {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.upsert(chunk)
	merged := make(Metadata, len(a.metadata[id])+len(metadata))
	maps.Copy(merged, a.metadata[id])
	maps.Copy(merged, metadata)
	a.metadata[id] = merged
	return a.snapshot()
}

// Messages returns the merged messages in first-seen order.
func (a *Accumulator[M]) Messages() []M {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot()
}

// MetadataMap returns a copy of the per-id metadata.
func (a *Accumulator[M]) MetadataMap() map[string]Metadata {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]Metadata, len(a.metadata))
	for id, md := range a.metadata {
		out[id] = maps.Clone(md)
	}
	return out
}

// ReplaceMessages drops every message and all metadata, then seeds messages.
func (a *Accumulator[M]) ReplaceMessages(messages []M) []M {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
	for _, m := range messages {
		m = a.ensureID(m)
		id := m.MessageID()
		if _, ok := a.messages[id]; !ok {
			a.order = append(a.order, id)
		}
		a.messages[id] = m
	}
	return a.snapshot()
}

// Clear empties the accumulator.
func (a *Accumulator[M]) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
}

// Len returns the number of distinct message ids.
func (a *Accumulator[M]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.order)
}

func (a *Accumulator[M]) reset() {
	a.order = nil
	a.messages = make(map[string]M)
	a.metadata = make(map[string]Metadata)
}
