// Package format layers a message codec over a persister so callers work in
// their own message types and never touch the stored payload shape.
//
// Several Persistence values with different format tags may share one
// persister; Load only returns records carrying the wrapper's own tag.
package format

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/jkaninda/threadvault/internal/persistence"
	"github.com/jkaninda/threadvault/internal/remote"
)

// ErrUpdateUnsupported is returned by Update when the wrapped persister has no Update.
var ErrUpdateUnsupported = errors.New("persister does not support update")

// CodecError reports a payload that could not be encoded or decoded.
type CodecError struct {
	MessageID string
	Err       error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("codec error for message %s: %v", e.MessageID, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// Item is a message together with the local id of its parent ("" for a root).
type Item[M any] struct {
	ParentID string
	Message  M
}

// Stored is a stored record with its content already decoded from JSON into S.
type Stored[S any] struct {
	ID       string
	ParentID string
	Format   string
	Content  S
}

// Adapter converts between local messages M and storage payloads S.
type Adapter[M, S any] interface {
	Format() string
	Encode(Item[M]) S
	Decode(Stored[S]) Item[M]
	ID(M) string
}

// AdapterFuncs builds an Adapter from plain functions.
type AdapterFuncs[M, S any] struct {
	Tag        string
	EncodeFunc func(Item[M]) S
	DecodeFunc func(Stored[S]) Item[M]
	IDFunc     func(M) string
}

func (a AdapterFuncs[M, S]) Format() string { return a.Tag }
func (a AdapterFuncs[M, S]) Encode(item Item[M]) S { return a.EncodeFunc(item) }
func (a AdapterFuncs[M, S]) Decode(rec Stored[S]) Item[M] { return a.DecodeFunc(rec) }
func (a AdapterFuncs[M, S]) ID(m M) string { return a.IDFunc(m) }

// Persister is the subset of *persistence.MessagePersistence the wrapper needs.
type Persister interface {
	AppendAsync(ctx context.Context, threadID, messageID, parentID, format string, content json.RawMessage) persistence.Pending
	Append(ctx context.Context, threadID, messageID, parentID, format string, content json.RawMessage) error
	Load(ctx context.Context, threadID, format string) ([]remote.StoredMessage, error)
	IsPersisted(messageID string) bool
}

// Updater is implemented by persisters that can replace stored content.
type Updater interface {
	Update(ctx context.Context, threadID, messageID, format string, content json.RawMessage) error
}

// Persistence persists messages of type M as payloads of type S.
type Persistence[M, S any] struct {
	persister Persister
	adapter   Adapter[M, S]
}

// New wraps persister with adapter.
func New[M, S any](persister Persister, adapter Adapter[M, S]) *Persistence[M, S] {
	return &Persistence[M, S]{persister: persister, adapter: adapter}
}

// Format returns the adapter's format tag.
func (p *Persistence[M, S]) Format() string { return p.adapter.Format() }

func (p *Persistence[M, S]) encode(item Item[M]) (string, json.RawMessage, error) {
	id := p.adapter.ID(item.Message)
	raw, err := json.Marshal(p.adapter.Encode(item))
	if err != nil {
		return id, nil, &CodecError{MessageID: id, Err: err}
	}
	return id, raw, nil
}

// AppendAsync encodes item and starts appending it. The mapping entry exists
// when AppendAsync returns.
func (p *Persistence[M, S]) AppendAsync(ctx context.Context, threadID string, item Item[M]) persistence.Pending {
	id, raw, err := p.encode(item)
	if err != nil {
		return persistence.Failed(err)
	}
	return p.persister.AppendAsync(ctx, threadID, id, item.ParentID, p.adapter.Format(), raw)
}

// Append encodes item and persists it, blocking until the store assigned an id.
func (p *Persistence[M, S]) Append(ctx context.Context, threadID string, item Item[M]) error {
	id, raw, err := p.encode(item)
	if err != nil {
		return err
	}
	return p.persister.Append(ctx, threadID, id, item.ParentID, p.adapter.Format(), raw)
}

// CanUpdate reports whether the wrapped persister supports Update.
func (p *Persistence[M, S]) CanUpdate() bool {
	_, ok := p.persister.(Updater)
	return ok
}

// Update re-encodes item and replaces the stored content of messageID.
// messageID is passed separately because a mutated message may no longer
// carry its original id.
func (p *Persistence[M, S]) Update(ctx context.Context, threadID string, item Item[M], messageID string) error {
	u, ok := p.persister.(Updater)
	if !ok {
		return ErrUpdateUnsupported
	}
	raw, err := json.Marshal(p.adapter.Encode(item))
	if err != nil {
		return &CodecError{MessageID: messageID, Err: err}
	}
	return u.Update(ctx, threadID, messageID, p.adapter.Format(), raw)
}

// Load returns the thread's messages in this format, root-first.
func (p *Persistence[M, S]) Load(ctx context.Context, threadID string) ([]Item[M], error) {
	tag := p.adapter.Format()
	records, err := p.persister.Load(ctx, threadID, tag)
	if err != nil {
		return nil, err
	}

	items := make([]Item[M], 0, len(records))
	for _, rec := range records {
		if rec.Format != tag {
			continue
		}
		var content S
		if err := json.Unmarshal(rec.Content, &content); err != nil {
			return nil, &CodecError{MessageID: rec.ID, Err: err}
		}
		items = append(items, p.adapter.Decode(Stored[S]{
			ID:       rec.ID,
			ParentID: remote.ParentValue(rec.ParentID),
			Format:   rec.Format,
			Content:  content,
		}))
	}

	// Stores list newest-first.
	slices.Reverse(items)
	return items, nil
}

// IsPersisted passes through to the wrapped persister.
func (p *Persistence[M, S]) IsPersisted(messageID string) bool {
	return p.persister.IsPersisted(messageID)
}
