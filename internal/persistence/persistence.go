// Package persistence maps locally generated message ids to the ids a remote
// store assigns, and orders causally dependent creates.
//
// Every append stores a pending entry for its local id before any I/O starts.
// A later append that names that id as its parent waits on the entry and
// sends the parent's final remote id with its own create. Entries are only
// removed by the append that still owns them, so a stale failure never
// clobbers a newer append for the same id.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/jkaninda/threadvault/internal/remote"
)

// Option configures a MessagePersistence.
type Option func(*MessagePersistence)

// WithLogger sets the logger used for append/update/load diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(p *MessagePersistence) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// MessagePersistence persists locally identified messages to a remote.Store.
// The id mapping is private to one instance. Safe for concurrent use.
type MessagePersistence struct {
	store  remote.Store
	logger *slog.Logger

	mu  sync.Mutex
	ids map[string]*entry
}

// New creates a MessagePersistence over store.
func New(store remote.Store, opts ...Option) *MessagePersistence {
	p := &MessagePersistence{
		store:  store,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		ids:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AppendAsync starts persisting a message and returns immediately.
//
// The mapping entry for messageID is in place when AppendAsync returns, so an
// AppendAsync for a child issued afterwards waits for this one. parentID ""
// denotes a root message. A parent with no mapping entry is sent as-is, on the
// assumption that it already is a remote id.
//
// Calling AppendAsync again for the same messageID replaces the entry; the
// older task can then neither clean up nor overwrite the mapping.
func (p *MessagePersistence) AppendAsync(ctx context.Context, threadID, messageID, parentID, format string, content json.RawMessage) Pending {
	if messageID == "" {
		return Failed(errors.Join(remote.ErrInvalidRequest, errors.New("message id is required")))
	}

	task := newPending()

	p.mu.Lock()
	var parent *entry
	if parentID != "" {
		parent = p.ids[parentID]
	}
	p.ids[messageID] = task
	p.mu.Unlock()

	go p.run(ctx, task, parent, threadID, messageID, parentID, format, content)
	return task
}

// Append persists a message and blocks until the store has assigned its id.
func (p *MessagePersistence) Append(ctx context.Context, threadID, messageID, parentID, format string, content json.RawMessage) error {
	_, err := p.AppendAsync(ctx, threadID, messageID, parentID, format, content).Wait(ctx)
	return err
}

func (p *MessagePersistence) run(ctx context.Context, task, parent *entry, threadID, messageID, parentID, format string, content json.RawMessage) {
	remoteParent, err := p.resolveParent(ctx, parent, parentID)
	if err != nil {
		p.fail(task, threadID, messageID, err)
		return
	}

	resp, err := p.store.Create(ctx, threadID, remote.CreateRequest{
		ParentID: remote.ParentRef(remoteParent),
		Format:   format,
		Content:  content,
	})
	if err == nil && resp.MessageID == "" {
		err = fmt.Errorf("store returned an empty id for message %s", messageID)
	}
	if err != nil {
		p.fail(task, threadID, messageID, err)
		return
	}

	task.resolve(resp.MessageID, nil)
	p.logger.Debug("message persisted",
		slog.String("thread_id", threadID),
		slog.String("message_id", messageID),
		slog.String("remote_id", resp.MessageID),
		slog.String("format", format),
	)
}

func (p *MessagePersistence) resolveParent(ctx context.Context, parent *entry, parentID string) (string, error) {
	if parentID == "" {
		return "", nil
	}
	if parent == nil {
		return parentID, nil
	}
	remoteID, err := parent.Wait(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return "", err
		}
		return "", &ParentError{ParentID: parentID, Err: err}
	}
	return remoteID, nil
}

// fail removes the entry if this task still owns it, then settles the task.
// Removal happens first so IsPersisted is false once a waiter sees the error.
func (p *MessagePersistence) fail(task *entry, threadID, messageID string, err error) {
	p.mu.Lock()
	if p.ids[messageID] == task {
		delete(p.ids, messageID)
	}
	p.mu.Unlock()

	task.resolve("", err)
	p.logger.Warn("message persist failed",
		slog.String("thread_id", threadID),
		slog.String("message_id", messageID),
		slog.String("error", err.Error()),
	)
}

// Update replaces the content of an already persisted (or in-flight) message.
// Returns ErrNotPersisted when messageID has no mapping entry.
func (p *MessagePersistence) Update(ctx context.Context, threadID, messageID, format string, content json.RawMessage) error {
	p.mu.Lock()
	e, ok := p.ids[messageID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("updating %s: %w", messageID, ErrNotPersisted)
	}

	remoteID, err := e.Wait(ctx)
	if err != nil {
		return err
	}

	if err := p.store.Update(ctx, threadID, remoteID, remote.UpdateRequest{Content: content}); err != nil {
		return err
	}
	p.logger.Debug("message updated",
		slog.String("thread_id", threadID),
		slog.String("message_id", messageID),
		slog.String("remote_id", remoteID),
		slog.String("format", format),
	)
	return nil
}

// IsPersisted reports whether messageID has a mapping entry, pending or resolved.
func (p *MessagePersistence) IsPersisted(messageID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.ids[messageID]
	return ok
}

// GetRemoteID waits for the remote id of messageID.
// The boolean is false when messageID has no mapping entry.
func (p *MessagePersistence) GetRemoteID(ctx context.Context, messageID string) (string, bool, error) {
	p.mu.Lock()
	e, ok := p.ids[messageID]
	p.mu.Unlock()
	if !ok {
		return "", false, nil
	}
	remoteID, err := e.Wait(ctx)
	if err != nil {
		return "", true, err
	}
	return remoteID, true, nil
}

// Load lists the thread's stored messages (filtered by format when non-empty)
// and marks every returned id as persisted. On error the mapping is untouched.
func (p *MessagePersistence) Load(ctx context.Context, threadID, format string) ([]remote.StoredMessage, error) {
	resp, err := p.store.List(ctx, threadID, remote.ListOptions{Format: format})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	for _, m := range resp.Messages {
		p.ids[m.ID] = resolved(m.ID)
	}
	p.mu.Unlock()

	p.logger.Debug("thread loaded",
		slog.String("thread_id", threadID),
		slog.String("format", format),
		slog.Int("messages", len(resp.Messages)),
	)
	return resp.Messages, nil
}

// Reset forgets every mapping entry. In-flight creates keep running but can
// no longer affect the mapping.
func (p *MessagePersistence) Reset() {
	p.mu.Lock()
	p.ids = make(map[string]*entry)
	p.mu.Unlock()
}
