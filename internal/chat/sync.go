package chat

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/threadvault/internal/format"
)

// RoleFunc returns the role of a message, used for role filtering.
type RoleFunc[M any] func(M) string

// PersistOptions controls a Persist call.
type PersistOptions struct {
	// Roles limits persistence to these roles. Empty persists every role.
	Roles []string
	// Strict makes Persist return the first append failure.
	Strict bool
}

// ErrorHandler is called for every failed append.
type ErrorHandler func(threadID, messageID string, err error)

type syncOptions struct {
	onError ErrorHandler
	logger  *slog.Logger
}

// SyncOption configures a Sync.
type SyncOption func(*syncOptions)

// OnError sets the handler for append failures.
func OnError(h ErrorHandler) SyncOption {
	return func(o *syncOptions) { o.onError = h }
}

// WithLogger sets the Sync logger.
func WithLogger(logger *slog.Logger) SyncOption {
	return func(o *syncOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Sync persists and loads whole conversations of M for one format.
type Sync[M, S any] struct {
	registry *Registry
	adapter  format.Adapter[M, S]
	roleOf   RoleFunc[M]
	opts     syncOptions
}

// NewSync creates a Sync over registry using adapter.
func NewSync[M, S any](registry *Registry, adapter format.Adapter[M, S], roleOf RoleFunc[M], opts ...SyncOption) *Sync[M, S] {
	o := syncOptions{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}
	return &Sync[M, S]{registry: registry, adapter: adapter, roleOf: roleOf, opts: o}
}

// Formatted returns the thread's formatted persistence.
func (s *Sync[M, S]) Formatted(threadID string) *format.Persistence[M, S] {
	return format.New(s.registry.Persistence(threadID), s.adapter)
}

// Persist appends every message that passes the role filter and is not yet
// persisted. The parent of each message is the closest earlier message in
// msgs that is persisted or appended by this call, so a filtered message never
// becomes a parent. All appends are issued in slice order before any is
// awaited. It returns the number of messages newly persisted.
func (s *Sync[M, S]) Persist(ctx context.Context, threadID string, msgs []M, opts PersistOptions) (int, error) {
	fp := s.Formatted(threadID)

	var (
		g         errgroup.Group
		persisted atomic.Int64
		parentID  string
	)
	for _, m := range msgs {
		id := s.adapter.ID(m)
		if fp.IsPersisted(id) {
			parentID = id
			continue
		}
		if len(opts.Roles) > 0 && !slices.Contains(opts.Roles, s.roleOf(m)) {
			continue
		}

		pending := fp.AppendAsync(ctx, threadID, format.Item[M]{ParentID: parentID, Message: m})
		parentID = id
		g.Go(func() error {
			if _, err := pending.Wait(ctx); err != nil {
				s.report(threadID, id, err)
				if opts.Strict {
					return err
				}
				return nil
			}
			persisted.Add(1)
			return nil
		})
	}

	err := g.Wait()
	return int(persisted.Load()), err
}

func (s *Sync[M, S]) report(threadID, messageID string, err error) {
	s.opts.logger.Warn("persisting message failed",
		slog.String("thread_id", threadID),
		slog.String("message_id", messageID),
		slog.String("error", err.Error()),
	)
	if s.opts.onError != nil {
		s.opts.onError(threadID, messageID, err)
	}
}

// LoadMessages returns the thread's messages root-first and marks them persisted.
func (s *Sync[M, S]) LoadMessages(ctx context.Context, threadID string) ([]M, error) {
	items, err := s.Formatted(threadID).Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	msgs := make([]M, len(items))
	for i, it := range items {
		msgs[i] = it.Message
	}
	return msgs, nil
}
