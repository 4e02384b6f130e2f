// Package memory provides an in-memory message store. Data is lost on restart.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jkaninda/threadvault/internal/remote"
	"github.com/jkaninda/threadvault/internal/storage"
)

// Store is a thread-safe in-memory remote.Store.
type Store struct {
	mu      sync.RWMutex
	threads map[string][]*remote.StoredMessage // creation order
	now     func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		threads: make(map[string][]*remote.StoredMessage),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) find(threadID, messageID string) *remote.StoredMessage {
	for _, m := range s.threads[threadID] {
		if m.ID == messageID {
			return m
		}
	}
	return nil
}

func (s *Store) Create(_ context.Context, threadID string, req remote.CreateRequest) (remote.CreateResponse, error) {
	if threadID == "" {
		return remote.CreateResponse{}, errors.Join(remote.ErrInvalidRequest, errors.New("thread id is required"))
	}
	if err := req.Validate(); err != nil {
		return remote.CreateResponse{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ParentID != nil && s.find(threadID, *req.ParentID) == nil {
		return remote.CreateResponse{}, fmt.Errorf("parent %s in thread %s: %w", *req.ParentID, threadID, remote.ErrParentNotFound)
	}

	now := s.now()
	msg := &remote.StoredMessage{
		ID:        remote.NewMessageID(),
		ParentID:  req.ParentID,
		Format:    req.Format,
		Content:   slices.Clone(req.Content),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.threads[threadID] = append(s.threads[threadID], msg)
	return remote.CreateResponse{MessageID: msg.ID}, nil
}

func (s *Store) Update(_ context.Context, threadID, messageID string, req remote.UpdateRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.find(threadID, messageID)
	if msg == nil {
		return fmt.Errorf("message %s in thread %s: %w", messageID, threadID, remote.ErrMessageNotFound)
	}
	msg.Content = slices.Clone(req.Content)
	msg.UpdatedAt = s.now()
	return nil
}

// List returns copies of the thread's messages, newest first.
func (s *Store) List(_ context.Context, threadID string, opts remote.ListOptions) (remote.ListResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.threads[threadID]
	out := make([]remote.StoredMessage, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if opts.Format != "" && m.Format != opts.Format {
			continue
		}
		cp := *m
		cp.Content = slices.Clone(m.Content)
		out = append(out, cp)
	}
	return remote.ListResponse{Messages: out}, nil
}

func (s *Store) Migrate(context.Context) error { return nil }

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) Driver() string { return storage.DriverMemory }

var _ storage.Store = (*Store)(nil)
