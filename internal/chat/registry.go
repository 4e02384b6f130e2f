// Package chat keeps one persistence per thread and synchronizes whole
// conversations with the remote store.
package chat

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/threadvault/internal/persistence"
	"github.com/jkaninda/threadvault/internal/remote"
)

type threadState struct {
	persistence *persistence.MessagePersistence
	lastUsed    time.Time
}

// Registry lazily creates one MessagePersistence per thread over a shared store.
type Registry struct {
	store  remote.Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	threads map[string]*threadState
}

// NewRegistry creates a Registry. A nil logger discards output.
func NewRegistry(store remote.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		store:   store,
		logger:  logger,
		now:     time.Now,
		threads: make(map[string]*threadState),
	}
}

// Persistence returns the thread's persistence, creating it on first use.
func (r *Registry) Persistence(threadID string) *persistence.MessagePersistence {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.threads[threadID]
	if !ok {
		st = &threadState{
			persistence: persistence.New(r.store,
				persistence.WithLogger(r.logger.With(slog.String("thread_id", threadID)))),
		}
		r.threads[threadID] = st
	}
	st.lastUsed = r.now()
	return st.persistence
}

// Forget resets and drops the thread's persistence.
func (r *Registry) Forget(threadID string) {
	r.mu.Lock()
	st, ok := r.threads[threadID]
	delete(r.threads, threadID)
	r.mu.Unlock()

	if ok {
		st.persistence.Reset()
	}
}

// EvictIdle forgets every thread not used within maxIdle and returns how many
// were dropped. A thread is reloaded from the store the next time it is used.
func (r *Registry) EvictIdle(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	var evicted []*threadState
	for id, st := range r.threads {
		if st.lastUsed.Before(cutoff) {
			evicted = append(evicted, st)
			delete(r.threads, id)
		}
	}
	r.mu.Unlock()

	for _, st := range evicted {
		st.persistence.Reset()
	}
	if len(evicted) > 0 {
		r.logger.Info("evicted idle threads", slog.Int("count", len(evicted)))
	}
	return len(evicted)
}

// Len returns the number of threads held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.threads)
}
