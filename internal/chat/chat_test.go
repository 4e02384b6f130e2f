package chat

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/threadvault/internal/persistence"
	"github.com/jkaninda/threadvault/internal/remote"
	"github.com/jkaninda/threadvault/internal/storage/memory"
)

// failingStore fails every create whose content contains marker.
type failingStore struct {
	*memory.Store
	marker []byte
}

var errRejected = errors.New("rejected")

func (s *failingStore) Create(ctx context.Context, threadID string, req remote.CreateRequest) (remote.CreateResponse, error) {
	if bytes.Contains(req.Content, s.marker) {
		return remote.CreateResponse{}, errRejected
	}
	return s.Store.Create(ctx, threadID, req)
}

func textMessage(id, role, text string) Message {
	return Message{ID: id, Role: role, Parts: []Part{{Type: "text", Text: text}}}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newSync(store remote.Store, opts ...SyncOption) (*Registry, *Sync[Message, Content]) {
	reg := NewRegistry(store, nil)
	return reg, NewSync(reg, Adapter(), MessageRole, opts...)
}

func listRootFirst(t *testing.T, store remote.Store, threadID string) []remote.StoredMessage {
	t.Helper()
	resp, err := store.List(context.Background(), threadID, remote.ListOptions{Format: Format})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	msgs := resp.Messages
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs
}

func TestPersistChainsParents(t *testing.T) {
	ctx := testContext(t)
	store := memory.New()
	_, s := newSync(store)

	msgs := []Message{
		textMessage("u1", "user", "hi"),
		textMessage("a1", "assistant", "hello"),
		textMessage("u2", "user", "bye"),
	}
	n, err := s.Persist(ctx, "t1", msgs, PersistOptions{})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if n != 3 {
		t.Fatalf("persisted %d, want 3", n)
	}

	stored := listRootFirst(t, store, "t1")
	if len(stored) != 3 {
		t.Fatalf("stored %d messages", len(stored))
	}
	if stored[0].ParentID != nil {
		t.Errorf("root has parent %v", *stored[0].ParentID)
	}
	for i := 1; i < len(stored); i++ {
		if stored[i].ParentID == nil || *stored[i].ParentID != stored[i-1].ID {
			t.Errorf("message %d parent = %v, want %s", i, stored[i].ParentID, stored[i-1].ID)
		}
	}
}

func TestPersistSkipsPersisted(t *testing.T) {
	ctx := testContext(t)
	store := memory.New()
	_, s := newSync(store)

	msgs := []Message{textMessage("u1", "user", "hi")}
	if _, err := s.Persist(ctx, "t1", msgs, PersistOptions{}); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	msgs = append(msgs, textMessage("a1", "assistant", "hello"))
	n, err := s.Persist(ctx, "t1", msgs, PersistOptions{})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if n != 1 {
		t.Errorf("second Persist stored %d, want 1", n)
	}

	stored := listRootFirst(t, store, "t1")
	if len(stored) != 2 {
		t.Fatalf("stored %d messages, want 2", len(stored))
	}
	if stored[1].ParentID == nil || *stored[1].ParentID != stored[0].ID {
		t.Error("new message is not chained to the persisted one")
	}
}

func TestPersistRoleFilter(t *testing.T) {
	ctx := testContext(t)
	store := memory.New()
	_, s := newSync(store)

	msgs := []Message{
		textMessage("u1", "user", "hi"),
		textMessage("s1", "system", "internal"),
		textMessage("a1", "assistant", "hello"),
	}
	n, err := s.Persist(ctx, "t1", msgs, PersistOptions{Roles: []string{"user", "assistant"}})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if n != 2 {
		t.Fatalf("persisted %d, want 2", n)
	}

	stored := listRootFirst(t, store, "t1")
	if len(stored) != 2 {
		t.Fatalf("stored %d messages, want 2", len(stored))
	}
	// The filtered system message never becomes a parent.
	if stored[1].ParentID == nil || *stored[1].ParentID != stored[0].ID {
		t.Error("assistant message should be chained to the user message")
	}
}

func TestPersistErrors(t *testing.T) {
	store := &failingStore{Store: memory.New(), marker: []byte("boom")}

	msgs := []Message{
		textMessage("u1", "user", "hi"),
		textMessage("a1", "assistant", "boom"),
		textMessage("u2", "user", "after"),
	}

	t.Run("lenient", func(t *testing.T) {
		var (
			mu     sync.Mutex
			failed = map[string]error{}
		)
		_, s := newSync(store, OnError(func(threadID, messageID string, err error) {
			mu.Lock()
			defer mu.Unlock()
			failed[messageID] = err
		}))

		n, err := s.Persist(testContext(t), "lenient", msgs, PersistOptions{})
		if err != nil {
			t.Fatalf("lenient Persist returned %v", err)
		}
		if n != 1 {
			t.Errorf("persisted %d, want 1", n)
		}

		mu.Lock()
		defer mu.Unlock()
		if !errors.Is(failed["a1"], errRejected) {
			t.Errorf("a1 error = %v", failed["a1"])
		}
		var pe *persistence.ParentError
		if !errors.As(failed["u2"], &pe) || !errors.Is(failed["u2"], errRejected) {
			t.Errorf("u2 error = %v, want ParentError wrapping the rejection", failed["u2"])
		}
	})

	t.Run("strict", func(t *testing.T) {
		_, s := newSync(store)
		_, err := s.Persist(testContext(t), "strict", msgs, PersistOptions{Strict: true})
		if !errors.Is(err, errRejected) {
			t.Fatalf("strict Persist error = %v", err)
		}
	})
}

func TestLoadMessagesThenPersist(t *testing.T) {
	ctx := testContext(t)
	store := memory.New()
	_, writer := newSync(store)

	msgs := []Message{
		textMessage("u1", "user", "hi"),
		textMessage("a1", "assistant", "hello"),
	}
	if _, err := writer.Persist(ctx, "t1", msgs, PersistOptions{}); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	// A fresh registry starts with an empty mapping, as after a restart.
	_, reader := newSync(store)
	loaded, err := reader.LoadMessages(ctx, "t1")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(loaded) != 2 || loaded[0].Parts[0].Text != "hi" || loaded[1].Parts[0].Text != "hello" {
		t.Fatalf("loaded = %+v", loaded)
	}

	n, err := reader.Persist(ctx, "t1", loaded, PersistOptions{})
	if err != nil {
		t.Fatalf("Persist loaded: %v", err)
	}
	if n != 0 {
		t.Errorf("re-persisting loaded messages stored %d", n)
	}

	loaded = append(loaded, textMessage("u2", "user", "more"))
	if n, _ := reader.Persist(ctx, "t1", loaded, PersistOptions{}); n != 1 {
		t.Errorf("persisted %d, want 1", n)
	}
	stored := listRootFirst(t, store, "t1")
	if len(stored) != 3 || *stored[2].ParentID != stored[1].ID {
		t.Error("continuation is not chained to the loaded history")
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(memory.New(), nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }

	p1 := reg.Persistence("t1")
	if reg.Persistence("t1") != p1 {
		t.Error("Persistence should return the same instance per thread")
	}
	if reg.Persistence("t2") == p1 {
		t.Error("threads must not share a persistence")
	}
	if reg.Len() != 2 {
		t.Errorf("Len = %d", reg.Len())
	}

	reg.Forget("t2")
	if reg.Len() != 1 {
		t.Errorf("Len after Forget = %d", reg.Len())
	}

	now = now.Add(10 * time.Minute)
	reg.Persistence("t3")
	if n := reg.EvictIdle(5 * time.Minute); n != 1 {
		t.Errorf("EvictIdle = %d, want 1", n)
	}
	if reg.Len() != 1 {
		t.Errorf("Len after EvictIdle = %d", reg.Len())
	}
	if reg.Persistence("t1") == p1 {
		t.Error("evicted thread should get a new persistence")
	}
}
