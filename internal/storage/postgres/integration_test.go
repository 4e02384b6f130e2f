//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/threadvault/internal/remote"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return db
}

func testThread(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("test-%s", uuid.New().String()[:8])
}

func TestMessageRepository_CreateListUpdate(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()
	thread := testThread(t)

	root, err := store.Create(ctx, thread, remote.CreateRequest{Format: "chat/v1", Content: json.RawMessage(`{"text":"hi"}`)})
	if err != nil {
		t.Fatalf("creating root: %v", err)
	}
	child, err := store.Create(ctx, thread, remote.CreateRequest{ParentID: &root.MessageID, Format: "chat/v1", Content: json.RawMessage(`{"text":"hello"}`)})
	if err != nil {
		t.Fatalf("creating child: %v", err)
	}
	if _, err := store.Create(ctx, thread, remote.CreateRequest{Format: "stream/v1", Content: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("creating other format: %v", err)
	}

	resp, err := store.List(ctx, thread, remote.ListOptions{Format: "chat/v1"})
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(resp.Messages) != 2 {
		t.Fatalf("expected 2 chat messages, got %d", len(resp.Messages))
	}
	if resp.Messages[0].ID != child.MessageID || resp.Messages[1].ID != root.MessageID {
		t.Error("expected newest-first order")
	}
	if remote.ParentValue(resp.Messages[0].ParentID) != root.MessageID {
		t.Error("child lost its parent reference")
	}

	if err := store.Update(ctx, thread, child.MessageID, remote.UpdateRequest{Content: json.RawMessage(`{"text":"edited"}`)}); err != nil {
		t.Fatalf("updating: %v", err)
	}
	resp, _ = store.List(ctx, thread, remote.ListOptions{Format: "chat/v1"})
	var body struct{ Text string }
	if err := json.Unmarshal(resp.Messages[0].Content, &body); err != nil || body.Text != "edited" {
		t.Errorf("expected edited content, got %s", resp.Messages[0].Content)
	}
}

func TestMessageRepository_ParentMustBeInThread(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()

	other, err := store.Create(ctx, testThread(t), remote.CreateRequest{Format: "chat/v1", Content: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("creating: %v", err)
	}
	_, err = store.Create(ctx, testThread(t), remote.CreateRequest{ParentID: &other.MessageID, Format: "chat/v1", Content: json.RawMessage(`{}`)})
	if !errors.Is(err, remote.ErrParentNotFound) {
		t.Fatalf("expected ErrParentNotFound, got %v", err)
	}

	err = store.Update(ctx, testThread(t), other.MessageID, remote.UpdateRequest{Content: json.RawMessage(`{}`)})
	if !errors.Is(err, remote.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestMessageRepository_ConcurrentCreates(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()
	thread := testThread(t)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	wg.Add(n)
	for i := range n {
		go func() {
			defer wg.Done()
			_, err := store.Create(ctx, thread, remote.CreateRequest{Format: "chat/v1", Content: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent create: %v", err)
		}
	}

	resp, err := store.List(ctx, thread, remote.ListOptions{})
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(resp.Messages) != n {
		t.Errorf("expected %d messages, got %d", n, len(resp.Messages))
	}
}
