package format

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/jkaninda/threadvault/internal/persistence"
	"github.com/jkaninda/threadvault/internal/remote"
	"github.com/jkaninda/threadvault/internal/storage/memory"
)

type note struct {
	ID   string
	Text string
}

type notePayload struct {
	Text string `json:"text"`
}

func noteAdapter(tag string) AdapterFuncs[note, notePayload] {
	return AdapterFuncs[note, notePayload]{
		Tag: tag,
		EncodeFunc: func(item Item[note]) notePayload {
			return notePayload{Text: item.Message.Text}
		},
		DecodeFunc: func(rec Stored[notePayload]) Item[note] {
			return Item[note]{ParentID: rec.ParentID, Message: note{ID: rec.ID, Text: rec.Content.Text}}
		},
		IDFunc: func(n note) string { return n.ID },
	}
}

type appendCall struct {
	threadID  string
	messageID string
	parentID  string
	format    string
	content   string
}

type donePending struct{ id string }

func (d donePending) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (d donePending) Wait(context.Context) (string, error) { return d.id, nil }

type fakePersister struct {
	mu        sync.Mutex
	appends   []appendCall
	records   []remote.StoredMessage
	loadedFor string
}

func (f *fakePersister) AppendAsync(_ context.Context, threadID, messageID, parentID, format string, content json.RawMessage) persistence.Pending {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends = append(f.appends, appendCall{threadID, messageID, parentID, format, string(content)})
	return donePending{id: "R-" + messageID}
}

func (f *fakePersister) Append(ctx context.Context, threadID, messageID, parentID, format string, content json.RawMessage) error {
	_, err := f.AppendAsync(ctx, threadID, messageID, parentID, format, content).Wait(ctx)
	return err
}

func (f *fakePersister) Load(_ context.Context, _ string, format string) ([]remote.StoredMessage, error) {
	f.loadedFor = format
	return f.records, nil
}

func (f *fakePersister) IsPersisted(messageID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.appends {
		if a.messageID == messageID {
			return true
		}
	}
	return false
}

type updatablePersister struct {
	fakePersister
	updates []appendCall
}

func (u *updatablePersister) Update(_ context.Context, threadID, messageID, format string, content json.RawMessage) error {
	u.updates = append(u.updates, appendCall{threadID: threadID, messageID: messageID, format: format, content: string(content)})
	return nil
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestAppendEncodesWithFormatTag(t *testing.T) {
	fp := &fakePersister{}
	p := New[note, notePayload](fp, noteAdapter("note/v1"))

	err := p.Append(context.Background(), "t1", Item[note]{ParentID: "n0", Message: note{ID: "n1", Text: "hi"}})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(fp.appends) != 1 {
		t.Fatalf("appends = %d, want 1", len(fp.appends))
	}
	got := fp.appends[0]
	if got.messageID != "n1" || got.parentID != "n0" || got.format != "note/v1" {
		t.Errorf("unexpected append %+v", got)
	}
	if got.content != `{"text":"hi"}` {
		t.Errorf("content = %s", got.content)
	}
	if !p.IsPersisted("n1") {
		t.Error("IsPersisted should pass through")
	}
}

func TestLoadFiltersForeignFormatsAndReturnsRootFirst(t *testing.T) {
	fp := &fakePersister{records: []remote.StoredMessage{
		{ID: "c", ParentID: remote.ParentRef("b"), Format: "note/v1", Content: raw(t, notePayload{Text: "third"})},
		{ID: "x", Format: "other/v1", Content: raw(t, map[string]int{"n": 1})},
		{ID: "b", ParentID: remote.ParentRef("a"), Format: "note/v1", Content: raw(t, notePayload{Text: "second"})},
		{ID: "a", Format: "note/v1", Content: raw(t, notePayload{Text: "first"})},
	}}
	p := New[note, notePayload](fp, noteAdapter("note/v1"))

	items, err := p.Load(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fp.loadedFor != "note/v1" {
		t.Errorf("Load asked for format %q", fp.loadedFor)
	}
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}
	want := []struct{ id, parent, text string }{
		{"a", "", "first"},
		{"b", "a", "second"},
		{"c", "b", "third"},
	}
	for i, w := range want {
		got := items[i]
		if got.Message.ID != w.id || got.ParentID != w.parent || got.Message.Text != w.text {
			t.Errorf("items[%d] = %+v, want %+v", i, got, w)
		}
	}
}

func TestLoadReportsUndecodableContent(t *testing.T) {
	fp := &fakePersister{records: []remote.StoredMessage{
		{ID: "a", Format: "note/v1", Content: json.RawMessage(`[1,2]`)},
	}}
	p := New[note, notePayload](fp, noteAdapter("note/v1"))

	_, err := p.Load(context.Background(), "t1")
	var ce *CodecError
	if !errors.As(err, &ce) || ce.MessageID != "a" {
		t.Fatalf("err = %v, want *CodecError for a", err)
	}
}

func TestUpdateUnsupported(t *testing.T) {
	p := New[note, notePayload](&fakePersister{}, noteAdapter("note/v1"))
	if p.CanUpdate() {
		t.Fatal("CanUpdate should be false")
	}
	err := p.Update(context.Background(), "t1", Item[note]{Message: note{ID: "n1"}}, "n1")
	if !errors.Is(err, ErrUpdateUnsupported) {
		t.Fatalf("err = %v, want ErrUpdateUnsupported", err)
	}
}

func TestUpdateDelegatesWithSuppliedID(t *testing.T) {
	up := &updatablePersister{}
	p := New[note, notePayload](up, noteAdapter("note/v1"))
	if !p.CanUpdate() {
		t.Fatal("CanUpdate should be true")
	}

	err := p.Update(context.Background(), "t1", Item[note]{Message: note{ID: "", Text: "edited"}}, "n1")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(up.updates) != 1 {
		t.Fatalf("updates = %d", len(up.updates))
	}
	got := up.updates[0]
	if got.messageID != "n1" || got.format != "note/v1" || got.content != `{"text":"edited"}` {
		t.Errorf("unexpected update %+v", got)
	}
}

func TestEncodeErrorNeverReachesPersister(t *testing.T) {
	fp := &fakePersister{}
	adapter := AdapterFuncs[note, any]{
		Tag:        "bad/v1",
		EncodeFunc: func(Item[note]) any { return func() {} },
		DecodeFunc: func(Stored[any]) Item[note] { return Item[note]{} },
		IDFunc:     func(n note) string { return n.ID },
	}
	p := New[note, any](fp, adapter)

	err := p.Append(context.Background(), "t1", Item[note]{Message: note{ID: "n1"}})
	var ce *CodecError
	if !errors.As(err, &ce) || ce.MessageID != "n1" {
		t.Fatalf("err = %v, want *CodecError", err)
	}
	if _, werr := p.AppendAsync(context.Background(), "t1", Item[note]{Message: note{ID: "n2"}}).Wait(context.Background()); werr == nil {
		t.Fatal("AppendAsync should fail too")
	}
	if len(fp.appends) != 0 {
		t.Errorf("persister saw %d appends", len(fp.appends))
	}
}

func TestTwoFormatsShareOnePersistence(t *testing.T) {
	ctx := context.Background()
	core := persistence.New(memory.New())
	notes := New[note, notePayload](core, noteAdapter("note/v1"))
	drafts := New[note, notePayload](core, noteAdapter("draft/v1"))

	if err := notes.Append(ctx, "t1", Item[note]{Message: note{ID: "n1", Text: "root"}}); err != nil {
		t.Fatalf("Append n1: %v", err)
	}
	if err := drafts.Append(ctx, "t1", Item[note]{ParentID: "n1", Message: note{ID: "d1", Text: "draft"}}); err != nil {
		t.Fatalf("Append d1: %v", err)
	}
	if err := notes.Append(ctx, "t1", Item[note]{ParentID: "n1", Message: note{ID: "n2", Text: "reply"}}); err != nil {
		t.Fatalf("Append n2: %v", err)
	}

	items, err := notes.Load(ctx, "t1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if items[0].Message.Text != "root" || items[1].Message.Text != "reply" {
		t.Errorf("unexpected order: %+v", items)
	}
	if items[1].ParentID != items[0].Message.ID {
		t.Errorf("reply parent = %q, want %q", items[1].ParentID, items[0].Message.ID)
	}
}
