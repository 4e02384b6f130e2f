// Package remote defines the message store contract that threadvault persists to.
// Backends (in-memory, SQLite, PostgreSQL, HTTP) implement Store; the persistence
// core only ever talks to this interface.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrMessageNotFound is returned when an update targets an unknown message.
	ErrMessageNotFound = errors.New("message not found")
	// ErrParentNotFound is returned when a create references a parent the thread does not hold.
	ErrParentNotFound = errors.New("parent message not found")
	// ErrInvalidRequest is returned for malformed create/update/list input.
	ErrInvalidRequest = errors.New("invalid request")
)

// Store is the remote message store capability.
type Store interface {
	// Create stores a new message and returns the id assigned by the store.
	Create(ctx context.Context, threadID string, req CreateRequest) (CreateResponse, error)

	// Update replaces the content of an existing message.
	Update(ctx context.Context, threadID, messageID string, req UpdateRequest) error

	// List returns the thread's messages newest-first, optionally filtered by format.
	List(ctx context.Context, threadID string, opts ListOptions) (ListResponse, error)
}

// StoredMessage is a message record as returned by the store.
type StoredMessage struct {
	ID        string          `json:"id"`
	ParentID  *string         `json:"parent_id"`
	Format    string          `json:"format"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CreateRequest is the body of a create call. ParentID nil denotes a root message.
type CreateRequest struct {
	ParentID *string         `json:"parent_id"`
	Format   string          `json:"format"`
	Content  json.RawMessage `json:"content"`
}

// CreateResponse carries the store-assigned message id.
type CreateResponse struct {
	MessageID string `json:"message_id"`
}

// UpdateRequest is the body of an update call.
type UpdateRequest struct {
	Content json.RawMessage `json:"content"`
}

// ListOptions filters a list call. An empty Format returns every format.
type ListOptions struct {
	Format string `json:"format,omitempty"`
}

// ListResponse wraps the listed messages.
type ListResponse struct {
	Messages []StoredMessage `json:"messages"`
}

// Validate checks the fields every backend requires.
func (r CreateRequest) Validate() error {
	if r.Format == "" {
		return errors.Join(ErrInvalidRequest, errors.New("format is required"))
	}
	if len(r.Content) == 0 {
		return errors.Join(ErrInvalidRequest, errors.New("content is required"))
	}
	if !json.Valid(r.Content) {
		return errors.Join(ErrInvalidRequest, errors.New("content must be valid JSON"))
	}
	return nil
}

// Validate checks the update payload.
func (r UpdateRequest) Validate() error {
	if len(r.Content) == 0 || !json.Valid(r.Content) {
		return errors.Join(ErrInvalidRequest, errors.New("content must be valid JSON"))
	}
	return nil
}

// NewMessageID returns a ULID. ULIDs are lexicographically sortable, so ordering
// by id is ordering by creation time (monotonic within a millisecond).
func NewMessageID() string {
	return ulid.Make().String()
}

// ParentRef converts the "" = root convention into the nullable wire field.
func ParentRef(parentID string) *string {
	if parentID == "" {
		return nil
	}
	return &parentID
}

// ParentValue converts the nullable wire field back to "" = root.
func ParentValue(parentID *string) string {
	if parentID == nil {
		return ""
	}
	return *parentID
}
