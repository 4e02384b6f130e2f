package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/jkaninda/threadvault/internal/remote"
)

// Compile-time interface check.
var _ remote.Store = (*MessageRepository)(nil)

// foreignKeyViolation is the PostgreSQL SQLSTATE for a broken FK reference.
const foreignKeyViolation = "23503"

// MessageRepository implements remote.Store with GORM.
// It runs unchanged on PostgreSQL and SQLite.
type MessageRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewMessageRepository creates a MessageRepository.
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Create inserts a message with a fresh ULID. A parent that is missing from the
// thread yields remote.ErrParentNotFound.
func (r *MessageRepository) Create(ctx context.Context, threadID string, req remote.CreateRequest) (remote.CreateResponse, error) {
	if threadID == "" {
		return remote.CreateResponse{}, errors.Join(remote.ErrInvalidRequest, errors.New("thread id is required"))
	}
	if err := req.Validate(); err != nil {
		return remote.CreateResponse{}, err
	}

	now := r.now()
	model := MessageModel{
		ID:        remote.NewMessageID(),
		ThreadID:  threadID,
		ParentID:  req.ParentID,
		Format:    req.Format,
		Content:   JSONB(req.Content),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.ParentID != nil {
			var count int64
			err := tx.Model(&MessageModel{}).
				Scopes(ThreadScope(threadID)).
				Where("id = ?", *req.ParentID).
				Count(&count).Error
			if err != nil {
				return fmt.Errorf("looking up parent: %w", err)
			}
			if count == 0 {
				return fmt.Errorf("parent %s in thread %s: %w", *req.ParentID, threadID, remote.ErrParentNotFound)
			}
		}
		// Omit the association so GORM never upserts the parent row.
		if err := tx.Omit("Parent").Create(&model).Error; err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("parent %s in thread %s: %w", remote.ParentValue(req.ParentID), threadID, remote.ErrParentNotFound)
			}
			return fmt.Errorf("inserting message: %w", err)
		}
		return nil
	})
	if err != nil {
		return remote.CreateResponse{}, err
	}
	return remote.CreateResponse{MessageID: model.ID}, nil
}

// Update replaces the content of a message in the thread.
func (r *MessageRepository) Update(ctx context.Context, threadID, messageID string, req remote.UpdateRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	res := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Scopes(ThreadScope(threadID)).
		Where("id = ?", messageID).
		Updates(map[string]any{
			"content":    JSONB(req.Content),
			"updated_at": r.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("updating message %s: %w", messageID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("message %s in thread %s: %w", messageID, threadID, remote.ErrMessageNotFound)
	}
	return nil
}

// List returns the thread's messages newest-first. ULID ids sort by creation time.
func (r *MessageRepository) List(ctx context.Context, threadID string, opts remote.ListOptions) (remote.ListResponse, error) {
	var models []MessageModel
	err := r.db.WithContext(ctx).
		Scopes(ThreadScope(threadID), FormatScope(opts.Format)).
		Order("id DESC").
		Find(&models).Error
	if err != nil {
		return remote.ListResponse{}, fmt.Errorf("listing messages: %w", err)
	}

	msgs := make([]remote.StoredMessage, len(models))
	for i := range models {
		msgs[i] = toStoredMessage(&models[i])
	}
	return remote.ListResponse{Messages: msgs}, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == foreignKeyViolation
	}
	// SQLite reports constraint failures as plain text.
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
