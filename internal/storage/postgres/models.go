package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"github.com/jkaninda/threadvault/internal/remote"
)

// MessageModel maps to the "messages" table.
// ParentID references another row of the same table; the repository checks
// that the parent belongs to the same thread.
type MessageModel struct {
	ID        string        `gorm:"type:varchar(26);primaryKey"`
	ThreadID  string        `gorm:"type:varchar(255);not null;index:idx_messages_thread_id"`
	ParentID  *string       `gorm:"type:varchar(26);index"`
	Parent    *MessageModel `gorm:"foreignKey:ParentID;references:ID;constraint:OnDelete:RESTRICT"`
	Format    string        `gorm:"type:varchar(64);not null;index"`
	Content   JSONB         `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (MessageModel) TableName() string { return "messages" }

// JSONB is a json.RawMessage stored as jsonb on PostgreSQL and text elsewhere.
type JSONB json.RawMessage

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(JSONB(nil), v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("scanning JSONB: unsupported type %T", src)
	}
	return nil
}

// GormDBDataType picks the column type per dialect.
func (JSONB) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "jsonb"
	}
	return "text"
}

func toStoredMessage(m *MessageModel) remote.StoredMessage {
	return remote.StoredMessage{
		ID:        m.ID,
		ParentID:  m.ParentID,
		Format:    m.Format,
		Content:   json.RawMessage(m.Content),
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}
}
