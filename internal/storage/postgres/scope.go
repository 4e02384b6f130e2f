package postgres

import (
	"gorm.io/gorm"
)

// ThreadScope returns a GORM scope that filters by thread_id.
// Every message query is confined to a single thread.
func ThreadScope(threadID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("thread_id = ?", threadID)
	}
}

// FormatScope filters by format tag. An empty format matches every row.
func FormatScope(format string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if format == "" {
			return db
		}
		return db.Where("format = ?", format)
	}
}
