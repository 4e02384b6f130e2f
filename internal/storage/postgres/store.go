package postgres

import "github.com/jkaninda/threadvault/internal/storage"

// Store is the PostgreSQL storage.Store: the shared message repository plus
// the connection lifecycle.
type Store struct {
	*MessageRepository
	*DB
}

// NewStore wraps an open DB.
func NewStore(db *DB) *Store {
	return &Store{
		MessageRepository: NewMessageRepository(db.GormDB()),
		DB:                db,
	}
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

var _ storage.Store = (*Store)(nil)
