package cache

import (
	"context"

	"go.uber.org/zap"

	"mapcache/internal/offline"
)

// Store owns an offline database and serializes every access to it
// through a Sequence.
type Store struct {
	db  *offline.Database
	seq *Sequence
	log *zap.Logger
}

func NewStore(db *offline.Database, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, seq: NewSequence(log), log: log}
}

// Do runs fn with exclusive access to the database and returns its error.
func (s *Store) Do(ctx context.Context, fn func(db *offline.Database) error) error {
	var err error
	if seqErr := s.seq.Do(ctx, func() { err = fn(s.db) }); seqErr != nil {
		return seqErr
	}
	return err
}

// Post queues fn without waiting. Errors are logged.
func (s *Store) Post(fn func(db *offline.Database) error) bool {
	return s.seq.Post(func() {
		if err := fn(s.db); err != nil {
			s.log.Warn("Background store operation failed", zap.Error(err))
		}
	})
}

// Sequence is where asynchronous results touching the store are delivered.
func (s *Store) Sequence() *Sequence {
	return s.seq
}

// Close drains queued work and closes the database.
func (s *Store) Close() error {
	s.seq.Close()
	return s.db.Close()
}
