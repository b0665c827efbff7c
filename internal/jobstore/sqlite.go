package jobstore

import (
	"context"
	"fmt"
)

// EnsureSchema creates the job table on SQLite for local runs and tests.
// PostgreSQL deployments own their schema and are never altered.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.dialect != DialectSQLite {
		return fmt.Errorf("schema management is only supported on sqlite")
	}
	if _, err := s.db.ExecContext(ctx, s.q.createTable); err != nil {
		return storeErr("create job table", err)
	}
	return nil
}

// InsertPending adds a pending row on SQLite. Production rows are created by
// the recording service, never by the worker.
func (s *Store) InsertPending(ctx context.Context, id string) error {
	if s.dialect != DialectSQLite {
		return fmt.Errorf("inserting jobs is only supported on sqlite")
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(s.q.insertPending), id, s.codes.Pending); err != nil {
		return storeErr("insert pending job", err)
	}
	return nil
}
