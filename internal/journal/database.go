package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// migrations are applied in order; PRAGMA user_version records how many ran.
var migrations = []string{
	`CREATE TABLE manager_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		headers TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '[]',
		received_at INTEGER NOT NULL
	);
	CREATE INDEX idx_manager_events_received ON manager_events(received_at);
	CREATE INDEX idx_manager_events_name ON manager_events(name COLLATE NOCASE);`,

	`CREATE TABLE connection_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		address TEXT NOT NULL,
		state TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		at INTEGER NOT NULL
	);
	CREATE INDEX idx_connection_log_at ON connection_log(at);`,
}

// retained lists the journal tables with the column holding their unix-nano
// timestamp. Prune trims each of them.
var retained = []struct{ table, column string }{
	{"manager_events", "received_at"},
	{"connection_log", "at"},
}

// store is the SQLite file behind a Journal. Writes are serialized; reads go
// straight to the pool.
type store struct {
	mu     sync.Mutex
	db     *sql.DB
	logger zerolog.Logger
}

// openStore opens or creates the journal database at path and brings its
// schema up to date. ":memory:" opens a private in-memory database.
func openStore(path string, logger zerolog.Logger) (*store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	// SQLite has one writer, and an in-memory database lives on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &store{db: db, logger: logger}
	if err := s.applyPragmas(path == ":memory:"); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info().Str("path", path).Int("schema", len(migrations)).Msg("journal opened")
	return s, nil
}

func (s *store) applyPragmas(inMemory bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	if !inMemory {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("journal: apply %q: %w", p, err)
		}
	}
	return nil
}

func (s *store) migrate() error {
	version, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if version > len(migrations) {
		return fmt.Errorf("journal schema version %d is newer than this build (%d)", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		err := s.tx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(migrations[i]); err != nil {
				return err
			}
			_, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1))
			return err
		})
		if err != nil {
			return fmt.Errorf("journal migration %d failed: %w", i+1, err)
		}
		s.logger.Debug().Int("version", i+1).Msg("journal schema migrated")
	}
	return nil
}

func (s *store) schemaVersion() (int, error) {
	var v int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read journal schema version: %w", err)
	}
	return v, nil
}

func (s *store) close() error {
	return s.db.Close()
}

func (s *store) exec(query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Exec(query, args...)
}

func (s *store) query(query string, args ...any) (*sql.Rows, error) {
	return s.db.Query(query, args...)
}

func (s *store) queryRow(query string, args ...any) *sql.Row {
	return s.db.QueryRow(query, args...)
}

func (s *store) tx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// prune deletes rows older than before from every retained table and returns
// the number removed per table.
func (s *store) prune(before time.Time) (map[string]int64, error) {
	removed := make(map[string]int64, len(retained))
	err := s.tx(func(tx *sql.Tx) error {
		for _, r := range retained {
			res, err := tx.Exec(
				fmt.Sprintf("DELETE FROM %s WHERE %s < ?", r.table, r.column),
				before.UnixNano(),
			)
			if err != nil {
				return fmt.Errorf("%s: %w", r.table, err)
			}
			removed[r.table], _ = res.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}
