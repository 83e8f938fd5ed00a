// ABOUTME: SQLite-backed persistence for gateway resume credentials using modernc.org/sqlite
// ABOUTME: Lets a restarted process resume shard sessions instead of re-identifying

package sessionstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/blanketsucks/lefi/internal/gateway"
)

// Store persists per-shard resume credentials in a SQLite database.
// It implements gateway.SessionStore.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (or creates) the database at the given path. The schema is
// created automatically and parent directories are created if needed.
func New(path string) (*Store, error) {
	logger := slog.Default().With("component", "sessionstore")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode keeps writes from blocking the supervisor's reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("session store initialized", "path", path)
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS gateway_sessions (
			shard_id INTEGER PRIMARY KEY,
			session_id TEXT NOT NULL,
			resume_url TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Save upserts the resume credentials for a shard.
func (s *Store) Save(ctx context.Context, shardID int, rs gateway.ResumeState) error {
	query := `
		INSERT INTO gateway_sessions (shard_id, session_id, resume_url, sequence, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(shard_id) DO UPDATE SET
			session_id = excluded.session_id,
			resume_url = excluded.resume_url,
			sequence = excluded.sequence,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		shardID, rs.SessionID, rs.ResumeURL, rs.Seq, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving session for shard %d: %w", shardID, err)
	}
	return nil
}

// Load returns the stored credentials for a shard. The second return is
// false when the shard has no stored session.
func (s *Store) Load(ctx context.Context, shardID int) (gateway.ResumeState, bool, error) {
	query := `
		SELECT session_id, resume_url, sequence
		FROM gateway_sessions
		WHERE shard_id = ?
	`
	var rs gateway.ResumeState
	err := s.db.QueryRowContext(ctx, query, shardID).Scan(
		&rs.SessionID, &rs.ResumeURL, &rs.Seq)
	if err == sql.ErrNoRows {
		return gateway.ResumeState{}, false, nil
	}
	if err != nil {
		return gateway.ResumeState{}, false, fmt.Errorf("loading session for shard %d: %w", shardID, err)
	}
	return rs, true, nil
}

// LoadAll returns the stored credentials for every shard, keyed by shard ID.
func (s *Store) LoadAll(ctx context.Context) (map[int]gateway.ResumeState, error) {
	query := `
		SELECT shard_id, session_id, resume_url, sequence
		FROM gateway_sessions
		ORDER BY shard_id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("loading sessions: %w", err)
	}
	defer rows.Close()

	all := make(map[int]gateway.ResumeState)
	for rows.Next() {
		var shardID int
		var rs gateway.ResumeState
		if err := rows.Scan(&shardID, &rs.SessionID, &rs.ResumeURL, &rs.Seq); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		all[shardID] = rs
	}
	return all, rows.Err()
}

// Clear removes the stored credentials for a shard. Clearing a shard that
// has no stored session is not an error.
func (s *Store) Clear(ctx context.Context, shardID int) error {
	query := `DELETE FROM gateway_sessions WHERE shard_id = ?`
	if _, err := s.db.ExecContext(ctx, query, shardID); err != nil {
		return fmt.Errorf("clearing session for shard %d: %w", shardID, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
