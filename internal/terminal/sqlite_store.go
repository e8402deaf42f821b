package terminal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stockledger/internal/common"
	"stockledger/internal/models"

	"github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queue_entries (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	kind            TEXT NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	actor_id        TEXT NOT NULL DEFAULT '',
	payload         BLOB NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	code            TEXT NOT NULL DEFAULT '',
	message         TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	synced_at       TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_entries_status ON queue_entries (status, seq);
`

// SQLiteStore keeps the queue in a local SQLite file so queued operations
// survive restarts of the terminal.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates the queue database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply queue schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, e *Entry) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_entries (kind, idempotency_key, actor_id, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(e.Kind), e.IdempotencyKey, e.ActorID, []byte(e.Payload), string(StatusPending),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return &common.DuplicateOperationError{Key: e.IdempotencyKey}
		}
		return fmt.Errorf("failed to append queue entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read queue sequence: %w", err)
	}
	e.Seq = seq
	e.Status = StatusPending
	return nil
}

func (s *SQLiteStore) Pending(ctx context.Context, limit int) ([]Entry, error) {
	return s.ListByStatus(ctx, StatusPending, limit)
}

func (s *SQLiteStore) Mark(ctx context.Context, seq int64, status EntryStatus, code, message string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = ?, code = ?, message = ?, synced_at = ?
		WHERE seq = ?`,
		string(status), code, message, at.UTC().Format(time.RFC3339Nano), seq,
	)
	if err != nil {
		return fmt.Errorf("failed to mark queue entry %d: %w", seq, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark queue entry %d: %w", seq, err)
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, status EntryStatus, limit int) ([]Entry, error) {
	query := `
		SELECT seq, kind, idempotency_key, actor_id, payload, status, code, message, created_at, synced_at
		FROM queue_entries WHERE status = ? ORDER BY seq`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			kind      string
			st        string
			payload   []byte
			createdAt string
			syncedAt  sql.NullString
		)
		if err := rows.Scan(&e.Seq, &kind, &e.IdempotencyKey, &e.ActorID, &payload, &st, &e.Code, &e.Message, &createdAt, &syncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.Kind = models.SyncOperationKind(kind)
		e.Status = EntryStatus(st)
		e.Payload = payload
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("queue entry %d has bad created_at: %w", e.Seq, err)
		}
		if syncedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, syncedAt.String)
			if err != nil {
				return nil, fmt.Errorf("queue entry %d has bad synced_at: %w", e.Seq, err)
			}
			e.SyncedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
