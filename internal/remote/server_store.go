package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/histsync/internal/persistence"
	"github.com/basket/histsync/internal/syncer"
)

// ServerStore keeps the remote copy of every entry. Each applied put takes
// the next sequence number, which doubles as the download cursor.
type ServerStore struct {
	db *sql.DB
}

func OpenServerStore(path string) (*ServerStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open remote db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, stmt := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=FULL;`,
		`CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL UNIQUE,
			scope TEXT NOT NULL,
			machine_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			body TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_entries_scope_seq ON entries(scope, seq);`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init remote schema: %w", err)
		}
	}
	return &ServerStore{db: db}, nil
}

func (s *ServerStore) Close() error {
	return s.db.Close()
}

// Put stores e unless the stored copy is newer or identical. Replaying the
// same upload is a no-op that reports the existing sequence.
func (s *ServerStore) Put(ctx context.Context, e persistence.Entry) (syncer.PutResult, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return syncer.PutResult{}, err
	}
	updated := e.UpdatedAt.UTC().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncer.PutResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		curSeq     int64
		curUpdated int64
		curStatus  string
	)
	err = tx.QueryRowContext(ctx, `SELECT seq, updated_at, status FROM entries WHERE id = ?;`, e.ID).
		Scan(&curSeq, &curUpdated, &curStatus)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return syncer.PutResult{}, err
	default:
		if updated < curUpdated || updated == curUpdated && curStatus == string(e.Status) {
			return syncer.PutResult{Applied: false, Seq: curSeq}, nil
		}
	}

	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM entries;`).Scan(&next); err != nil {
		return syncer.PutResult{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entries (id, seq, scope, machine_id, user_id, status, updated_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			seq = excluded.seq, status = excluded.status, user_id = excluded.user_id,
			updated_at = excluded.updated_at, body = excluded.body;
	`, e.ID, next, string(e.Scope), e.MachineID, e.UserID, string(e.Status), updated, string(body)); err != nil {
		return syncer.PutResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return syncer.PutResult{}, err
	}
	return syncer.PutResult{Applied: true, Seq: next}, nil
}

// Since pages entries of one scope with seq > cursor.
func (s *ServerStore) Since(ctx context.Context, cursor int64, scope persistence.Scope, filter syncer.Filter, limit int) (syncer.Page, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	var (
		where = []string{"seq > ?", "scope = ?"}
		args  = []any{cursor, string(scope)}
	)
	if filter.MachineID != "" {
		where = append(where, "machine_id = ?")
		args = append(args, filter.MachineID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, `SELECT seq, body FROM entries WHERE `+strings.Join(where, " AND ")+
		` ORDER BY seq ASC LIMIT ?;`, args...)
	if err != nil {
		return syncer.Page{}, err
	}
	defer rows.Close()

	page := syncer.Page{NextCursor: cursor}
	for rows.Next() {
		var (
			seq  int64
			body string
		)
		if err := rows.Scan(&seq, &body); err != nil {
			return syncer.Page{}, err
		}
		if len(page.Entries) == limit {
			page.More = true
			break
		}
		var e persistence.Entry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return syncer.Page{}, fmt.Errorf("decode entry at seq %d: %w", seq, err)
		}
		page.Entries = append(page.Entries, e)
		page.NextCursor = seq
	}
	return page, rows.Err()
}

// Count reports how many entries the remote holds.
func (s *ServerStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM entries;`).Scan(&n)
	return n, err
}
