package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
)

// SyncItem is one pending upload. There is at most one per entry; later
// mutations coalesce into it and bump Version.
type SyncItem struct {
	HistoryEntryID string
	Scope          Scope
	Operation      Operation
	Attempt        int
	Version        int64
	LastAttemptAt  *time.Time
	NextEligibleAt time.Time
	LastError      string
	CreatedAt      time.Time
}

// LostMutation is a queue item dropped after exhausting retries or being
// rejected by the remote.
type LostMutation struct {
	ID             int64
	HistoryEntryID string
	Scope          Scope
	Operation      Operation
	Attempt        int
	Reason         string
	Snapshot       string
	CreatedAt      time.Time
}

// enqueueTx coalesces a mutation into the entry's queue item. An insert
// stays an insert; the attempt counter and eligibility reset because the
// payload changed.
func enqueueTx(ctx context.Context, tx execer, id string, scope Scope, op Operation, now time.Time) error {
	ms := toMillis(now)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_queue (history_entry_id, scope, operation, attempt, version, next_eligible_at, created_at)
		VALUES (?, ?, ?, 0, 1, ?, ?)
		ON CONFLICT(history_entry_id) DO UPDATE SET
			operation = CASE WHEN sync_queue.operation = 'insert' THEN 'insert' ELSE excluded.operation END,
			attempt = 0,
			version = sync_queue.version + 1,
			next_eligible_at = excluded.next_eligible_at,
			last_error = NULL;
	`, id, string(scope), string(op), ms, ms)
	if err != nil {
		return fmt.Errorf("enqueue sync item: %w", err)
	}
	return nil
}

// EnqueueSync queues an upload for an existing entry.
func (s *Store) EnqueueSync(ctx context.Context, historyEntryID string, op Operation) error {
	if op != OpInsert && op != OpUpdate {
		return fmt.Errorf("enqueue sync: unknown operation %q", op)
	}
	id, scope, err := s.resolve(ctx, s.db, ByID(historyEntryID))
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	err = retryOnBusy(ctx, busyRetries, func() error {
		return enqueueTx(ctx, s.db, id, scope, op, s.clock())
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

const syncItemColumns = `history_entry_id, scope, operation, attempt, version, last_attempt_at,
	next_eligible_at, last_error, created_at`

func scanSyncItem(row rowScanner) (SyncItem, error) {
	var (
		it                  SyncItem
		scope, op           string
		lastAttempt         sql.NullInt64
		nextEligible, added int64
		lastErr             sql.NullString
	)
	if err := row.Scan(&it.HistoryEntryID, &scope, &op, &it.Attempt, &it.Version, &lastAttempt,
		&nextEligible, &lastErr, &added); err != nil {
		return SyncItem{}, err
	}
	it.Scope = Scope(scope)
	it.Operation = Operation(op)
	it.LastAttemptAt = timePtr(lastAttempt)
	it.NextEligibleAt = fromMillis(nextEligible)
	it.LastError = lastErr.String
	it.CreatedAt = fromMillis(added)
	return it, nil
}

// DueSyncItems returns items eligible at now, oldest eligibility first.
func (s *Store) DueSyncItems(ctx context.Context, now time.Time, limit int) ([]SyncItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM sync_queue
		WHERE next_eligible_at <= ?
		ORDER BY next_eligible_at ASC, created_at ASC
		LIMIT ?;
	`, syncItemColumns), toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list due sync items: %w", classify(err))
	}
	defer rows.Close()

	var out []SyncItem
	for rows.Next() {
		it, err := scanSyncItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync item: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync items: %w", err)
	}
	return out, nil
}

// GetSyncItem returns the queue item for an entry, if any.
func (s *Store) GetSyncItem(ctx context.Context, historyEntryID string) (SyncItem, bool, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM sync_queue WHERE history_entry_id = ?;`, syncItemColumns), historyEntryID)
	it, err := scanSyncItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncItem{}, false, nil
	}
	if err != nil {
		return SyncItem{}, false, fmt.Errorf("get sync item: %w", classify(err))
	}
	return it, true, nil
}

// CompleteSyncItem removes the item if no mutation coalesced into it since
// it was read. It reports whether the row was removed.
func (s *Store) CompleteSyncItem(ctx context.Context, historyEntryID string, version int64) (bool, error) {
	unlock := s.locks.Lock(historyEntryID)
	defer unlock()

	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE history_entry_id = ? AND version = ?;`, historyEntryID, version)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("complete sync item: %w", classify(err))
	}
	return n > 0, nil
}

// RescheduleSyncItem records a failed attempt. A newer coalesced version is
// left as is so it uploads promptly.
func (s *Store) RescheduleSyncItem(ctx context.Context, historyEntryID string, version int64, nextEligibleAt time.Time, lastErr string) (bool, error) {
	unlock := s.locks.Lock(historyEntryID)
	defer unlock()

	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sync_queue
			SET attempt = attempt + 1, last_attempt_at = ?, next_eligible_at = ?, last_error = ?
			WHERE history_entry_id = ? AND version = ?;
		`, toMillis(s.clock()), toMillis(nextEligibleAt), nullString(lastErr), historyEntryID, version)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("reschedule sync item: %w", classify(err))
	}
	return n > 0, nil
}

// DropSyncItem removes an item permanently and keeps a snapshot of the
// entry in lost_mutations.
func (s *Store) DropSyncItem(ctx context.Context, item SyncItem, reason string) (bool, error) {
	unlock := s.locks.Lock(item.HistoryEntryID)
	defer unlock()

	snapshot := "{}"
	if e, err := s.get(ctx, ByID(item.HistoryEntryID)); err == nil {
		if b, err := json.Marshal(e); err == nil {
			snapshot = string(b)
		}
	}

	var dropped bool
	err := retryOnBusy(ctx, busyRetries, func() error {
		dropped = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE history_entry_id = ? AND version = ?;`,
			item.HistoryEntryID, item.Version)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lost_mutations (history_entry_id, scope, operation, attempt, reason, snapshot, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, item.HistoryEntryID, string(item.Scope), string(item.Operation), item.Attempt, reason, snapshot, toMillis(s.clock())); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		dropped = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("drop sync item: %w", classify(err))
	}
	return dropped, nil
}

func (s *Store) SyncQueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sync_queue;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sync queue depth: %w", classify(err))
	}
	return n, nil
}

func (s *Store) LostMutationCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM lost_mutations;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("lost mutation count: %w", classify(err))
	}
	return n, nil
}

// LostMutations lists dropped items, newest first.
func (s *Store) LostMutations(ctx context.Context, limit int) ([]LostMutation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, history_entry_id, scope, operation, attempt, reason, snapshot, created_at
		FROM lost_mutations
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list lost mutations: %w", classify(err))
	}
	defer rows.Close()

	var out []LostMutation
	for rows.Next() {
		var (
			lm        LostMutation
			scope, op string
			created   int64
		)
		if err := rows.Scan(&lm.ID, &lm.HistoryEntryID, &scope, &op, &lm.Attempt, &lm.Reason, &lm.Snapshot, &created); err != nil {
			return nil, fmt.Errorf("scan lost mutation: %w", err)
		}
		lm.Scope = Scope(scope)
		lm.Operation = Operation(op)
		lm.CreatedAt = fromMillis(created)
		out = append(out, lm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lost mutations: %w", err)
	}
	return out, nil
}
