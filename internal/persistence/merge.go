package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/histsync/internal/shared"
)

// MergeOutcome reports what Merge did with a remote row.
type MergeOutcome int

const (
	// MergeInserted means the row was new locally.
	MergeInserted MergeOutcome = iota
	// MergeApplied means the remote row replaced the local one.
	MergeApplied
	// ConflictDiscarded means the local row won. Informational only.
	ConflictDiscarded
)

func (o MergeOutcome) String() string {
	switch o {
	case MergeInserted:
		return "inserted"
	case MergeApplied:
		return "applied"
	case ConflictDiscarded:
		return "discarded"
	}
	return fmt.Sprintf("MergeOutcome(%d)", int(o))
}

// remoteWins decides a last-write-wins conflict. Equal timestamps favor the
// remote row. A terminal local row never goes back to a non-terminal status
// and only yields to another terminal status when that status is cancelled.
func remoteWins(local, remote Entry) bool {
	if remote.UpdatedAt.Before(local.UpdatedAt) {
		return false
	}
	if local.Status.Terminal() {
		if !remote.Status.Terminal() {
			return false
		}
		if remote.Status != local.Status && remote.Status != StatusCancelled {
			return false
		}
	}
	return true
}

// Merge applies a row pulled from the remote store. Merged rows are marked
// synced and are not queued for upload.
func (s *Store) Merge(ctx context.Context, remote Entry) (MergeOutcome, error) {
	if remote.ID == "" {
		return 0, &shared.ValidationError{Field: "id", Message: "required"}
	}
	if remote.Status == StatusCancelled {
		remote.Response = nil
	}
	if err := s.validateEntry(&remote); err != nil {
		return 0, err
	}
	remote.CreatedAt = remote.CreatedAt.UTC().Truncate(time.Millisecond)
	remote.UpdatedAt = remote.UpdatedAt.UTC().Truncate(time.Millisecond)

	unlock := s.locks.Lock(remote.ID)
	defer unlock()

	var outcome MergeOutcome
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		now := s.clock()
		var scope string
		err = tx.QueryRowContext(ctx, `SELECT scope FROM entry_index WHERE id = ?;`, remote.ID).Scan(&scope)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, `INSERT INTO entry_index (id, scope, request_id) VALUES (?, ?, ?);`,
				remote.ID, string(remote.Scope), nullString(remote.RequestID)); err != nil {
				return err
			}
			if err := insertRowTx(ctx, tx, &remote, &now); err != nil {
				return err
			}
			outcome = MergeInserted
			return tx.Commit()
		case err != nil:
			return err
		}
		if Scope(scope) != remote.Scope {
			return &shared.ValidationError{Field: "scope", Message: fmt.Sprintf("entry %s is %s locally, remote says %s", remote.ID, scope, remote.Scope)}
		}

		table := tableFor(remote.Scope)
		local, err := scanEntry(tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?;`, entryColumns, table), remote.ID), remote.Scope)
		if err != nil {
			return err
		}
		if !remoteWins(local, remote) {
			outcome = ConflictDiscarded
			return nil
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s
			SET command = ?, response = ?, error_message = ?, status = ?, user_id = ?, session_id = ?,
				updated_at = ?, completed_at = ?, synced_at = ?
			WHERE id = ?;
		`, table), remote.Command, nullResponse(remote.Response), nullString(remote.ErrorMessage), string(remote.Status),
			nullString(remote.UserID), remote.SessionID, toMillis(remote.UpdatedAt), nullMillis(remote.CompletedAt),
			toMillis(now), remote.ID); err != nil {
			return err
		}
		outcome = MergeApplied
		return tx.Commit()
	})
	if err != nil {
		var verr *shared.ValidationError
		if errors.As(err, &verr) {
			return 0, err
		}
		return 0, fmt.Errorf("merge entry %s: %w", remote.ID, classify(err))
	}
	return outcome, nil
}

// MarkSynced records remote confirmation without touching updated_at.
func (s *Store) MarkSynced(ctx context.Context, historyEntryID string, at time.Time) error {
	id, scope, err := s.resolve(ctx, s.db, ByID(historyEntryID))
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	err = retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET synced_at = ? WHERE id = ?;`, tableFor(scope)), toMillis(at), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark synced %s: %w", id, classify(err))
	}
	return nil
}
