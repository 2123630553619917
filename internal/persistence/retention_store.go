package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionPolicy holds the history window per scope. Zero keeps forever.
type RetentionPolicy struct {
	Machine      time.Duration
	User         time.Duration
	Global       time.Duration
	LostMutation time.Duration
}

func (p RetentionPolicy) window(scope Scope) time.Duration {
	switch scope {
	case ScopeMachine:
		return p.Machine
	case ScopeUser:
		return p.User
	case ScopeGlobal:
		return p.Global
	}
	return 0
}

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedMachine       int64 `json:"purged_machine"`
	PurgedUser          int64 `json:"purged_user"`
	PurgedGlobal        int64 `json:"purged_global"`
	PurgedLostMutations int64 `json:"purged_lost_mutations"`
}

func (r RetentionResult) Total() int64 {
	return r.PurgedMachine + r.PurgedUser + r.PurgedGlobal
}

// RunRetention deletes terminal entries older than their scope's window.
// Entries with an outstanding sync queue item are never deleted. The job is
// idempotent.
func (s *Store) RunRetention(ctx context.Context, policy RetentionPolicy) (RetentionResult, error) {
	var result RetentionResult
	now := s.clock()

	for _, scope := range AllScopes() {
		window := policy.window(scope)
		if window <= 0 {
			continue
		}
		cutoff := toMillis(now.Add(-window))
		table := tableFor(scope)

		var purged int64
		err := retryOnBusy(ctx, busyRetries, func() error {
			tx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			defer func() { _ = tx.Rollback() }()

			res, err := tx.ExecContext(ctx, fmt.Sprintf(`
				DELETE FROM %s
				WHERE status IN ('completed', 'cancelled', 'error')
				  AND COALESCE(completed_at, updated_at) < ?
				  AND id NOT IN (SELECT history_entry_id FROM sync_queue);
			`, table), cutoff)
			if err != nil {
				return err
			}
			purged, err = res.RowsAffected()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
				DELETE FROM entry_index
				WHERE scope = ? AND id NOT IN (SELECT id FROM %s);
			`, table), string(scope)); err != nil {
				return err
			}
			return tx.Commit()
		})
		if err != nil {
			return result, fmt.Errorf("purge %s history: %w", scope, classify(err))
		}
		switch scope {
		case ScopeMachine:
			result.PurgedMachine = purged
		case ScopeUser:
			result.PurgedUser = purged
		case ScopeGlobal:
			result.PurgedGlobal = purged
		}
	}

	if policy.LostMutation > 0 {
		cutoff := toMillis(now.Add(-policy.LostMutation))
		res, err := s.db.ExecContext(ctx, `DELETE FROM lost_mutations WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge lost_mutations: %w", classify(err))
		}
		result.PurgedLostMutations, _ = res.RowsAffected()
	}

	return result, nil
}
