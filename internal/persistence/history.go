package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/histsync/internal/shared"
)

// Scope selects which history table an entry lives in and who can see it
// remotely.
type Scope string

const (
	ScopeMachine Scope = "machine"
	ScopeUser    Scope = "user"
	ScopeGlobal  Scope = "global"
)

func AllScopes() []Scope {
	return []Scope{ScopeMachine, ScopeUser, ScopeGlobal}
}

func ParseScope(raw string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(raw))) {
	case ScopeMachine:
		return ScopeMachine, nil
	case ScopeUser:
		return ScopeUser, nil
	case ScopeGlobal:
		return ScopeGlobal, nil
	}
	return "", &shared.ValidationError{Field: "scope", Message: fmt.Sprintf("unknown scope %q", raw)}
}

func (s Scope) valid() bool {
	return s == ScopeMachine || s == ScopeUser || s == ScopeGlobal
}

func tableFor(scope Scope) string {
	return "history_" + string(scope)
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusError      Status = "error"
)

// Terminal reports whether no further ordinary transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusError
}

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusCancelled, StatusError:
		return true
	}
	return false
}

// allowedTransitions enforces the entry state machine.
var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled, StatusError},
	StatusProcessing: {StatusCompleted, StatusCancelled, StatusError},
}

func canTransition(from, to Status) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Entry is one recorded command and its outcome.
type Entry struct {
	ID           string     `json:"id"`
	RequestID    string     `json:"requestId,omitempty"`
	Scope        Scope      `json:"scope"`
	Command      string     `json:"command"`
	Response     *string    `json:"response"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	Status       Status     `json:"status"`
	MachineID    string     `json:"machineId"`
	UserID       string     `json:"userId,omitempty"`
	SessionID    string     `json:"sessionId"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	SyncedAt     *time.Time `json:"-"`
}

// Ref addresses an entry by id or by its request id.
type Ref struct {
	ID        string
	RequestID string
}

func ByID(id string) Ref               { return Ref{ID: id} }
func ByRequestID(requestID string) Ref { return Ref{RequestID: requestID} }

func (r Ref) String() string {
	if r.ID != "" {
		return "id=" + r.ID
	}
	return "request_id=" + r.RequestID
}

// StatusUpdate is a conditional status write. An empty Expected matches any
// current status.
type StatusUpdate struct {
	Expected     Status
	To           Status
	Response     *string
	ErrorMessage string
	// Compensating additionally permits completed|error -> cancelled.
	Compensating bool
}

// Reasons reported when an update is not applied.
const (
	ReasonStatusMismatch    = "status_mismatch"
	ReasonIllegalTransition = "illegal_transition"
	ReasonUnchanged         = "unchanged"
)

type UpdateResult struct {
	Applied  bool
	Previous Status
	Current  Status
	Reason   string
}

// QueryFilter narrows QueryByScope. Zero values match everything.
type QueryFilter struct {
	MachineID string
	UserID    string
	SessionID string
	Status    Status
	Since     time.Time
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const entryColumns = `id, request_id, command, response, error_message, status, machine_id, user_id,
	session_id, created_at, updated_at, completed_at, synced_at`

func scanEntry(row rowScanner, scope Scope) (Entry, error) {
	var (
		e                     Entry
		requestID, response   sql.NullString
		errMsg, userID        sql.NullString
		status                string
		createdAt, updatedAt  int64
		completedAt, syncedAt sql.NullInt64
	)
	if err := row.Scan(&e.ID, &requestID, &e.Command, &response, &errMsg, &status, &e.MachineID, &userID,
		&e.SessionID, &createdAt, &updatedAt, &completedAt, &syncedAt); err != nil {
		return Entry{}, err
	}
	e.Scope = scope
	e.RequestID = requestID.String
	if response.Valid {
		r := response.String
		e.Response = &r
	}
	e.ErrorMessage = errMsg.String
	e.UserID = userID.String
	e.Status = Status(status)
	e.CreatedAt = fromMillis(createdAt)
	e.UpdatedAt = fromMillis(updatedAt)
	e.CompletedAt = timePtr(completedAt)
	e.SyncedAt = timePtr(syncedAt)
	return e, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullResponse(r *string) sql.NullString {
	if r == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *r, Valid: true}
}

func (s *Store) validateEntry(e *Entry) error {
	if !e.Scope.valid() {
		return &shared.ValidationError{Field: "scope", Message: fmt.Sprintf("unknown scope %q", e.Scope)}
	}
	if strings.TrimSpace(e.Command) == "" {
		return &shared.ValidationError{Field: "command", Message: "must not be empty"}
	}
	if len(e.Command) > s.maxPayload {
		return &shared.ValidationError{Field: "command", Message: fmt.Sprintf("exceeds %d bytes", s.maxPayload)}
	}
	if e.Response != nil && len(*e.Response) > s.maxPayload {
		return &shared.ValidationError{Field: "response", Message: fmt.Sprintf("exceeds %d bytes", s.maxPayload)}
	}
	if e.MachineID == "" {
		return &shared.ValidationError{Field: "machineId", Message: "required"}
	}
	if e.Scope == ScopeUser && e.UserID == "" {
		return &shared.ValidationError{Field: "userId", Message: "required for user scope"}
	}
	if !e.Status.valid() {
		return &shared.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", e.Status)}
	}
	if e.Status == StatusCompleted && e.Response == nil {
		return &shared.ValidationError{Field: "response", Message: "required when completed"}
	}
	return nil
}

// Insert durably records a new entry and enqueues it for upload in the same
// transaction. Missing id, status and timestamps are filled in on e.
func (s *Store) Insert(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	now := s.clock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Millisecond)
	e.UpdatedAt = e.UpdatedAt.UTC().Truncate(time.Millisecond)
	if err := s.validateEntry(e); err != nil {
		return err
	}
	if e.Status == StatusCancelled {
		e.Response = nil
	}
	if e.Status.Terminal() && e.CompletedAt == nil {
		t := e.UpdatedAt
		e.CompletedAt = &t
	}

	unlock := s.locks.Lock(e.ID)
	defer unlock()

	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entry_index (id, scope, request_id) VALUES (?, ?, ?);
		`, e.ID, string(e.Scope), nullString(e.RequestID)); err != nil {
			return err
		}
		if err := insertRowTx(ctx, tx, e, nil); err != nil {
			return err
		}
		if err := enqueueTx(ctx, tx, e.ID, e.Scope, OpInsert, now); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return &shared.ValidationError{Field: "id", Message: fmt.Sprintf("entry %s or its request id already exists", e.ID)}
		}
		return fmt.Errorf("insert history entry: %w", classify(err))
	}
	return nil
}

func insertRowTx(ctx context.Context, tx execer, e *Entry, syncedAt *time.Time) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, tableFor(e.Scope), entryColumns),
		e.ID, nullString(e.RequestID), e.Command, nullResponse(e.Response), nullString(e.ErrorMessage),
		string(e.Status), e.MachineID, nullString(e.UserID), e.SessionID,
		toMillis(e.CreatedAt), toMillis(e.UpdatedAt), nullMillis(e.CompletedAt), nullMillis(syncedAt))
	return err
}

// resolve maps a ref to the entry id and scope through entry_index.
func (s *Store) resolve(ctx context.Context, q execer, ref Ref) (string, Scope, error) {
	var (
		id    string
		scope string
		err   error
	)
	switch {
	case ref.ID != "":
		id = ref.ID
		err = q.QueryRowContext(ctx, `SELECT scope FROM entry_index WHERE id = ?;`, ref.ID).Scan(&scope)
	case ref.RequestID != "":
		err = q.QueryRowContext(ctx, `SELECT id, scope FROM entry_index WHERE request_id = ?;`, ref.RequestID).Scan(&id, &scope)
	default:
		return "", "", &shared.ValidationError{Field: "ref", Message: "id or request id required"}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return "", "", classify(err)
	}
	return id, Scope(scope), nil
}

// UpdateStatus applies a conditional status transition. A write that fails
// its guard is reported through UpdateResult, not as an error.
func (s *Store) UpdateStatus(ctx context.Context, ref Ref, upd StatusUpdate) (UpdateResult, error) {
	if !upd.To.valid() {
		return UpdateResult{}, &shared.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", upd.To)}
	}
	if upd.To == StatusCompleted && upd.Response == nil {
		return UpdateResult{}, &shared.ValidationError{Field: "response", Message: "required when completed"}
	}
	if upd.Response != nil && len(*upd.Response) > s.maxPayload {
		return UpdateResult{}, &shared.ValidationError{Field: "response", Message: fmt.Sprintf("exceeds %d bytes", s.maxPayload)}
	}

	id, scope, err := s.resolve(ctx, s.db, ref)
	if err != nil {
		return UpdateResult{}, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	table := tableFor(scope)
	var result UpdateResult
	err = retryOnBusy(ctx, busyRetries, func() error {
		result = UpdateResult{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var current string
		var updatedAt int64
		if err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT status, updated_at FROM %s WHERE id = ?;`, table), id).
			Scan(&current, &updatedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%s: %w", ref, ErrNotFound)
			}
			return err
		}
		from := Status(current)
		result.Previous = from
		result.Current = from

		switch {
		case upd.Expected != "" && from != upd.Expected:
			result.Reason = ReasonStatusMismatch
			return nil
		case from == upd.To:
			result.Reason = ReasonUnchanged
			return nil
		case canTransition(from, upd.To):
		case upd.Compensating && upd.To == StatusCancelled && (from == StatusCompleted || from == StatusError):
		default:
			result.Reason = ReasonIllegalTransition
			return nil
		}

		now := s.clock()
		stamp := toMillis(now)
		if stamp <= updatedAt {
			stamp = updatedAt + 1
		}
		var (
			response    sql.NullString
			errMsg      sql.NullString
			completedAt sql.NullInt64
		)
		switch upd.To {
		case StatusCompleted:
			response = nullResponse(upd.Response)
		case StatusError:
			msg := upd.ErrorMessage
			if msg == "" {
				msg = "unknown error"
			}
			errMsg = nullString(msg)
		}
		if upd.To.Terminal() {
			completedAt = sql.NullInt64{Int64: stamp, Valid: true}
		}

		res, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s
			SET status = ?, response = ?, error_message = ?, updated_at = ?, completed_at = ?
			WHERE id = ? AND status = ?;
		`, table), string(upd.To), response, errMsg, stamp, completedAt, id, current)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			result.Reason = ReasonStatusMismatch
			return nil
		}
		if err := enqueueTx(ctx, tx, id, scope, OpUpdate, now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		result.Applied = true
		result.Current = upd.To
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return UpdateResult{}, err
		}
		return UpdateResult{}, fmt.Errorf("update status %s: %w", ref, classify(err))
	}
	return result, nil
}

func (s *Store) get(ctx context.Context, ref Ref) (Entry, error) {
	id, scope, err := s.resolve(ctx, s.db, ref)
	if err != nil {
		return Entry{}, err
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?;`, entryColumns, tableFor(scope)), id)
	e, err := scanEntry(row, scope)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get entry %s: %w", ref, classify(err))
	}
	return e, nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (Entry, error) {
	return s.get(ctx, ByID(id))
}

func (s *Store) GetByRequestID(ctx context.Context, requestID string) (Entry, error) {
	return s.get(ctx, ByRequestID(requestID))
}

// QueryByScope lists entries newest first.
func (s *Store) QueryByScope(ctx context.Context, scope Scope, filter QueryFilter, limit, offset int) ([]Entry, error) {
	if !scope.valid() {
		return nil, &shared.ValidationError{Field: "scope", Message: fmt.Sprintf("unknown scope %q", scope)}
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var (
		where []string
		args  []any
	)
	if filter.MachineID != "" {
		where = append(where, "machine_id = ?")
		args = append(args, filter.MachineID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, toMillis(filter.Since))
	}
	q := fmt.Sprintf(`SELECT %s FROM %s`, entryColumns, tableFor(scope))
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?;"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s history: %w", scope, classify(err))
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows, scope)
		if err != nil {
			return nil, fmt.Errorf("scan %s history: %w", scope, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s history: %w", scope, err)
	}
	return out, nil
}

// RecoverInterrupted marks entries this machine left pending or processing
// as error and enqueues them. Rows owned by other machines are untouched.
func (s *Store) RecoverInterrupted(ctx context.Context, machineID string) ([]string, error) {
	var ids []string
	for _, scope := range AllScopes() {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT id FROM %s WHERE machine_id = ? AND status IN ('pending', 'processing');
		`, tableFor(scope)), machineID)
		if err != nil {
			return nil, fmt.Errorf("scan interrupted %s entries: %w", scope, classify(err))
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan interrupted id: %w", err)
			}
			ids = append(ids, id)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate interrupted %s entries: %w", scope, err)
		}
	}

	var recovered []string
	for _, id := range ids {
		res, err := s.UpdateStatus(ctx, ByID(id), StatusUpdate{To: StatusError, ErrorMessage: "interrupted"})
		if err != nil {
			return recovered, err
		}
		if res.Applied {
			recovered = append(recovered, id)
		}
	}
	return recovered, nil
}
