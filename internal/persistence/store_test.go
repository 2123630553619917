package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/histsync/internal/persistence"
	"github.com/basket/histsync/internal/shared"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openTestStore(t *testing.T, opts ...persistence.Option) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "history.db")
	store, err := persistence.Open(dbPath, opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func strptr(s string) *string { return &s }

func insertPending(t *testing.T, store *persistence.Store, scope persistence.Scope, requestID string) persistence.Entry {
	t.Helper()
	e := persistence.Entry{
		RequestID: requestID,
		Scope:     scope,
		Command:   "list files by size",
		MachineID: "machine-a",
		SessionID: "session-1",
	}
	if scope == persistence.ScopeUser {
		e.UserID = "user-1"
	}
	if err := store.Insert(context.Background(), &e); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return e
}

func mustUpdate(t *testing.T, store *persistence.Store, ref persistence.Ref, upd persistence.StatusUpdate) persistence.UpdateResult {
	t.Helper()
	res, err := store.UpdateStatus(context.Background(), ref, upd)
	if err != nil {
		t.Fatalf("update status %+v: %v", upd, err)
	}
	return res
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	journal := queryOneString(t, db, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	requiredTables := []string{"schema_migrations", "history_machine", "history_user", "history_global",
		"entry_index", "sync_queue", "kv_store", "audit_log", "lost_mutations"}
	for _, table := range requiredTables {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_MigrationLedgerHasChecksum(t *testing.T) {
	store, _ := openTestStore(t)

	var version int
	var checksum string
	if err := store.DB().QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}
	if checksum == "" {
		t.Fatalf("expected non-empty checksum")
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, dbPath := openTestStore(t)
	e := insertPending(t, store, persistence.ScopeMachine, "req-reopen")
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.GetEntry(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.RequestID != "req-reopen" {
		t.Fatalf("unexpected entry after reopen: %+v", got)
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "history.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		t.Fatalf("create schema_migrations: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = db.Close()

	_, err = persistence.Open(dbPath)
	if err == nil {
		t.Fatalf("expected error for future schema version")
	}
	if !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_OpenRejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum='tampered' WHERE version=2;`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	_, err := persistence.Open(dbPath)
	if err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestStore_OpenRequiresPath(t *testing.T) {
	for _, path := range []string{"", "   "} {
		store, err := persistence.Open(path)
		if err == nil {
			_ = store.Close()
			t.Fatalf("Open(%q): expected error", path)
		}
		if !shared.IsValidation(err) {
			t.Fatalf("Open(%q): expected validation error, got %v", path, err)
		}
	}
}

func TestStore_InsertAndGet(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	e := insertPending(t, store, persistence.ScopeUser, "req-1")
	if e.ID == "" {
		t.Fatal("expected id to be assigned")
	}

	byID, err := store.GetEntry(ctx, e.ID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	byReq, err := store.GetByRequestID(ctx, "req-1")
	if err != nil {
		t.Fatalf("get by request id: %v", err)
	}
	if byID.ID != byReq.ID || byID.Scope != persistence.ScopeUser {
		t.Fatalf("lookup mismatch: %+v vs %+v", byID, byReq)
	}
	if byID.Status != persistence.StatusPending || byID.Response != nil || byID.CompletedAt != nil {
		t.Fatalf("unexpected new entry: %+v", byID)
	}
	if !byID.CreatedAt.Equal(e.CreatedAt) {
		t.Fatalf("created_at round trip: got %v want %v", byID.CreatedAt, e.CreatedAt)
	}

	if _, err := store.GetEntry(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_InsertValidation(t *testing.T) {
	store, _ := openTestStore(t, persistence.WithMaxPayloadBytes(16))
	ctx := context.Background()

	tests := []struct {
		name  string
		entry persistence.Entry
		field string
	}{
		{"empty command", persistence.Entry{Scope: persistence.ScopeMachine, Command: "  ", MachineID: "m"}, "command"},
		{"oversized command", persistence.Entry{Scope: persistence.ScopeMachine, Command: strings.Repeat("x", 17), MachineID: "m"}, "command"},
		{"user scope without user", persistence.Entry{Scope: persistence.ScopeUser, Command: "ls", MachineID: "m"}, "userId"},
		{"unknown scope", persistence.Entry{Scope: "team", Command: "ls", MachineID: "m"}, "scope"},
		{"missing machine", persistence.Entry{Scope: persistence.ScopeGlobal, Command: "ls"}, "machineId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := tt.entry
			err := store.Insert(ctx, &e)
			var verr *shared.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if verr.Field != tt.field {
				t.Fatalf("expected field %q, got %q", tt.field, verr.Field)
			}
		})
	}

	depth, err := store.SyncQueueDepth(ctx)
	if err != nil {
		t.Fatalf("queue depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("rejected inserts must not enqueue, depth=%d", depth)
	}
}

func TestStore_DuplicateRequestIDRejected(t *testing.T) {
	store, _ := openTestStore(t)
	insertPending(t, store, persistence.ScopeMachine, "req-dup")

	e := persistence.Entry{RequestID: "req-dup", Scope: persistence.ScopeGlobal, Command: "ls", MachineID: "m"}
	err := store.Insert(context.Background(), &e)
	if !shared.IsValidation(err) {
		t.Fatalf("expected validation error for duplicate request id, got %v", err)
	}
}

func TestStore_UpdateStatusLifecycle(t *testing.T) {
	store, _ := openTestStore(t)
	e := insertPending(t, store, persistence.ScopeMachine, "req-life")
	ref := persistence.ByRequestID("req-life")

	res := mustUpdate(t, store, ref, persistence.StatusUpdate{Expected: persistence.StatusPending, To: persistence.StatusProcessing})
	if !res.Applied || res.Previous != persistence.StatusPending {
		t.Fatalf("expected processing applied, got %+v", res)
	}
	res = mustUpdate(t, store, ref, persistence.StatusUpdate{Expected: persistence.StatusProcessing, To: persistence.StatusCompleted, Response: strptr("ls -S")})
	if !res.Applied {
		t.Fatalf("expected completed applied, got %+v", res)
	}

	got, err := store.GetEntry(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != persistence.StatusCompleted || got.Response == nil || *got.Response != "ls -S" {
		t.Fatalf("unexpected completed entry: %+v", got)
	}
	if got.CompletedAt == nil {
		t.Fatal("expected completed_at on terminal entry")
	}
	if !got.UpdatedAt.After(e.UpdatedAt) {
		t.Fatalf("expected updated_at to advance: %v -> %v", e.UpdatedAt, got.UpdatedAt)
	}
}

func TestStore_UpdatedAtIsMonotonicWithFrozenClock(t *testing.T) {
	clock := newFakeClock()
	store, _ := openTestStore(t, persistence.WithClock(clock.Now))
	e := insertPending(t, store, persistence.ScopeMachine, "req-frozen")

	mustUpdate(t, store, persistence.ByID(e.ID), persistence.StatusUpdate{To: persistence.StatusProcessing})
	got, err := store.GetEntry(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.UpdatedAt.After(e.UpdatedAt) {
		t.Fatalf("expected strictly increasing updated_at, got %v then %v", e.UpdatedAt, got.UpdatedAt)
	}
}

func TestStore_NoResurrectionFromTerminal(t *testing.T) {
	terminals := []struct {
		status persistence.Status
		resp   *string
		msg    string
	}{
		{persistence.StatusCompleted, strptr("done"), ""},
		{persistence.StatusCancelled, nil, ""},
		{persistence.StatusError, nil, "boom"},
	}
	targets := []persistence.Status{persistence.StatusPending, persistence.StatusProcessing, persistence.StatusCompleted, persistence.StatusError}

	for _, term := range terminals {
		t.Run(string(term.status), func(t *testing.T) {
			store, _ := openTestStore(t)
			e := insertPending(t, store, persistence.ScopeGlobal, "")
			ref := persistence.ByID(e.ID)
			mustUpdate(t, store, ref, persistence.StatusUpdate{To: persistence.StatusProcessing})
			mustUpdate(t, store, ref, persistence.StatusUpdate{To: term.status, Response: term.resp, ErrorMessage: term.msg})

			for _, to := range targets {
				if to == term.status {
					continue
				}
				upd := persistence.StatusUpdate{To: to, ErrorMessage: "late"}
				if to == persistence.StatusCompleted {
					upd.Response = strptr("late")
				}
				res := mustUpdate(t, store, ref, upd)
				if res.Applied {
					t.Fatalf("%s -> %s must not apply", term.status, to)
				}
				if res.Reason != persistence.ReasonIllegalTransition {
					t.Fatalf("expected illegal_transition, got %q", res.Reason)
				}
			}
			got, err := store.GetEntry(context.Background(), e.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != term.status {
				t.Fatalf("terminal status changed: %s -> %s", term.status, got.Status)
			}
		})
	}
}

func TestStore_CompensatingCancel(t *testing.T) {
	store, _ := openTestStore(t)
	e := insertPending(t, store, persistence.ScopeMachine, "req-comp")
	ref := persistence.ByID(e.ID)
	mustUpdate(t, store, ref, persistence.StatusUpdate{To: persistence.StatusProcessing})
	mustUpdate(t, store, ref, persistence.StatusUpdate{To: persistence.StatusCompleted, Response: strptr("answer")})

	res := mustUpdate(t, store, ref, persistence.StatusUpdate{To: persistence.StatusCancelled})
	if res.Applied {
		t.Fatal("plain cancel over completed must not apply")
	}
	res = mustUpdate(t, store, ref, persistence.StatusUpdate{Expected: persistence.StatusCompleted, To: persistence.StatusCancelled, Compensating: true})
	if !res.Applied {
		t.Fatalf("compensating cancel should apply, got %+v", res)
	}

	got, err := store.GetEntry(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != persistence.StatusCancelled || got.Response != nil {
		t.Fatalf("expected cancelled with nil response, got %+v", got)
	}

	res = mustUpdate(t, store, ref, persistence.StatusUpdate{To: persistence.StatusCompleted, Response: strptr("again"), Compensating: true})
	if res.Applied {
		t.Fatal("compensation only permits moving to cancelled")
	}
}

func TestStore_UpdateStatusExpectedMismatch(t *testing.T) {
	store, _ := openTestStore(t)
	e := insertPending(t, store, persistence.ScopeMachine, "")

	res := mustUpdate(t, store, persistence.ByID(e.ID), persistence.StatusUpdate{Expected: persistence.StatusProcessing, To: persistence.StatusCompleted, Response: strptr("x")})
	if res.Applied || res.Reason != persistence.ReasonStatusMismatch || res.Current != persistence.StatusPending {
		t.Fatalf("expected status mismatch, got %+v", res)
	}

	res = mustUpdate(t, store, persistence.ByID(e.ID), persistence.StatusUpdate{To: persistence.StatusPending})
	if res.Applied || res.Reason != persistence.ReasonUnchanged {
		t.Fatalf("expected unchanged, got %+v", res)
	}
}

func TestStore_CompletedRequiresResponse(t *testing.T) {
	store, _ := openTestStore(t)
	e := insertPending(t, store, persistence.ScopeMachine, "")
	_, err := store.UpdateStatus(context.Background(), persistence.ByID(e.ID), persistence.StatusUpdate{To: persistence.StatusCompleted})
	if !shared.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStore_UpdateStatusUnknownRef(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.UpdateStatus(context.Background(), persistence.ByRequestID("nope"), persistence.StatusUpdate{To: persistence.StatusCancelled})
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ConcurrentWritersSingleWinner(t *testing.T) {
	store, _ := openTestStore(t)
	e := insertPending(t, store, persistence.ScopeMachine, "req-race")
	ref := persistence.ByID(e.ID)
	mustUpdate(t, store, ref, persistence.StatusUpdate{To: persistence.StatusProcessing})

	updates := []persistence.StatusUpdate{
		{Expected: persistence.StatusProcessing, To: persistence.StatusCompleted, Response: strptr("a")},
		{Expected: persistence.StatusProcessing, To: persistence.StatusCancelled},
		{Expected: persistence.StatusProcessing, To: persistence.StatusError, ErrorMessage: "x"},
		{Expected: persistence.StatusProcessing, To: persistence.StatusCompleted, Response: strptr("b")},
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for _, upd := range updates {
		wg.Add(1)
		go func(upd persistence.StatusUpdate) {
			defer wg.Done()
			res, err := store.UpdateStatus(context.Background(), ref, upd)
			if err != nil {
				t.Errorf("update: %v", err)
				return
			}
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(upd)
	}
	wg.Wait()
	if applied != 1 {
		t.Fatalf("expected exactly one applied write, got %d", applied)
	}
}

func TestStore_QueryByScope(t *testing.T) {
	clock := newFakeClock()
	store, _ := openTestStore(t, persistence.WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		insertPending(t, store, persistence.ScopeMachine, "")
		clock.Advance(time.Second)
	}
	other := persistence.Entry{Scope: persistence.ScopeMachine, Command: "pwd", MachineID: "machine-b", SessionID: "s2"}
	if err := store.Insert(ctx, &other); err != nil {
		t.Fatalf("insert other: %v", err)
	}
	insertPending(t, store, persistence.ScopeGlobal, "")

	all, err := store.QueryByScope(ctx, persistence.ScopeMachine, persistence.QueryFilter{}, 10, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 machine entries, got %d", len(all))
	}
	if all[0].ID != other.ID {
		t.Fatalf("expected newest first, got %s", all[0].ID)
	}

	mine, err := store.QueryByScope(ctx, persistence.ScopeMachine, persistence.QueryFilter{MachineID: "machine-a"}, 2, 1)
	if err != nil {
		t.Fatalf("query filtered: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected 2 entries with limit/offset, got %d", len(mine))
	}
	for _, e := range mine {
		if e.MachineID != "machine-a" {
			t.Fatalf("filter leaked %+v", e)
		}
	}

	if _, err := store.QueryByScope(ctx, "team", persistence.QueryFilter{}, 10, 0); !shared.IsValidation(err) {
		t.Fatalf("expected validation error for unknown scope, got %v", err)
	}
}

func TestStore_RecoverInterruptedOwnMachineOnly(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	pending := insertPending(t, store, persistence.ScopeMachine, "")
	processing := insertPending(t, store, persistence.ScopeGlobal, "")
	mustUpdate(t, store, persistence.ByID(processing.ID), persistence.StatusUpdate{To: persistence.StatusProcessing})
	foreign := persistence.Entry{Scope: persistence.ScopeGlobal, Command: "pwd", MachineID: "machine-b"}
	if err := store.Insert(ctx, &foreign); err != nil {
		t.Fatalf("insert foreign: %v", err)
	}

	recovered, err := store.RecoverInterrupted(ctx, "machine-a")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(recovered) != 2 {
		t.Fatalf("expected 2 recovered entries, got %v", recovered)
	}
	for _, id := range []string{pending.ID, processing.ID} {
		got, err := store.GetEntry(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != persistence.StatusError || got.ErrorMessage != "interrupted" {
			t.Fatalf("expected interrupted error, got %+v", got)
		}
	}
	got, err := store.GetEntry(ctx, foreign.ID)
	if err != nil {
		t.Fatalf("get foreign: %v", err)
	}
	if got.Status != persistence.StatusPending {
		t.Fatalf("foreign entry must be untouched, got %s", got.Status)
	}
}

func TestStore_Backup(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	insertPending(t, store, persistence.ScopeMachine, "req-backup")

	backupPath := filepath.Join(t.TempDir(), "backup.db")
	if err := store.Backup(ctx, backupPath); err != nil {
		t.Fatalf("backup: %v", err)
	}

	backupStore, err := persistence.Open(backupPath)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer backupStore.Close()
	if _, err := backupStore.GetByRequestID(ctx, "req-backup"); err != nil {
		t.Fatalf("entry missing from backup: %v", err)
	}

	if err := store.Backup(ctx, backupPath); err == nil {
		t.Fatal("expected error backing up to existing file")
	}
}

func TestKVGetMissing(t *testing.T) {
	store, _ := openTestStore(t)
	val, err := store.KVGet(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "" {
		t.Fatalf("expected empty string, got %q", val)
	}
}

func TestKVSetAndOverwrite(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if err := store.KVSet(ctx, "sync.cursor.global", "10"); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	if err := store.KVSet(ctx, "sync.cursor.global", "42"); err != nil {
		t.Fatalf("kv overwrite: %v", err)
	}
	val, err := store.KVGet(ctx, "sync.cursor.global")
	if err != nil {
		t.Fatalf("kv get: %v", err)
	}
	if val != "42" {
		t.Fatalf("expected 42, got %q", val)
	}
}
