package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/histsync/internal/persistence"
)

func TestRunRetention_KeepsQueuedAndRecentRows(t *testing.T) {
	clock := newFakeClock()
	store, _ := openTestStore(t, persistence.WithClock(clock.Now))
	ctx := context.Background()

	synced := insertPending(t, store, persistence.ScopeMachine, "")
	mustUpdate(t, store, persistence.ByID(synced.ID), persistence.StatusUpdate{To: persistence.StatusCancelled})
	item, _, _ := store.GetSyncItem(ctx, synced.ID)
	if _, err := store.CompleteSyncItem(ctx, synced.ID, item.Version); err != nil {
		t.Fatalf("complete: %v", err)
	}

	queued := insertPending(t, store, persistence.ScopeMachine, "")
	mustUpdate(t, store, persistence.ByID(queued.ID), persistence.StatusUpdate{To: persistence.StatusError, ErrorMessage: "x"})

	active := insertPending(t, store, persistence.ScopeMachine, "")
	item, _, _ = store.GetSyncItem(ctx, active.ID)
	if _, err := store.CompleteSyncItem(ctx, active.ID, item.Version); err != nil {
		t.Fatalf("complete active: %v", err)
	}

	// Zero windows keep everything.
	res, err := store.RunRetention(ctx, persistence.RetentionPolicy{})
	if err != nil {
		t.Fatalf("retention (keep forever): %v", err)
	}
	if res.Total() != 0 {
		t.Fatalf("expected nothing purged, got %+v", res)
	}

	clock.Advance(48 * time.Hour)
	res, err = store.RunRetention(ctx, persistence.RetentionPolicy{Machine: 24 * time.Hour})
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if res.PurgedMachine != 1 {
		t.Fatalf("expected one purged machine row, got %+v", res)
	}
	if _, err := store.GetEntry(ctx, synced.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected synced terminal row purged, got %v", err)
	}
	if _, err := store.GetEntry(ctx, queued.ID); err != nil {
		t.Fatalf("queued row must survive retention: %v", err)
	}
	if _, err := store.GetEntry(ctx, active.ID); err != nil {
		t.Fatalf("non-terminal row must survive retention: %v", err)
	}

	// Second run is a no-op.
	res, err = store.RunRetention(ctx, persistence.RetentionPolicy{Machine: 24 * time.Hour})
	if err != nil {
		t.Fatalf("retention rerun: %v", err)
	}
	if res.Total() != 0 {
		t.Fatalf("expected idempotent rerun, got %+v", res)
	}
}

func TestRunRetention_PerScopeWindows(t *testing.T) {
	clock := newFakeClock()
	store, _ := openTestStore(t, persistence.WithClock(clock.Now))
	ctx := context.Background()

	for _, scope := range persistence.AllScopes() {
		e := insertPending(t, store, scope, "")
		mustUpdate(t, store, persistence.ByID(e.ID), persistence.StatusUpdate{To: persistence.StatusCancelled})
		item, _, _ := store.GetSyncItem(ctx, e.ID)
		if _, err := store.CompleteSyncItem(ctx, e.ID, item.Version); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}

	clock.Advance(10 * 24 * time.Hour)
	res, err := store.RunRetention(ctx, persistence.RetentionPolicy{
		Machine: 7 * 24 * time.Hour,
		User:    30 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if res.PurgedMachine != 1 || res.PurgedUser != 0 || res.PurgedGlobal != 0 {
		t.Fatalf("unexpected purge counts: %+v", res)
	}
	var indexed int
	if err := store.DB().QueryRow(`SELECT COUNT(1) FROM entry_index;`).Scan(&indexed); err != nil {
		t.Fatalf("count index: %v", err)
	}
	if indexed != 2 {
		t.Fatalf("expected index rows cleaned with entries, got %d", indexed)
	}
}
