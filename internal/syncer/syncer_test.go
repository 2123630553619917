package syncer_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/basket/histsync/internal/audit"
	"github.com/basket/histsync/internal/bus"
	"github.com/basket/histsync/internal/persistence"
	"github.com/basket/histsync/internal/shared"
	"github.com/basket/histsync/internal/syncer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
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

// memRemote is an in-memory remote store with last-write-wins puts and a
// monotonically increasing sequence cursor.
type memRemote struct {
	mu    sync.Mutex
	rows  map[string]persistence.Entry
	seqOf map[string]int64
	seq   int64
	puts  int

	// failPut rejects before the row is stored; failAck fails after.
	failPut func(persistence.Entry) error
	failAck func(persistence.Entry) error
	onPut   func(persistence.Entry)
}

func newMemRemote() *memRemote {
	return &memRemote{rows: map[string]persistence.Entry{}, seqOf: map[string]int64{}}
}

func (r *memRemote) PutEntry(ctx context.Context, e persistence.Entry) (syncer.PutResult, error) {
	if r.onPut != nil {
		r.onPut(e)
	}
	r.mu.Lock()
	r.puts++
	if r.failPut != nil {
		if err := r.failPut(e); err != nil {
			r.mu.Unlock()
			return syncer.PutResult{}, err
		}
	}
	res := syncer.PutResult{}
	cur, ok := r.rows[e.ID]
	if !ok || !e.UpdatedAt.Before(cur.UpdatedAt) && (e.UpdatedAt.After(cur.UpdatedAt) || e.Status != cur.Status) {
		r.seq++
		r.rows[e.ID] = e
		r.seqOf[e.ID] = r.seq
		res.Applied = true
	}
	res.Seq = r.seqOf[e.ID]
	failAck := r.failAck
	r.mu.Unlock()
	if failAck != nil {
		if err := failAck(e); err != nil {
			return syncer.PutResult{}, err
		}
	}
	return res, nil
}

func (r *memRemote) GetEntriesSince(ctx context.Context, cursor int64, scope persistence.Scope, filter syncer.Filter, limit int) (syncer.Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failPut != nil {
		if err := r.failPut(persistence.Entry{}); err != nil {
			return syncer.Page{}, err
		}
	}
	var ids []string
	for id, e := range r.rows {
		if r.seqOf[id] <= cursor || e.Scope != scope {
			continue
		}
		if filter.MachineID != "" && e.MachineID != filter.MachineID {
			continue
		}
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return r.seqOf[ids[i]] < r.seqOf[ids[j]] })
	page := syncer.Page{NextCursor: cursor}
	if len(ids) > limit {
		ids = ids[:limit]
		page.More = true
	}
	for _, id := range ids {
		page.Entries = append(page.Entries, r.rows[id])
		page.NextCursor = r.seqOf[id]
	}
	return page, nil
}

func (r *memRemote) get(id string) (persistence.Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	return e, ok
}

func (r *memRemote) putCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.puts
}

type harness struct {
	store  *persistence.Store
	sync   *syncer.Syncer
	clock  *fakeClock
	logs   *syncBuffer
	bus    *bus.Bus
	remote *memRemote
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newHarness(t *testing.T, remote *memRemote, machineID string, policy syncer.Policy) *harness {
	t.Helper()
	clock := newFakeClock()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "history.db"), persistence.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if policy.BackoffBase == 0 {
		policy.BackoffBase = time.Second
		policy.BackoffCap = 10 * time.Second
	}
	logs := &syncBuffer{}
	b := bus.New()
	s := syncer.New(syncer.Config{
		Store:     store,
		Remote:    remote,
		MachineID: machineID,
		UserID:    "user-1",
		Policy:    policy,
		Bus:       b,
		Logger:    slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Now:       clock.Now,
	})
	return &harness{store: store, sync: s, clock: clock, logs: logs, bus: b, remote: remote}
}

func (h *harness) insert(t *testing.T, scope persistence.Scope, command string) persistence.Entry {
	t.Helper()
	e := persistence.Entry{Scope: scope, Command: command, MachineID: "machine-a", SessionID: "s1"}
	if scope != persistence.ScopeMachine {
		e.UserID = "user-1"
	}
	if err := h.store.Insert(context.Background(), &e); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return e
}

func (h *harness) complete(t *testing.T, id, response string) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.store.UpdateStatus(ctx, persistence.ByID(id), persistence.StatusUpdate{To: persistence.StatusProcessing}); err != nil {
		t.Fatalf("processing: %v", err)
	}
	if _, err := h.store.UpdateStatus(ctx, persistence.ByID(id), persistence.StatusUpdate{To: persistence.StatusCompleted, Response: &response}); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func (h *harness) cycle(t *testing.T) syncer.CycleReport {
	t.Helper()
	report, err := h.sync.RunSyncCycle(context.Background())
	if err != nil {
		t.Fatalf("sync cycle: %v", err)
	}
	return report
}

func (h *harness) depth(t *testing.T) int {
	t.Helper()
	n, err := h.store.SyncQueueDepth(context.Background())
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	return n
}

func TestUpload_CompletesAndMarksSynced(t *testing.T) {
	remote := newMemRemote()
	h := newHarness(t, remote, "machine-a", syncer.Policy{})
	e := h.insert(t, persistence.ScopeMachine, "ls")
	h.complete(t, e.ID, "file.txt")

	report := h.cycle(t)
	if report.Uploaded != 1 || report.QueueDepth != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	got, ok := remote.get(e.ID)
	if !ok || got.Status != persistence.StatusCompleted || got.Response == nil || *got.Response != "file.txt" {
		t.Fatalf("remote row = %+v ok=%v", got, ok)
	}
	local, err := h.store.GetEntry(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if local.SyncedAt == nil {
		t.Fatal("expected synced_at to be set")
	}
	if remote.putCount() != 1 {
		t.Fatalf("coalesced mutations should upload once, got %d puts", remote.putCount())
	}
}

func TestUpload_IdempotentWhenAckIsLost(t *testing.T) {
	remote := newMemRemote()
	lost := true
	remote.failAck = func(persistence.Entry) error {
		if lost {
			lost = false
			return shared.Transient(errors.New("connection reset"))
		}
		return nil
	}
	h := newHarness(t, remote, "machine-a", syncer.Policy{})
	e := h.insert(t, persistence.ScopeGlobal, "uptime")

	first := h.cycle(t)
	if first.Retried != 1 || h.depth(t) != 1 {
		t.Fatalf("expected retry after lost ack, got %+v", first)
	}
	item, ok, err := h.store.GetSyncItem(context.Background(), e.ID)
	if err != nil || !ok || item.Attempt != 1 || item.LastError == "" {
		t.Fatalf("unexpected queue item %+v ok=%v err=%v", item, ok, err)
	}

	h.clock.Advance(time.Minute)
	second := h.cycle(t)
	if second.Uploaded != 1 || h.depth(t) != 0 {
		t.Fatalf("expected upload on retry, got %+v", second)
	}
	remote.mu.Lock()
	rows := len(remote.rows)
	seq := remote.seq
	remote.mu.Unlock()
	if rows != 1 || seq != 1 {
		t.Fatalf("re-upload changed remote state: rows=%d seq=%d", rows, seq)
	}
}

func TestUpload_BoundedRetryDropsWithTrail(t *testing.T) {
	home := t.TempDir()
	if err := audit.Init(home); err != nil {
		t.Fatalf("audit init: %v", err)
	}
	t.Cleanup(func() { _ = audit.Close() })

	remote := newMemRemote()
	remote.failPut = func(persistence.Entry) error { return shared.Transient(errors.New("503 service unavailable")) }
	h := newHarness(t, remote, "machine-a", syncer.Policy{MaxAttempts: 3})
	sub := h.bus.Subscribe(bus.TopicSyncLostMutation)
	defer h.bus.Unsubscribe(sub)
	e := h.insert(t, persistence.ScopeMachine, "doomed")

	var dropped int
	for i := 0; i < 3; i++ {
		report, _ := h.sync.RunSyncCycle(context.Background())
		dropped += report.Dropped
		h.clock.Advance(time.Minute)
	}
	if dropped != 1 || h.depth(t) != 0 {
		t.Fatalf("expected one drop and an empty queue, dropped=%d depth=%d", dropped, h.depth(t))
	}
	if remote.putCount() != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", remote.putCount())
	}

	lost, err := h.store.LostMutations(context.Background(), 10)
	if err != nil || len(lost) != 1 || lost[0].HistoryEntryID != e.ID {
		t.Fatalf("lost mutations = %+v err=%v", lost, err)
	}
	if !strings.Contains(lost[0].Snapshot, "doomed") {
		t.Fatalf("snapshot missing entry payload: %s", lost[0].Snapshot)
	}
	if !strings.Contains(h.logs.String(), "lost mutation") {
		t.Fatalf("expected error log for lost mutation, got %s", h.logs.String())
	}
	trail, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if !strings.Contains(string(trail), audit.ActionLostMutation) || !strings.Contains(string(trail), e.ID) {
		t.Fatalf("audit trail missing drop: %s", trail)
	}
	select {
	case ev := <-sub.Ch():
		lm, ok := ev.Payload.(bus.LostMutationEvent)
		if !ok || lm.EntryID != e.ID || lm.Attempt != 3 {
			t.Fatalf("unexpected event %+v", ev.Payload)
		}
	default:
		t.Fatal("expected lost mutation event")
	}
	health, err := h.sync.Health(context.Background())
	if err != nil || health.LostMutations != 1 {
		t.Fatalf("health = %+v err=%v", health, err)
	}
}

func TestUpload_ValidationRejectionDropsImmediately(t *testing.T) {
	remote := newMemRemote()
	remote.failPut = func(persistence.Entry) error {
		return &shared.ValidationError{Field: "response", Message: "too large"}
	}
	h := newHarness(t, remote, "machine-a", syncer.Policy{MaxAttempts: 5})
	h.insert(t, persistence.ScopeMachine, "big")

	report, _ := h.sync.RunSyncCycle(context.Background())
	if report.Dropped != 1 || report.Retried != 0 || h.depth(t) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestUpload_MutationDuringUploadStaysQueued(t *testing.T) {
	remote := newMemRemote()
	h := newHarness(t, remote, "machine-a", syncer.Policy{})
	e := h.insert(t, persistence.ScopeMachine, "racy")

	once := sync.Once{}
	remote.onPut = func(persistence.Entry) {
		once.Do(func() {
			if _, err := h.store.UpdateStatus(context.Background(), persistence.ByID(e.ID),
				persistence.StatusUpdate{To: persistence.StatusCancelled}); err != nil {
				t.Errorf("update during upload: %v", err)
			}
		})
	}

	// The stale upload must not clear the newer queued version.
	h.cycle(t)
	if h.depth(t) != 1 {
		t.Fatalf("newer version was dropped, depth %d", h.depth(t))
	}
	h.clock.Advance(time.Second)
	h.cycle(t)
	if h.depth(t) != 0 {
		t.Fatalf("expected queue drained, depth %d", h.depth(t))
	}
	got, _ := remote.get(e.ID)
	if got.Status != persistence.StatusCancelled {
		t.Fatalf("remote has stale status %s", got.Status)
	}
}

func TestDownload_PagesAndPersistsCursor(t *testing.T) {
	remote := newMemRemote()
	base := time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		resp := "r"
		e := persistence.Entry{
			ID: "remote-" + string(rune('a'+i)), Scope: persistence.ScopeGlobal, Command: "cmd",
			Status: persistence.StatusCompleted, Response: &resp, MachineID: "machine-b", SessionID: "s",
			CreatedAt: base, UpdatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if _, err := remote.PutEntry(context.Background(), e); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	h := newHarness(t, remote, "machine-a", syncer.Policy{PageSize: 2})

	report := h.cycle(t)
	if report.Downloaded != 5 {
		t.Fatalf("expected 5 downloaded, got %+v", report)
	}
	cursor, err := h.sync.Cursor(context.Background(), persistence.ScopeGlobal)
	if err != nil || cursor != 5 {
		t.Fatalf("cursor = %d err=%v", cursor, err)
	}
	if h.depth(t) != 0 {
		t.Fatal("merged rows must not be queued for upload")
	}
	again := h.cycle(t)
	if again.Downloaded != 0 {
		t.Fatalf("expected nothing new, got %+v", again)
	}
}

func TestDownload_MachineScopeFilteredToThisMachine(t *testing.T) {
	remote := newMemRemote()
	now := time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC)
	for _, m := range []string{"machine-a", "machine-b"} {
		e := persistence.Entry{
			ID: "id-" + m, Scope: persistence.ScopeMachine, Command: "x", Status: persistence.StatusCancelled,
			MachineID: m, SessionID: "s", CreatedAt: now, UpdatedAt: now,
		}
		if _, err := remote.PutEntry(context.Background(), e); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	h := newHarness(t, remote, "machine-a", syncer.Policy{})
	h.cycle(t)
	if _, err := h.store.GetEntry(context.Background(), "id-machine-a"); err != nil {
		t.Fatalf("own machine row missing: %v", err)
	}
	if _, err := h.store.GetEntry(context.Background(), "id-machine-b"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("foreign machine row leaked: %v", err)
	}
}

func TestTwoMachinesConverge(t *testing.T) {
	remote := newMemRemote()
	a := newHarness(t, remote, "machine-a", syncer.Policy{})
	b := newHarness(t, remote, "machine-b", syncer.Policy{})

	e := a.insert(t, persistence.ScopeUser, "shared command")
	a.cycle(t)
	b.cycle(t)
	got, err := b.store.GetEntry(context.Background(), e.ID)
	if err != nil || got.Status != persistence.StatusPending {
		t.Fatalf("machine b after first sync: %+v err=%v", got, err)
	}

	a.clock.Advance(time.Second)
	a.complete(t, e.ID, "done")
	a.cycle(t)
	b.cycle(t)

	ea, _ := a.store.GetEntry(context.Background(), e.ID)
	eb, err := b.store.GetEntry(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("get on b: %v", err)
	}
	if ea.Status != eb.Status || *ea.Response != *eb.Response || !ea.UpdatedAt.Equal(eb.UpdatedAt) {
		t.Fatalf("machines diverged:\na=%+v\nb=%+v", ea, eb)
	}
	if b.depth(t) != 0 {
		t.Fatal("machine b queued merged rows")
	}
}

func TestDownload_OlderRemoteRowDiscarded(t *testing.T) {
	remote := newMemRemote()
	h := newHarness(t, remote, "machine-a", syncer.Policy{})
	e := h.insert(t, persistence.ScopeGlobal, "mine")
	h.cycle(t)

	// Local completes while uploads fail, and the remote re-announces its
	// older pending copy.
	h.clock.Advance(time.Second)
	h.complete(t, e.ID, "local answer")
	remote.failPut = func(p persistence.Entry) error {
		if p.ID != "" {
			return shared.Transient(errors.New("503"))
		}
		return nil
	}
	remote.mu.Lock()
	remote.seq++
	remote.seqOf[e.ID] = remote.seq
	remote.mu.Unlock()

	report := h.cycle(t)
	if report.Retried != 1 || report.Discarded != 1 || report.Downloaded != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	local, _ := h.store.GetEntry(context.Background(), e.ID)
	if local.Status != persistence.StatusCompleted || local.Response == nil {
		t.Fatalf("local terminal row regressed: %+v", local)
	}
}

func TestOfflineThenReconnect(t *testing.T) {
	remote := newMemRemote()
	var offlineMu sync.Mutex
	offline := true
	remote.failPut = func(persistence.Entry) error {
		offlineMu.Lock()
		defer offlineMu.Unlock()
		if offline {
			return shared.Transient(errors.New("dial tcp: connection refused"))
		}
		return nil
	}
	h := newHarness(t, remote, "machine-a", syncer.Policy{MaxAttempts: 10})

	var ids []string
	for i := 0; i < 4; i++ {
		e := h.insert(t, persistence.ScopeMachine, "offline cmd")
		h.complete(t, e.ID, "ok")
		ids = append(ids, e.ID)
	}
	for i := 0; i < 3; i++ {
		_, err := h.sync.RunSyncCycle(context.Background())
		if err == nil {
			t.Fatal("expected download error while offline")
		}
		h.clock.Advance(time.Minute)
	}
	if h.depth(t) != 4 {
		t.Fatalf("entries must stay queued while offline, depth %d", h.depth(t))
	}
	health, _ := h.sync.Health(context.Background())
	if health.LastError == "" || health.QueueDepth != 4 {
		t.Fatalf("health should report the outage: %+v", health)
	}

	offlineMu.Lock()
	offline = false
	offlineMu.Unlock()
	report := h.cycle(t)
	if report.Uploaded != 4 || h.depth(t) != 0 {
		t.Fatalf("expected full drain on reconnect, got %+v", report)
	}
	for _, id := range ids {
		if _, ok := remote.get(id); !ok {
			t.Fatalf("entry %s never reached the remote", id)
		}
	}
}

func TestRunSyncCycle_NeverOverlaps(t *testing.T) {
	remote := newMemRemote()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	remote.onPut = func(persistence.Entry) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	h := newHarness(t, remote, "machine-a", syncer.Policy{})
	h.insert(t, persistence.ScopeMachine, "slow upload")

	done := make(chan error, 1)
	go func() {
		_, err := h.sync.RunSyncCycle(context.Background())
		done <- err
	}()
	<-entered
	report, err := h.sync.RunSyncCycle(context.Background())
	if err != nil || !report.Skipped {
		t.Fatalf("overlapping cycle ran: %+v err=%v", report, err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
}

func TestLoop_NudgeTriggersCycle(t *testing.T) {
	remote := newMemRemote()
	h := newHarness(t, remote, "machine-a", syncer.Policy{Interval: time.Hour, Debounce: 20 * time.Millisecond})
	sub := h.bus.Subscribe(bus.TopicSyncCycle)
	defer h.bus.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sync.Start(ctx)
	defer h.sync.Stop()

	waitCycle := func() bus.SyncCycleEvent {
		t.Helper()
		select {
		case ev := <-sub.Ch():
			return ev.Payload.(bus.SyncCycleEvent)
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for sync cycle")
		}
		return bus.SyncCycleEvent{}
	}
	waitCycle() // startup cycle

	e := h.insert(t, persistence.ScopeMachine, "nudged")
	for i := 0; i < 5; i++ {
		h.sync.Nudge()
	}
	ev := waitCycle()
	if ev.Uploaded != 1 {
		t.Fatalf("expected nudged upload, got %+v", ev)
	}
	if _, ok := remote.get(e.ID); !ok {
		t.Fatal("entry not uploaded")
	}
}

func TestLoop_RemoteChangeTriggersCycle(t *testing.T) {
	remote := newMemRemote()
	h := newHarness(t, remote, "machine-a", syncer.Policy{Interval: time.Hour})
	sub := h.bus.Subscribe(bus.TopicSyncCycle)
	defer h.bus.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sync.Start(ctx)
	defer h.sync.Stop()
	<-sub.Ch()

	now := time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC)
	_, _ = remote.PutEntry(ctx, persistence.Entry{
		ID: "pushed", Scope: persistence.ScopeGlobal, Command: "x", Status: persistence.StatusPending,
		MachineID: "machine-b", SessionID: "s", CreatedAt: now, UpdatedAt: now,
	})
	h.bus.Publish(bus.TopicRemoteChanged, bus.RemoteChangedEvent{Scope: "global", Cursor: 1})

	select {
	case ev := <-sub.Ch():
		if ev.Payload.(bus.SyncCycleEvent).Downloaded != 1 {
			t.Fatalf("unexpected cycle %+v", ev.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("remote change did not trigger a cycle")
	}
}

func TestFinalDrain_UploadsWithinTimeout(t *testing.T) {
	remote := newMemRemote()
	h := newHarness(t, remote, "machine-a", syncer.Policy{})
	h.insert(t, persistence.ScopeMachine, "a")
	h.insert(t, persistence.ScopeMachine, "b")

	remaining, err := h.sync.FinalDrain(context.Background(), time.Second)
	if err != nil || remaining != 0 {
		t.Fatalf("final drain remaining=%d err=%v", remaining, err)
	}
}

func TestFinalDrain_LeavesItemsQueuedWhenOffline(t *testing.T) {
	remote := newMemRemote()
	remote.failPut = func(persistence.Entry) error { return shared.Transient(errors.New("offline")) }
	h := newHarness(t, remote, "machine-a", syncer.Policy{})
	h.insert(t, persistence.ScopeMachine, "a")

	remaining, _ := h.sync.FinalDrain(context.Background(), time.Second)
	if remaining != 1 {
		t.Fatalf("expected item to stay queued, remaining=%d", remaining)
	}
}

func TestSetPolicy_AppliesImmediately(t *testing.T) {
	h := newHarness(t, newMemRemote(), "machine-a", syncer.Policy{})
	h.sync.SetPolicy(syncer.Policy{Interval: 5 * time.Second, MaxAttempts: 2})
	p := h.sync.Policy()
	if p.Interval != 5*time.Second || p.MaxAttempts != 2 || p.BatchSize != 50 {
		t.Fatalf("unexpected policy %+v", p)
	}
}
