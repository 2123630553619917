// Package syncer reconciles the local history with the remote store. A
// cycle uploads due queue items and then pulls remote changes per scope.
// Conflicts resolve last-write-wins on updatedAt inside the store's Merge.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/histsync/internal/audit"
	"github.com/basket/histsync/internal/bus"
	hotel "github.com/basket/histsync/internal/otel"
	"github.com/basket/histsync/internal/persistence"
	"github.com/basket/histsync/internal/shared"
)

const (
	cursorKeyPrefix = "sync.cursor."
	// maxUploadBatches bounds one cycle's upload phase when writes keep
	// coalescing new versions into the queue.
	maxUploadBatches = 20
)

// PutResult reports what the remote did with an upload.
type PutResult struct {
	// Applied is false when the remote already held this or a newer version.
	Applied bool
	Seq     int64
}

// Filter narrows a download to the rows this machine may see.
type Filter struct {
	MachineID string
	UserID    string
}

// Page is one slice of remote rows ordered by the remote's sequence.
type Page struct {
	Entries    []persistence.Entry
	NextCursor int64
	More       bool
}

// Remote is the remote store. Implementations return errors satisfying
// shared.IsValidation for permanent rejections; everything else is retried.
type Remote interface {
	PutEntry(ctx context.Context, e persistence.Entry) (PutResult, error)
	GetEntriesSince(ctx context.Context, cursor int64, scope persistence.Scope, filter Filter, limit int) (Page, error)
}

// Policy holds the tunables that may change while the loop runs.
type Policy struct {
	Interval      time.Duration
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	BatchSize     int
	PageSize      int
	Debounce      time.Duration
	RemoteTimeout time.Duration
}

func (p Policy) normalized() Policy {
	if p.Interval <= 0 {
		p.Interval = 30 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 8
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = time.Second
	}
	if p.BackoffCap < p.BackoffBase {
		p.BackoffCap = 10 * time.Minute
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 50
	}
	if p.PageSize <= 0 {
		p.PageSize = 100
	}
	if p.Debounce <= 0 {
		p.Debounce = 500 * time.Millisecond
	}
	if p.RemoteTimeout <= 0 {
		p.RemoteTimeout = 15 * time.Second
	}
	return p
}

type Config struct {
	Store     *persistence.Store
	Remote    Remote
	MachineID string
	UserID    string
	Policy    Policy
	Bus       *bus.Bus
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *hotel.Metrics
	// Now defaults to time.Now. Queue eligibility is evaluated against it.
	Now func() time.Time
}

// CycleReport summarises one cycle.
type CycleReport struct {
	CycleID    string
	Skipped    bool
	Uploaded   int
	Retried    int
	Dropped    int
	Downloaded int
	Discarded  int
	QueueDepth int
	Duration   time.Duration
}

// Health is the sync state visible to the foreground.
type Health struct {
	QueueDepth    int
	LostMutations int
	LastCycleAt   time.Time
	LastError     string
	Running       bool
}

type Syncer struct {
	store     *persistence.Store
	remote    Remote
	machineID string
	userID    string
	bus       *bus.Bus
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *hotel.Metrics
	now       func() time.Time

	policyMu sync.RWMutex
	policy   Policy

	running atomic.Bool

	healthMu    sync.Mutex
	lastCycleAt time.Time
	lastErr     string

	nudges   chan struct{}
	reconfig chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(cfg Config) *Syncer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = hotel.Noop().Tracer
	}
	if cfg.Metrics == nil {
		cfg.Metrics = hotel.MustNoopMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Syncer{
		store:     cfg.Store,
		remote:    cfg.Remote,
		machineID: cfg.MachineID,
		userID:    cfg.UserID,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
		policy:    cfg.Policy.normalized(),
		nudges:    make(chan struct{}, 1),
		reconfig:  make(chan struct{}, 1),
	}
}

func (s *Syncer) Policy() Policy {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	return s.policy
}

// SetPolicy swaps the tunables. A running loop picks up the new interval
// immediately.
func (s *Syncer) SetPolicy(p Policy) {
	s.policyMu.Lock()
	s.policy = p.normalized()
	s.policyMu.Unlock()
	select {
	case s.reconfig <- struct{}{}:
	default:
	}
}

// Enqueue records a local mutation for upload and nudges the loop.
func (s *Syncer) Enqueue(ctx context.Context, historyEntryID string, op persistence.Operation) error {
	if err := s.store.EnqueueSync(ctx, historyEntryID, op); err != nil {
		return err
	}
	s.Nudge()
	return nil
}

// Nudge asks the loop for an early cycle. Bursts collapse into one.
func (s *Syncer) Nudge() {
	select {
	case s.nudges <- struct{}{}:
	default:
	}
}

// RunSyncCycle uploads due items and downloads remote changes. It returns a
// skipped report when another cycle is in progress.
func (s *Syncer) RunSyncCycle(ctx context.Context) (CycleReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return CycleReport{Skipped: true}, nil
	}
	defer s.running.Store(false)
	return s.cycle(ctx, true)
}

func (s *Syncer) cycle(ctx context.Context, download bool) (CycleReport, error) {
	start := time.Now()
	report := CycleReport{CycleID: uuid.NewString()}
	ctx = shared.WithCycleID(ctx, report.CycleID)
	ctx, span := hotel.StartSpan(ctx, s.tracer, "sync.cycle", hotel.AttrCycleID.String(report.CycleID))
	defer span.End()

	var errs []error
	if err := s.upload(ctx, &report); err != nil {
		errs = append(errs, fmt.Errorf("upload: %w", err))
	}
	if download {
		if err := s.download(ctx, &report); err != nil {
			errs = append(errs, fmt.Errorf("download: %w", err))
		}
	}
	err := errors.Join(errs...)

	if depth, derr := s.store.SyncQueueDepth(ctx); derr == nil {
		report.QueueDepth = depth
		s.metrics.SyncQueueDepth.Record(ctx, int64(depth))
	}
	report.Duration = time.Since(start)
	s.metrics.SyncCycleDuration.Record(ctx, report.Duration.Seconds())

	s.healthMu.Lock()
	s.lastCycleAt = s.now()
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
	s.healthMu.Unlock()

	ev := bus.SyncCycleEvent{
		CycleID:    report.CycleID,
		Uploaded:   report.Uploaded,
		Retried:    report.Retried,
		Dropped:    report.Dropped,
		Downloaded: report.Downloaded,
		Discarded:  report.Discarded,
		QueueDepth: report.QueueDepth,
	}
	if err != nil {
		ev.Err = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.WarnContext(ctx, "sync cycle finished with errors",
			"uploaded", report.Uploaded, "retried", report.Retried, "dropped", report.Dropped,
			"downloaded", report.Downloaded, "queue_depth", report.QueueDepth, "error", err)
	} else {
		s.logger.DebugContext(ctx, "sync cycle finished",
			"uploaded", report.Uploaded, "retried", report.Retried, "dropped", report.Dropped,
			"downloaded", report.Downloaded, "discarded", report.Discarded, "queue_depth", report.QueueDepth,
			"duration_ms", report.Duration.Milliseconds())
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicSyncCycle, ev)
	}
	return report, err
}

func (s *Syncer) upload(ctx context.Context, report *CycleReport) error {
	p := s.Policy()
	for batch := 0; batch < maxUploadBatches; batch++ {
		items, err := s.store.DueSyncItems(ctx, s.now(), p.BatchSize)
		if err != nil {
			return err
		}
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.uploadOne(ctx, p, item, report); err != nil {
				return err
			}
		}
		if len(items) < p.BatchSize {
			return nil
		}
	}
	return nil
}

// uploadOne pushes one queue item. Only local store failures are returned;
// remote failures are absorbed into the item's retry state.
func (s *Syncer) uploadOne(ctx context.Context, p Policy, item persistence.SyncItem, report *CycleReport) error {
	ctx, span := hotel.StartClientSpan(ctx, s.tracer, "sync.upload",
		hotel.AttrEntryID.String(item.HistoryEntryID),
		hotel.AttrOperation.String(string(item.Operation)),
		hotel.AttrAttempt.Int(item.Attempt),
	)
	defer span.End()

	entry, err := s.store.GetEntry(ctx, item.HistoryEntryID)
	if errors.Is(err, persistence.ErrNotFound) {
		_, err = s.store.CompleteSyncItem(ctx, item.HistoryEntryID, item.Version)
		return err
	}
	if err != nil {
		return err
	}

	rctx, cancel := context.WithTimeout(ctx, p.RemoteTimeout)
	_, err = s.remote.PutEntry(rctx, entry)
	cancel()

	switch {
	case err == nil:
		report.Uploaded++
		s.metrics.SyncUploads.Add(ctx, 1, metric.WithAttributes(hotel.AttrOutcome.String("ok")))
		done, err := s.store.CompleteSyncItem(ctx, item.HistoryEntryID, item.Version)
		if err != nil {
			return err
		}
		if done {
			return s.store.MarkSynced(ctx, item.HistoryEntryID, s.now())
		}
		// A newer mutation coalesced in meanwhile; it uploads next.
		return nil

	case shared.IsValidation(err):
		span.RecordError(err)
		return s.drop(ctx, item, "rejected by remote: "+err.Error(), report)

	case ctx.Err() != nil:
		return ctx.Err()
	}

	span.RecordError(err)
	attempt := item.Attempt + 1
	if attempt >= p.MaxAttempts {
		return s.drop(ctx, item, fmt.Sprintf("gave up after %d attempts: %v", attempt, err), report)
	}
	delay := Backoff(item.HistoryEntryID, attempt, p.BackoffBase, p.BackoffCap)
	if _, rerr := s.store.RescheduleSyncItem(ctx, item.HistoryEntryID, item.Version, s.now().Add(delay), err.Error()); rerr != nil {
		return rerr
	}
	report.Retried++
	s.metrics.SyncUploads.Add(ctx, 1, metric.WithAttributes(hotel.AttrOutcome.String("retry")))
	s.logger.WarnContext(ctx, "upload failed, will retry",
		"entry_id", item.HistoryEntryID, "attempt", attempt, "retry_in", delay.String(), "error", err)
	return nil
}

// drop removes an item permanently. The loss is logged, audited and
// published; nothing is silently discarded.
func (s *Syncer) drop(ctx context.Context, item persistence.SyncItem, reason string, report *CycleReport) error {
	dropped, err := s.store.DropSyncItem(ctx, item, reason)
	if err != nil {
		return err
	}
	if !dropped {
		// Superseded by a newer version, which gets a fresh retry budget.
		return nil
	}
	report.Dropped++
	s.metrics.SyncUploads.Add(ctx, 1, metric.WithAttributes(hotel.AttrOutcome.String("dropped")))
	s.metrics.LostMutations.Add(ctx, 1)
	s.logger.ErrorContext(ctx, "lost mutation: dropped from sync queue",
		"entry_id", item.HistoryEntryID, "scope", string(item.Scope), "operation", string(item.Operation),
		"attempt", item.Attempt+1, "reason", reason)
	audit.Record(ctx, audit.DecisionDrop, audit.ActionLostMutation, reason, item.HistoryEntryID)
	if s.bus != nil {
		s.bus.Publish(bus.TopicSyncLostMutation, bus.LostMutationEvent{
			EntryID: item.HistoryEntryID,
			Attempt: item.Attempt + 1,
			Reason:  reason,
		})
	}
	return nil
}

func (s *Syncer) scopes() []persistence.Scope {
	out := []persistence.Scope{persistence.ScopeMachine}
	if s.userID != "" {
		out = append(out, persistence.ScopeUser)
	}
	return append(out, persistence.ScopeGlobal)
}

func (s *Syncer) filterFor(scope persistence.Scope) Filter {
	switch scope {
	case persistence.ScopeMachine:
		return Filter{MachineID: s.machineID}
	case persistence.ScopeUser:
		return Filter{UserID: s.userID}
	}
	return Filter{}
}

func (s *Syncer) download(ctx context.Context, report *CycleReport) error {
	var errs []error
	for _, scope := range s.scopes() {
		if err := s.downloadScope(ctx, scope, report); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", scope, err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// downloadScope pages from the stored cursor and persists the cursor after
// every fully merged page.
func (s *Syncer) downloadScope(ctx context.Context, scope persistence.Scope, report *CycleReport) error {
	p := s.Policy()
	ctx, span := hotel.StartClientSpan(ctx, s.tracer, "sync.download", hotel.AttrScope.String(string(scope)))
	defer span.End()

	cursor, err := s.Cursor(ctx, scope)
	if err != nil {
		return err
	}
	filter := s.filterFor(scope)
	for {
		rctx, cancel := context.WithTimeout(ctx, p.RemoteTimeout)
		page, err := s.remote.GetEntriesSince(rctx, cursor, scope, filter, p.PageSize)
		cancel()
		if err != nil {
			span.RecordError(err)
			return err
		}
		for _, e := range page.Entries {
			outcome, err := s.store.Merge(ctx, e)
			if shared.IsValidation(err) {
				report.Discarded++
				s.logger.WarnContext(ctx, "skipping invalid remote entry", "entry_id", e.ID, "error", err)
				continue
			}
			if err != nil {
				return err
			}
			s.metrics.SyncDownloads.Add(ctx, 1, metric.WithAttributes(hotel.AttrOutcome.String(outcome.String())))
			if outcome == persistence.ConflictDiscarded {
				report.Discarded++
				s.logger.DebugContext(ctx, "remote entry older than local", "entry_id", e.ID)
				continue
			}
			report.Downloaded++
		}
		if page.NextCursor > cursor {
			cursor = page.NextCursor
			if err := s.store.KVSet(ctx, cursorKeyPrefix+string(scope), strconv.FormatInt(cursor, 10)); err != nil {
				return err
			}
		}
		if !page.More || len(page.Entries) == 0 {
			return nil
		}
	}
}

// Cursor returns the last persisted download cursor for scope.
func (s *Syncer) Cursor(ctx context.Context, scope persistence.Scope) (int64, error) {
	raw, err := s.store.KVGet(ctx, cursorKeyPrefix+string(scope))
	if err != nil || raw == "" {
		return 0, err
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt %s cursor %q: %w", scope, raw, err)
	}
	return cursor, nil
}

func (s *Syncer) Health(ctx context.Context) (Health, error) {
	depth, err := s.store.SyncQueueDepth(ctx)
	if err != nil {
		return Health{}, err
	}
	lost, err := s.store.LostMutationCount(ctx)
	if err != nil {
		return Health{}, err
	}
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	return Health{
		QueueDepth:    depth,
		LostMutations: lost,
		LastCycleAt:   s.lastCycleAt,
		LastError:     s.lastErr,
		Running:       s.running.Load(),
	}, nil
}
