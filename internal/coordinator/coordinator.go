// Package coordinator owns the request lifecycle: it creates history
// entries, drives the pending -> processing -> terminal state machine and
// guarantees that a cancellation accepted before the final status is
// durable ends up as the durable final status.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/histsync/internal/bus"
	hotel "github.com/basket/histsync/internal/otel"
	"github.com/basket/histsync/internal/persistence"
	"github.com/basket/histsync/internal/shared"
)

var (
	ErrUnknownRequest = errors.New("unknown request")
	ErrClosed         = errors.New("coordinator closed")
)

const (
	defaultWriteRetries     = 3
	defaultInferenceTimeout = 60 * time.Second
	defaultRepairBackoff    = 250 * time.Millisecond
	maxRepairBackoff        = 5 * time.Second
	recentContextEntries    = 5
	inferenceTimeoutMessage = "inference timed out"
)

// HistoryStore is the slice of the history store the coordinator writes to.
type HistoryStore interface {
	Insert(ctx context.Context, e *persistence.Entry) error
	UpdateStatus(ctx context.Context, ref persistence.Ref, upd persistence.StatusUpdate) (persistence.UpdateResult, error)
	GetByRequestID(ctx context.Context, requestID string) (persistence.Entry, error)
	QueryByScope(ctx context.Context, scope persistence.Scope, filter persistence.QueryFilter, limit, offset int) ([]persistence.Entry, error)
}

// InferenceContext is what the inferrer may use besides the command itself.
type InferenceContext struct {
	RequestID string
	SessionID string
	MachineID string
	UserID    string
	Scope     persistence.Scope
	// Recent holds the latest entries of the same session, newest first.
	Recent []persistence.Entry
}

// Inferrer turns a natural-language command into a response. It must
// return promptly once ctx is cancelled.
type Inferrer interface {
	Infer(ctx context.Context, command string, ic InferenceContext) (string, error)
}

// Matcher answers commands locally without inference. ok is false when no
// shortcut applies.
type Matcher interface {
	Match(ctx context.Context, command string) (response string, ok bool, err error)
}

// Nudger is notified after every committed write so the sync loop can run
// early.
type Nudger interface {
	Nudge()
}

// Config wires a Coordinator to its collaborators. Zero values get defaults.
type Config struct {
	MachineID        string
	UserID           string
	DefaultScope     persistence.Scope
	Inferrer         Inferrer
	Matcher          Matcher
	Nudger           Nudger
	WriteRetries     int
	InferenceTimeout time.Duration
	// RepairBackoff is the first delay before a status write that ran out
	// of retries is attempted again in the background.
	RepairBackoff time.Duration
	Bus              *bus.Bus
	Logger           *slog.Logger
	Tracer           trace.Tracer
	Metrics          *hotel.Metrics
}

// Coordinator tracks in-flight requests and owns every history write they
// make.
type Coordinator struct {
	store HistoryStore
	cfg   Config

	// root scopes inference and local matching. Persistence tokens are
	// detached from it and only cancelled once a request settles or Close
	// gives up waiting.
	root       context.Context
	cancelRoot context.CancelFunc

	mu       sync.RWMutex
	requests map[string]*Request
	closed   bool

	waiter *Waiter
	now    func() time.Time
}

// New returns a coordinator writing to store.
func New(store HistoryStore, cfg Config) *Coordinator {
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = defaultWriteRetries
	}
	if cfg.InferenceTimeout <= 0 {
		cfg.InferenceTimeout = defaultInferenceTimeout
	}
	if cfg.RepairBackoff <= 0 {
		cfg.RepairBackoff = defaultRepairBackoff
	}
	if cfg.DefaultScope == "" {
		cfg.DefaultScope = persistence.ScopeMachine
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = hotel.Noop().Tracer
	}
	if cfg.Metrics == nil {
		cfg.Metrics = hotel.MustNoopMetrics()
	}
	root, cancelRoot := context.WithCancel(context.Background())
	return &Coordinator{
		store:      store,
		cfg:        cfg,
		root:       root,
		cancelRoot: cancelRoot,
		requests:   make(map[string]*Request),
		waiter:     NewWaiter(cfg.Bus, store),
		now:        time.Now,
	}
}

func (c *Coordinator) lookup(requestID string) *Request {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.requests[requestID]
}

func (c *Coordinator) forget(requestID string) {
	c.mu.Lock()
	delete(c.requests, requestID)
	c.mu.Unlock()
}

func (c *Coordinator) snapshot() []*Request {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Request, 0, len(c.requests))
	for _, r := range c.requests {
		out = append(out, r)
	}
	return out
}

// withValues copies the tracing values of ctx onto base.
func withValues(base, ctx context.Context, requestID, sessionID string) context.Context {
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = shared.NewTraceID()
	}
	base = shared.WithTraceID(base, traceID)
	base = shared.WithRequestID(base, requestID)
	if sessionID != "" {
		base = shared.WithSessionID(base, sessionID)
	}
	return base
}

// CreateRequest registers a request and durably inserts its pending history
// entry before returning. A failed insert is returned and the request is
// discarded.
func (c *Coordinator) CreateRequest(ctx context.Context, command string, opts ...RequestOption) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", &shared.ValidationError{Field: "command", Message: "must not be empty"}
	}
	req := &Request{
		ID:        uuid.NewString(),
		Command:   command,
		Scope:     c.cfg.DefaultScope,
		UserID:    c.cfg.UserID,
		SessionID: shared.SessionID(ctx),
		CreatedAt: c.now(),
		status:    persistence.StatusPending,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(req)
	}
	if req.Scope == persistence.ScopeMachine {
		req.UserID = ""
	}
	req.tokens = Tokens{
		Inference:   newToken(withValues(c.root, ctx, req.ID, req.SessionID)),
		LocalMatch:  newToken(withValues(c.root, ctx, req.ID, req.SessionID)),
		Persistence: newToken(withValues(context.WithoutCancel(ctx), ctx, req.ID, req.SessionID)),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		req.tokens.cancelAll()
		return "", ErrClosed
	}
	c.requests[req.ID] = req
	c.mu.Unlock()

	wctx := req.tokens.Persistence.Context()
	entry := persistence.Entry{
		RequestID: req.ID,
		Scope:     req.Scope,
		Command:   req.Command,
		Status:    persistence.StatusPending,
		MachineID: c.cfg.MachineID,
		UserID:    req.UserID,
		SessionID: req.SessionID,
	}

	req.writeMu.Lock()
	err := c.withWriteRetry(wctx, "insert", func(ctx context.Context) error {
		return c.store.Insert(ctx, &entry)
	})
	if err != nil {
		req.writeMu.Unlock()
		c.forget(req.ID)
		req.tokens.cancelAll()
		c.cfg.Logger.ErrorContext(wctx, "history insert failed", "request_id", req.ID, "error", err)
		return "", fmt.Errorf("create request: %w", err)
	}
	req.mu.Lock()
	req.persisted = persistence.StatusPending
	req.historyEntryID = entry.ID
	req.mu.Unlock()

	c.cfg.Logger.InfoContext(wctx, "request created", "request_id", req.ID, "entry_id", entry.ID, "scope", string(req.Scope))
	c.publish(bus.TopicRequestCreated, bus.RequestStateEvent{
		RequestID: req.ID,
		EntryID:   entry.ID,
		NewStatus: string(persistence.StatusPending),
	})
	c.nudge()

	// A cancel that arrived during the insert is reconciled here.
	err = c.commitLocked(req)
	req.writeMu.Unlock()
	c.repairOnFailure(req, err)
	if err == nil {
		err = c.flush(req, false)
	}
	if err != nil {
		return req.ID, err
	}
	return req.ID, nil
}

// CancelRequest is idempotent. It cancels inference and local matching at
// once. A store write already in flight is left alone; its writer follows up
// with a compensating cancelled update.
func (c *Coordinator) CancelRequest(ctx context.Context, requestID, reason string) error {
	req := c.lookup(requestID)
	if req == nil {
		if _, err := c.store.GetByRequestID(ctx, requestID); err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
			}
			return err
		}
		return nil
	}
	if !c.markCancelled(req, reason) {
		// A repeated cancel retries a cancelled status that never landed.
		if req.dirty() {
			return c.flush(req, false)
		}
		return nil
	}
	c.cfg.Logger.InfoContext(req.tokens.Persistence.Context(), "request cancelled", "request_id", requestID, "reason", reason)
	c.publish(bus.TopicRequestCancelled, bus.RequestStateEvent{
		RequestID: requestID,
		EntryID:   req.HistoryEntryID(),
		NewStatus: string(persistence.StatusCancelled),
		Reason:    reason,
	})
	return c.flush(req, false)
}

// markCancelled flips the local status. A request whose final status is
// already durable cannot be cancelled any more.
func (c *Coordinator) markCancelled(req *Request, reason string) bool {
	req.mu.Lock()
	if req.settled || req.status == persistence.StatusCancelled {
		req.mu.Unlock()
		return false
	}
	req.status = persistence.StatusCancelled
	req.response = nil
	req.errMsg = ""
	req.cancelReason = reason
	req.mu.Unlock()
	req.tokens.cancelWork()
	return true
}

// CompleteRequest records a response. It only takes effect while the
// request is processing.
func (c *Coordinator) CompleteRequest(ctx context.Context, requestID, response string) (bool, error) {
	req := c.lookup(requestID)
	if req == nil {
		return false, nil
	}
	req.mu.Lock()
	if req.status != persistence.StatusProcessing {
		req.mu.Unlock()
		return false, nil
	}
	req.status = persistence.StatusCompleted
	req.response = &response
	req.mu.Unlock()
	return true, c.flush(req, true)
}

// FailRequest moves a pending or processing request to error.
func (c *Coordinator) FailRequest(ctx context.Context, requestID string, cause error) (bool, error) {
	req := c.lookup(requestID)
	if req == nil {
		return false, nil
	}
	msg := "unknown error"
	if cause != nil && cause.Error() != "" {
		msg = shared.Redact(cause.Error())
	}
	req.mu.Lock()
	if req.status != persistence.StatusProcessing && req.status != persistence.StatusPending {
		req.mu.Unlock()
		return false, nil
	}
	req.status = persistence.StatusError
	req.errMsg = msg
	req.mu.Unlock()
	return true, c.flush(req, true)
}

// CancelAllRequests cancels every request whose final status is not yet
// durable and returns how many were cancelled.
func (c *Coordinator) CancelAllRequests(ctx context.Context, reason string) int {
	n := 0
	for _, req := range c.snapshot() {
		if !c.markCancelled(req, reason) {
			continue
		}
		n++
		if err := c.flush(req, false); err != nil {
			c.cfg.Logger.WarnContext(ctx, "cancel write failed", "request_id", req.ID, "error", err)
		}
	}
	if n > 0 {
		c.cfg.Logger.InfoContext(ctx, "cancelled all requests", "count", n, "reason", reason)
	}
	return n
}

// IsRequestActive reports whether the request is known and its final status
// is not yet durable.
func (c *Coordinator) IsRequestActive(requestID string) bool {
	req := c.lookup(requestID)
	if req == nil {
		return false
	}
	req.mu.Lock()
	defer req.mu.Unlock()
	return !req.settled
}

// Request returns the in-memory request, or nil once it has settled.
func (c *Coordinator) Request(requestID string) *Request {
	return c.lookup(requestID)
}

// flush writes the local status until the durable status catches up. With
// block unset it backs off when another writer holds the request; that
// writer re-checks before releasing.
func (c *Coordinator) flush(req *Request, block bool) error {
	for {
		if block {
			req.writeMu.Lock()
		} else if !req.writeMu.TryLock() {
			return nil
		}
		err := c.commitLocked(req)
		req.writeMu.Unlock()
		if err != nil {
			c.repairOnFailure(req, err)
			return err
		}
		if !req.dirty() {
			return nil
		}
		block = false
	}
}

// commitLocked dispatches status writes until the durable status matches
// the local one. The local status is re-read under the request lock right
// before every dispatch. Callers hold req.writeMu.
func (c *Coordinator) commitLocked(req *Request) error {
	ctx := req.tokens.Persistence.Context()
	for {
		req.mu.Lock()
		if req.persisted == "" {
			req.mu.Unlock()
			return nil
		}
		if req.persisted == req.status {
			settled := req.status.Terminal() && req.settleLocked()
			req.mu.Unlock()
			if settled {
				c.onSettled(ctx, req)
			}
			return nil
		}
		upd := persistence.StatusUpdate{
			Expected:     req.persisted,
			To:           req.status,
			Response:     req.response,
			ErrorMessage: req.errMsg,
		}
		if upd.To == persistence.StatusCancelled && upd.Expected.Terminal() {
			upd.Compensating = true
		}
		entryID := req.historyEntryID
		req.mu.Unlock()

		var res persistence.UpdateResult
		err := c.withWriteRetry(ctx, "update", func(ctx context.Context) error {
			var err error
			res, err = c.store.UpdateStatus(ctx, persistence.ByID(entryID), upd)
			return err
		})
		if err != nil && upd.To == persistence.StatusCompleted && shared.IsValidation(err) {
			c.cfg.Logger.WarnContext(ctx, "response rejected by store", "request_id", req.ID, "error", err)
			req.mu.Lock()
			if req.status == persistence.StatusCompleted {
				req.status = persistence.StatusError
				req.response = nil
				req.errMsg = "response rejected: " + err.Error()
			}
			req.mu.Unlock()
			continue
		}
		if err != nil {
			c.cfg.Logger.ErrorContext(ctx, "history status write failed",
				"request_id", req.ID, "entry_id", entryID, "to", string(upd.To), "error", err)
			return fmt.Errorf("write status %s: %w", upd.To, err)
		}

		req.mu.Lock()
		if res.Applied {
			req.persisted = upd.To
		} else {
			req.persisted = res.Current
			if res.Reason == persistence.ReasonIllegalTransition || res.Current.Terminal() && req.status != persistence.StatusCancelled {
				// The durable row moved on without us; adopt it.
				req.status = res.Current
			}
		}
		req.mu.Unlock()

		if res.Applied {
			if upd.Compensating {
				c.cfg.Logger.InfoContext(ctx, "compensating cancel applied",
					"request_id", req.ID, "entry_id", entryID, "previous", string(upd.Expected))
			}
			c.publish(bus.TopicRequestState, bus.RequestStateEvent{
				RequestID: req.ID,
				EntryID:   entryID,
				OldStatus: string(upd.Expected),
				NewStatus: string(upd.To),
				Reason:    req.cancelReasonValue(),
			})
			c.nudge()
		} else if res.Reason == persistence.ReasonIllegalTransition {
			c.cfg.Logger.WarnContext(ctx, "status write rejected",
				"request_id", req.ID, "entry_id", entryID, "from", string(res.Current), "to", string(upd.To))
		}
	}
}

// repairOnFailure hands a request whose status write ran out of retries to
// a background repair loop, so the local status still becomes durable once
// the store recovers.
func (c *Coordinator) repairOnFailure(req *Request, err error) {
	if err == nil || !shared.IsTransient(err) {
		return
	}
	req.mu.Lock()
	if req.repairing || req.settled {
		req.mu.Unlock()
		return
	}
	req.repairing = true
	req.mu.Unlock()
	go c.repair(req)
}

// repair re-flushes req with capped exponential backoff until the durable
// status catches up or the persistence token ends.
func (c *Coordinator) repair(req *Request) {
	ctx := req.tokens.Persistence.Context()
	backoff := c.cfg.RepairBackoff
	limit := max(maxRepairBackoff, backoff)
	for {
		req.mu.Lock()
		if req.settled || req.persisted == "" || req.persisted == req.status || ctx.Err() != nil {
			req.repairing = false
			req.mu.Unlock()
			return
		}
		req.mu.Unlock()

		select {
		case <-ctx.Done():
		case <-time.After(backoff):
			if err := c.flush(req, true); err != nil {
				backoff = min(2*backoff, limit)
				c.cfg.Logger.WarnContext(ctx, "history status repair failed",
					"request_id", req.ID, "retry_in", backoff.String(), "error", err)
			}
		}
	}
}

func (r *Request) cancelReasonValue() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelReason
}

func (c *Coordinator) onSettled(ctx context.Context, req *Request) {
	defer req.tokens.cancelAll()
	c.forget(req.ID)
	status := req.Status()
	c.cfg.Metrics.RequestOutcomes.Add(ctx, 1, metric.WithAttributes(hotel.AttrStatus.String(string(status))))
	c.cfg.Metrics.RequestDuration.Record(ctx, c.now().Sub(req.CreatedAt).Seconds(),
		metric.WithAttributes(hotel.AttrStatus.String(string(status))))
	c.cfg.Logger.InfoContext(ctx, "request settled", "request_id", req.ID, "status", string(status))
}

// withWriteRetry retries transient store errors with exponential backoff.
func (c *Coordinator) withWriteRetry(ctx context.Context, op string, f func(context.Context) error) error {
	backoff := 25 * time.Millisecond
	var err error
	for attempt := 0; attempt <= c.cfg.WriteRetries; attempt++ {
		if attempt > 0 {
			c.cfg.Metrics.StoreWriteRetries.Add(ctx, 1, metric.WithAttributes(hotel.AttrOperation.String(op)))
			c.cfg.Logger.WarnContext(ctx, "retrying history write", "op", op, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 500*time.Millisecond {
				backoff = 500 * time.Millisecond
			}
		}
		err = f(ctx)
		if err == nil || !shared.IsTransient(err) {
			return err
		}
	}
	return err
}

// Execute drives a created request to its final status: local shortcut
// first, then inference. Cancelling ctx cancels the request.
func (c *Coordinator) Execute(ctx context.Context, requestID string) (Outcome, error) {
	req := c.lookup(requestID)
	if req == nil {
		return c.Wait(ctx, requestID)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.CancelRequest(context.WithoutCancel(ctx), requestID, "caller context done")
	})
	defer stop()

	spanCtx, span := hotel.StartSpan(req.tokens.Inference.Context(), c.cfg.Tracer, "coordinator.execute",
		hotel.AttrRequestID.String(req.ID),
		hotel.AttrScope.String(string(req.Scope)),
	)
	defer span.End()

	req.mu.Lock()
	if req.status != persistence.StatusPending {
		req.mu.Unlock()
		return c.finish(ctx, req)
	}
	req.status = persistence.StatusProcessing
	req.mu.Unlock()
	if err := c.flush(req, true); err != nil {
		span.RecordError(err)
		return c.outcome(req), err
	}

	if c.cfg.Matcher != nil && c.active(req) {
		resp, ok, err := c.cfg.Matcher.Match(req.tokens.LocalMatch.Context(), req.Command)
		switch {
		case err != nil && !shared.IsCancellation(err):
			c.cfg.Logger.WarnContext(spanCtx, "local match failed", "request_id", req.ID, "error", err)
		case ok:
			span.SetAttributes(hotel.AttrOutcome.String("local_match"))
			if _, err := c.CompleteRequest(ctx, req.ID, resp); err != nil {
				return c.outcome(req), err
			}
			return c.finish(ctx, req)
		}
	}

	if c.cfg.Inferrer == nil {
		if _, err := c.FailRequest(ctx, req.ID, errors.New("no inference backend configured")); err != nil {
			return c.outcome(req), err
		}
		return c.finish(ctx, req)
	}
	if !c.active(req) {
		return c.finish(ctx, req)
	}

	ictx, cancel := context.WithTimeout(req.tokens.Inference.Context(), c.cfg.InferenceTimeout)
	ictx = trace.ContextWithSpan(ictx, span)
	start := c.now()
	resp, err := c.cfg.Inferrer.Infer(ictx, req.Command, c.inferenceContext(ictx, req))
	timedOut := errors.Is(ictx.Err(), context.DeadlineExceeded)
	cancel()
	c.cfg.Metrics.InferenceDuration.Record(spanCtx, c.now().Sub(start).Seconds())

	switch {
	case err == nil:
		_, err = c.CompleteRequest(ctx, req.ID, resp)
	case req.Status() == persistence.StatusCancelled:
		err = c.flush(req, true)
	case timedOut:
		span.SetStatus(codes.Error, inferenceTimeoutMessage)
		_, err = c.FailRequest(ctx, req.ID, errors.New(inferenceTimeoutMessage))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		_, err = c.FailRequest(ctx, req.ID, err)
	}
	if err != nil {
		return c.outcome(req), err
	}
	return c.finish(ctx, req)
}

func (c *Coordinator) active(req *Request) bool {
	return req.Status() == persistence.StatusProcessing
}

func (c *Coordinator) inferenceContext(ctx context.Context, req *Request) InferenceContext {
	ic := InferenceContext{
		RequestID: req.ID,
		SessionID: req.SessionID,
		MachineID: c.cfg.MachineID,
		UserID:    req.UserID,
		Scope:     req.Scope,
	}
	if req.SessionID == "" {
		return ic
	}
	recent, err := c.store.QueryByScope(ctx, req.Scope, persistence.QueryFilter{SessionID: req.SessionID}, recentContextEntries+1, 0)
	if err != nil {
		c.cfg.Logger.WarnContext(ctx, "load session context failed", "request_id", req.ID, "error", err)
		return ic
	}
	for _, e := range recent {
		if e.RequestID == req.ID {
			continue
		}
		ic.Recent = append(ic.Recent, e)
		if len(ic.Recent) == recentContextEntries {
			break
		}
	}
	return ic
}

func (c *Coordinator) outcome(req *Request) Outcome {
	req.mu.Lock()
	defer req.mu.Unlock()
	return req.outcomeLocked()
}

// await blocks until req settles. If ctx ends first the current local view
// is returned with ctx's error.
func (c *Coordinator) await(ctx context.Context, req *Request) (Outcome, error) {
	select {
	case <-req.done:
		return c.outcome(req), nil
	case <-ctx.Done():
		return c.outcome(req), ctx.Err()
	}
}

// finish flushes the local status and then waits for it to settle. A write
// that keeps failing is returned to the caller while the repair loop keeps
// retrying it.
func (c *Coordinator) finish(ctx context.Context, req *Request) (Outcome, error) {
	if err := c.flush(req, true); err != nil {
		return c.outcome(req), err
	}
	return c.await(ctx, req)
}

// Wait blocks until the request's final status is durable. Requests that
// already settled are read back from the store.
func (c *Coordinator) Wait(ctx context.Context, requestID string) (Outcome, error) {
	if req := c.lookup(requestID); req != nil {
		return c.await(ctx, req)
	}
	return c.waiter.WaitForRequest(ctx, requestID)
}

// Close rejects new requests, cancels the rest and waits for their final
// writes. When ctx ends first, outstanding writes are abandoned; startup
// recovery repairs those rows.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.CancelAllRequests(ctx, "shutdown")
	c.cancelRoot()

	var err error
	for _, req := range c.snapshot() {
		select {
		case <-req.done:
		case <-ctx.Done():
			err = fmt.Errorf("close: %d requests unsettled: %w", len(c.snapshot()), ctx.Err())
		}
		if err != nil {
			break
		}
	}
	for _, req := range c.snapshot() {
		req.tokens.cancelAll()
	}
	return err
}

func (c *Coordinator) publish(topic string, ev bus.RequestStateEvent) {
	if c.cfg.Bus != nil {
		c.cfg.Bus.Publish(topic, ev)
	}
}

func (c *Coordinator) nudge() {
	if c.cfg.Nudger != nil {
		c.cfg.Nudger.Nudge()
	}
}
