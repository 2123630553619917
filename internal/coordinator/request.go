package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/basket/histsync/internal/persistence"
)

// Token is one independently cancellable scope of work.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newToken(parent context.Context) Token {
	ctx, cancel := context.WithCancel(parent)
	return Token{ctx: ctx, cancel: cancel}
}

func (t Token) Context() context.Context { return t.ctx }

func (t Token) Cancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Tokens groups a request's cancellation scopes. Inference and LocalMatch
// are cancelled as soon as the request is cancelled; Persistence only when
// the coordinator is closed, so an in-flight write is never torn.
type Tokens struct {
	Inference   Token
	Persistence Token
	LocalMatch  Token
}

func (t Tokens) cancelWork() {
	t.Inference.Cancel()
	t.LocalMatch.Cancel()
}

func (t Tokens) cancelAll() {
	t.cancelWork()
	t.Persistence.Cancel()
}

// Request is the in-memory record of one command. Its status is the local
// source of truth until the final status is durable.
type Request struct {
	ID        string
	Command   string
	Scope     persistence.Scope
	SessionID string
	UserID    string
	CreatedAt time.Time

	tokens Tokens

	// writeMu serializes store writes for this request.
	writeMu sync.Mutex

	mu             sync.Mutex
	status         persistence.Status
	persisted      persistence.Status
	historyEntryID string
	response       *string
	errMsg         string
	cancelReason   string
	settled        bool
	repairing      bool
	done           chan struct{}
}

func (r *Request) Tokens() Tokens {
	return r.tokens
}

func (r *Request) Status() persistence.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Request) HistoryEntryID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.historyEntryID
}

// dirty reports whether the local status is ahead of the durable one.
func (r *Request) dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persisted != "" && !r.settled && r.persisted != r.status
}

// settleLocked marks the final status durable. Callers hold r.mu.
func (r *Request) settleLocked() bool {
	if r.settled {
		return false
	}
	r.settled = true
	close(r.done)
	return true
}

func (r *Request) outcomeLocked() Outcome {
	o := Outcome{
		RequestID: r.ID,
		EntryID:   r.historyEntryID,
		Status:    r.status,
		Error:     r.errMsg,
		Reason:    r.cancelReason,
		Durable:   r.settled,
	}
	if r.response != nil {
		o.Response = *r.response
	}
	return o
}

// Outcome is the observable result of a request.
type Outcome struct {
	RequestID string
	EntryID   string
	Status    persistence.Status
	Response  string
	Error     string
	Reason    string
	// Durable is true once Status is the committed final status.
	Durable bool
}

func outcomeFromEntry(e persistence.Entry) Outcome {
	o := Outcome{
		RequestID: e.RequestID,
		EntryID:   e.ID,
		Status:    e.Status,
		Error:     e.ErrorMessage,
		Durable:   e.Status.Terminal(),
	}
	if e.Response != nil {
		o.Response = *e.Response
	}
	return o
}

// RequestOption customizes a request at creation.
type RequestOption func(*Request)

func WithScope(scope persistence.Scope) RequestOption {
	return func(r *Request) { r.Scope = scope }
}

func WithSessionID(sessionID string) RequestOption {
	return func(r *Request) { r.SessionID = sessionID }
}

func WithUserID(userID string) RequestOption {
	return func(r *Request) { r.UserID = userID }
}
