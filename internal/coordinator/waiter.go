package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/histsync/internal/bus"
	"github.com/basket/histsync/internal/persistence"
)

// EntryReader is what the waiter polls.
type EntryReader interface {
	GetByRequestID(ctx context.Context, requestID string) (persistence.Entry, error)
}

// Waiter tracks a request's final status through bus events, falling back
// to polling the store. It serves requests this process no longer holds in
// memory, including ones created by another process on the same database.
type Waiter struct {
	eventBus *bus.Bus // nil for polling-only mode
	store    EntryReader
}

func NewWaiter(eventBus *bus.Bus, store EntryReader) *Waiter {
	return &Waiter{eventBus: eventBus, store: store}
}

// WaitForRequest blocks until the entry for requestID is terminal or ctx ends.
func (w *Waiter) WaitForRequest(ctx context.Context, requestID string) (Outcome, error) {
	// Subscribe first so a transition between the check and the wait is not missed.
	var sub *bus.Subscription
	if w.eventBus != nil {
		sub = w.eventBus.Subscribe("request.")
		defer w.eventBus.Unsubscribe(sub)
	}

	if o, ok, err := w.checkTerminal(ctx, requestID); err != nil || ok {
		return o, err
	}

	tickerInterval := time.Second
	if w.eventBus == nil {
		tickerInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(tickerInterval)
	defer ticker.Stop()

	for {
		var events <-chan bus.Event
		if sub != nil {
			events = sub.Ch()
		}
		select {
		case <-ctx.Done():
			return Outcome{RequestID: requestID}, fmt.Errorf("waiting for request %s: %w", requestID, ctx.Err())
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				sub = nil
				continue
			}
			if !isEventForRequest(ev, requestID) {
				continue
			}
		}
		if o, ok, err := w.checkTerminal(ctx, requestID); err != nil || ok {
			return o, err
		}
	}
}

func isEventForRequest(ev bus.Event, requestID string) bool {
	e, ok := ev.Payload.(bus.RequestStateEvent)
	return ok && e.RequestID == requestID
}

func (w *Waiter) checkTerminal(ctx context.Context, requestID string) (Outcome, bool, error) {
	e, err := w.store.GetByRequestID(ctx, requestID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return Outcome{}, false, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
		}
		return Outcome{}, false, fmt.Errorf("get request %s: %w", requestID, err)
	}
	if !e.Status.Terminal() {
		return Outcome{}, false, nil
	}
	return outcomeFromEntry(e), true, nil
}
