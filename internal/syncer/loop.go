package syncer

import (
	"context"
	"time"

	"github.com/basket/histsync/internal/bus"
)

// Start runs cycles in a background goroutine: on the policy interval, after
// a debounced burst of nudges and on remote change notifications.
func (s *Syncer) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	var sub *bus.Subscription
	if s.bus != nil {
		sub = s.bus.SubscribeBuffered(bus.TopicRemoteChanged, 1)
	}
	s.wg.Add(1)
	go s.loop(ctx, sub)
	s.logger.Info("sync loop started", "interval", s.Policy().Interval)
}

// Stop cancels the loop and waits for the running cycle to return.
func (s *Syncer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sync loop stopped")
}

func (s *Syncer) loop(ctx context.Context, sub *bus.Subscription) {
	defer s.wg.Done()
	if sub != nil {
		defer s.bus.Unsubscribe(sub)
	}

	ticker := time.NewTicker(s.Policy().Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	var remote <-chan bus.Event
	if sub != nil {
		remote = sub.Ch()
	}

	s.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runLogged(ctx)
		case <-s.nudges:
			if debounceC == nil {
				debounce = time.NewTimer(s.Policy().Debounce)
				debounceC = debounce.C
			}
		case <-debounceC:
			debounceC = nil
			s.runLogged(ctx)
		case _, ok := <-remote:
			if !ok {
				remote = nil
				continue
			}
			s.runLogged(ctx)
		case <-s.reconfig:
			ticker.Reset(s.Policy().Interval)
			s.logger.Info("sync policy updated", "interval", s.Policy().Interval)
		}
	}
}

func (s *Syncer) runLogged(ctx context.Context) {
	report, err := s.RunSyncCycle(ctx)
	if report.Skipped {
		s.logger.Debug("sync cycle skipped: previous cycle still running")
		return
	}
	if err != nil && ctx.Err() == nil {
		s.logger.Error("sync cycle failed", "cycle_id", report.CycleID, "error", err)
	}
}

// FinalDrain makes one bounded upload attempt at shutdown. Items that do not
// make it stay queued for the next start. It returns the remaining depth.
func (s *Syncer) FinalDrain(ctx context.Context, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()
	for !s.running.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			return s.depth(), ctx.Err()
		case <-poll.C:
		}
	}
	defer s.running.Store(false)

	report, err := s.cycle(ctx, false)
	if err != nil {
		s.logger.Warn("final drain incomplete", "uploaded", report.Uploaded, "remaining", report.QueueDepth, "error", err)
	} else {
		s.logger.Info("final drain finished", "uploaded", report.Uploaded, "remaining", report.QueueDepth)
	}
	return s.depth(), err
}

func (s *Syncer) depth() int {
	n, err := s.store.SyncQueueDepth(context.Background())
	if err != nil {
		return -1
	}
	return n
}
