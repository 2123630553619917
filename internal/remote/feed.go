package remote

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/histsync/internal/bus"
	"github.com/basket/histsync/internal/syncer"
)

// Feed follows the remote change feed and republishes every notice as
// bus.TopicRemoteChanged so the sync loop can pull promptly. It reconnects
// with backoff until stopped.
type Feed struct {
	url        string
	credential string
	bus        *bus.Bus
	logger     *slog.Logger

	minDelay time.Duration
	maxDelay time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewFeed(endpoint, credential string, b *bus.Bus, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	u := strings.TrimRight(endpoint, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return &Feed{
		url:        u + changesPath,
		credential: credential,
		bus:        b,
		logger:     logger,
		minDelay:   500 * time.Millisecond,
		maxDelay:   30 * time.Second,
	}
}

func (f *Feed) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return
	}
	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go f.run(ctx)
}

func (f *Feed) Stop() {
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	f.wg.Wait()
}

func (f *Feed) run(ctx context.Context) {
	defer f.wg.Done()
	for attempt := 0; ; attempt++ {
		connected, err := f.follow(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
		}
		delay := syncer.Backoff("feed", attempt, f.minDelay, f.maxDelay)
		f.logger.Warn("change feed disconnected", "error", err, "retry_in", delay.String())
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// follow holds one connection open until it fails. connected reports
// whether the handshake succeeded.
func (f *Feed) follow(ctx context.Context) (connected bool, err error) {
	hdr := http.Header{}
	if f.credential != "" {
		hdr.Set("Authorization", "Bearer "+f.credential)
	}
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dctx, f.url, &websocket.DialOptions{HTTPHeader: hdr})
	cancel()
	if err != nil {
		return false, err
	}
	defer conn.CloseNow()
	f.logger.Info("change feed connected")

	// A missed notice while disconnected is harmless; announce a change so
	// the loop catches up from its cursor.
	f.bus.Publish(bus.TopicRemoteChanged, bus.RemoteChangedEvent{})
	for {
		var n ChangeNotice
		if err := wsjson.Read(ctx, conn, &n); err != nil {
			if errors.Is(err, context.Canceled) {
				_ = conn.Close(websocket.StatusNormalClosure, "")
			}
			return true, err
		}
		f.bus.Publish(bus.TopicRemoteChanged, bus.RemoteChangedEvent{Scope: n.Scope, Cursor: n.Cursor})
	}
}
