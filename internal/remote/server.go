package remote

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"

	hotel "github.com/basket/histsync/internal/otel"
	"github.com/basket/histsync/internal/persistence"
	"github.com/basket/histsync/internal/shared"
	"github.com/basket/histsync/internal/syncer"
)

const feedBuffer = 32

type ServerConfig struct {
	Store *ServerStore
	// Credential is the bearer token clients must present. Empty rejects
	// every request.
	Credential string
	Logger     *slog.Logger
	Tracer     trace.Tracer
	RateLimit  RateLimit
}

// Server is the reference remote store.
type Server struct {
	cfg       ServerConfig
	validator *EntryValidator
	limiter   *limiter

	feedMu sync.Mutex
	feeds  map[*feedClient]struct{}
}

type feedClient struct {
	ch chan ChangeNotice
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = hotel.Noop().Tracer
	}
	v, err := NewEntryValidator()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:       cfg,
		validator: v,
		limiter:   newLimiter(cfg.RateLimit, nil),
		feeds:     map[*feedClient]struct{}{},
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("PUT "+entriesPath+"/{id}", s.requireAuth(http.HandlerFunc(s.handlePut)))
	mux.Handle("GET "+entriesPath, s.requireAuth(http.HandlerFunc(s.handleList)))
	mux.Handle("GET "+changesPath, s.requireAuth(http.HandlerFunc(s.handleChanges)))
	return mux
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.Credential == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Credential)) == 1
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return s.limiter.wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	n, err := s.cfg.Store.Count(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "entries": n})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, span := hotel.StartServerSpan(r.Context(), s.cfg.Tracer, "remote.put", hotel.AttrEntryID.String(id))
	defer span.End()

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.validator.Validate(raw); err != nil {
		s.reject(w, err)
		return
	}
	var e persistence.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		s.reject(w, &shared.ValidationError{Field: "body", Message: err.Error()})
		return
	}
	if e.ID != id {
		s.reject(w, &shared.ValidationError{Field: "id", Message: "path and body disagree"})
		return
	}

	res, err := s.cfg.Store.Put(ctx, e)
	if err != nil {
		span.RecordError(err)
		s.cfg.Logger.ErrorContext(ctx, "remote put failed", "entry_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "store unavailable"})
		return
	}
	if res.Applied {
		s.broadcast(ChangeNotice{Scope: string(e.Scope), Cursor: res.Seq})
	}
	writeJSON(w, http.StatusOK, putResponse{Applied: res.Applied, Seq: res.Seq})
}

func (s *Server) reject(w http.ResponseWriter, err error) {
	var verr *shared.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: verr.Message, Field: verr.Field})
		return
	}
	writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope, err := persistence.ParseScope(q.Get("scope"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Field: "scope"})
		return
	}
	cursor, _ := strconv.ParseInt(q.Get("cursor"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	filter := syncer.Filter{MachineID: q.Get("machine_id"), UserID: q.Get("user_id")}

	ctx, span := hotel.StartServerSpan(r.Context(), s.cfg.Tracer, "remote.list", hotel.AttrScope.String(string(scope)))
	defer span.End()
	page, err := s.cfg.Store.Since(ctx, cursor, scope, filter, limit)
	if err != nil {
		span.RecordError(err)
		s.cfg.Logger.ErrorContext(ctx, "remote list failed", "scope", string(scope), "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "store unavailable"})
		return
	}
	resp := pageResponse{Entries: page.Entries, NextCursor: page.NextCursor, More: page.More}
	if resp.Entries == nil {
		resp.Entries = []persistence.Entry{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChanges streams a ChangeNotice per applied put. A client that falls
// behind is disconnected; it resumes from its persisted cursor.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	// Register before the handshake completes so no put lands in between.
	fc := &feedClient{ch: make(chan ChangeNotice, feedBuffer)}
	s.feedMu.Lock()
	s.feeds[fc] = struct{}{}
	s.feedMu.Unlock()
	defer func() {
		s.feedMu.Lock()
		delete(s.feeds, fc)
		s.feedMu.Unlock()
	}()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.cfg.Logger.Info("change feed: client connected")
	defer s.cfg.Logger.Info("change feed: client disconnected")

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case n, ok := <-fc.ch:
			if !ok {
				_ = conn.Close(websocket.StatusPolicyViolation, "backpressure")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, conn, n)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) broadcast(n ChangeNotice) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	for fc := range s.feeds {
		select {
		case fc.ch <- n:
		default:
			close(fc.ch)
			delete(s.feeds, fc)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
