package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	hotel "github.com/basket/histsync/internal/otel"
	"github.com/basket/histsync/internal/persistence"
	"github.com/basket/histsync/internal/shared"
	"github.com/basket/histsync/internal/syncer"
)

// ErrUnauthorized is returned when the remote rejects the credential.
var ErrUnauthorized = errors.New("remote rejected credential")

// Client talks to a remote store over JSON/HTTP. It implements syncer.Remote.
type Client struct {
	base       *url.URL
	credential string
	http       *http.Client
	tracer     trace.Tracer
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

func WithTracer(t trace.Tracer) ClientOption {
	return func(c *Client) { c.tracer = t }
}

func NewClient(endpoint, credential string, timeout time.Duration, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote endpoint %q: scheme must be http or https", shared.Redact(endpoint))
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		base:       u,
		credential: credential,
		http:       &http.Client{Timeout: timeout},
		tracer:     hotel.Noop().Tracer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) url(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) PutEntry(ctx context.Context, e persistence.Entry) (syncer.PutResult, error) {
	ctx, span := hotel.StartClientSpan(ctx, c.tracer, "remote.put_entry", hotel.AttrEntryID.String(e.ID))
	defer span.End()

	body, err := json.Marshal(e)
	if err != nil {
		return syncer.PutResult{}, &shared.ValidationError{Field: "body", Message: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url(entriesPath+"/"+url.PathEscape(e.ID), nil), bytes.NewReader(body))
	if err != nil {
		return syncer.PutResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	var out putResponse
	if err := c.do(req, &out); err != nil {
		span.RecordError(err)
		return syncer.PutResult{}, err
	}
	return syncer.PutResult{Applied: out.Applied, Seq: out.Seq}, nil
}

func (c *Client) GetEntriesSince(ctx context.Context, cursor int64, scope persistence.Scope, filter syncer.Filter, limit int) (syncer.Page, error) {
	ctx, span := hotel.StartClientSpan(ctx, c.tracer, "remote.get_entries", hotel.AttrScope.String(string(scope)))
	defer span.End()

	q := url.Values{}
	q.Set("scope", string(scope))
	q.Set("cursor", strconv.FormatInt(cursor, 10))
	q.Set("limit", strconv.Itoa(limit))
	if filter.MachineID != "" {
		q.Set("machine_id", filter.MachineID)
	}
	if filter.UserID != "" {
		q.Set("user_id", filter.UserID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(entriesPath, q), nil)
	if err != nil {
		return syncer.Page{}, err
	}
	var out pageResponse
	if err := c.do(req, &out); err != nil {
		span.RecordError(err)
		return syncer.Page{}, err
	}
	return syncer.Page{Entries: out.Entries, NextCursor: out.NextCursor, More: out.More}, nil
}

// do sends req and decodes a 2xx body into out. Errors are classified:
// 4xx payload rejections are validation errors, 401/403 wrap
// ErrUnauthorized and everything else (network, 429, 5xx) is transient.
func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return shared.Transient(fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return shared.Transient(fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.Unmarshal(raw, out); err != nil {
			return shared.Transient(fmt.Errorf("decode response: %w", err))
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w (HTTP %d)", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusRequestEntityTooLarge,
		resp.StatusCode == http.StatusUnprocessableEntity:
		var er errorResponse
		_ = json.Unmarshal(raw, &er)
		if er.Error == "" {
			er.Error = http.StatusText(resp.StatusCode)
		}
		return &shared.ValidationError{Field: er.Field, Message: er.Error}
	}
	return shared.Transient(fmt.Errorf("%s %s: HTTP %d", req.Method, req.URL.Path, resp.StatusCode))
}
