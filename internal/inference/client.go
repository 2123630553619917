// Package inference provides the collaborators the coordinator consults to
// answer a command: an HTTP client for an OpenAI-compatible chat endpoint
// and a local regular-expression shortcut table.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/histsync/internal/coordinator"
	hotel "github.com/basket/histsync/internal/otel"
	"github.com/basket/histsync/internal/shared"
)

const systemPrompt = "You translate natural-language requests into a single shell command. " +
	"Reply with the command only."

var ErrEmptyResponse = errors.New("inference returned no choices")

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	User     string        `json:"user,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message *chatMessage `json:"message,omitempty"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Client calls POST <endpoint>/chat/completions.
type Client struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
	tracer   trace.Tracer
}

func NewClient(endpoint, apiKey, model string, timeout time.Duration, tracer trace.Tracer) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if model == "" {
		model = "default"
	}
	if tracer == nil {
		tracer = hotel.Noop().Tracer
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		http:     &http.Client{Timeout: timeout},
		tracer:   tracer,
	}
}

// Infer sends the command with the recent session history as prior turns.
func (c *Client) Infer(ctx context.Context, command string, ic coordinator.InferenceContext) (string, error) {
	ctx, span := hotel.StartClientSpan(ctx, c.tracer, "inference.infer", hotel.AttrRequestID.String(ic.RequestID))
	defer span.End()

	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: buildMessages(command, ic),
		User:     ic.UserID,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read inference response: %w", err)
	}

	var out chatResponse
	decodeErr := json.Unmarshal(raw, &out)
	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if decodeErr == nil && out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return "", fmt.Errorf("inference endpoint: HTTP %d: %s", resp.StatusCode, shared.Redact(msg))
	}
	if decodeErr != nil {
		return "", fmt.Errorf("decode inference response: %w", decodeErr)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message == nil {
		return "", ErrEmptyResponse
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func buildMessages(command string, ic coordinator.InferenceContext) []chatMessage {
	msgs := []chatMessage{{Role: "system", Content: systemPrompt}}
	// Recent is newest first.
	for i := len(ic.Recent) - 1; i >= 0; i-- {
		e := ic.Recent[i]
		if e.Response == nil {
			continue
		}
		msgs = append(msgs,
			chatMessage{Role: "user", Content: e.Command},
			chatMessage{Role: "assistant", Content: *e.Response},
		)
	}
	return append(msgs, chatMessage{Role: "user", Content: command})
}
