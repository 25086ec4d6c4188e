// Package session implements the event-stream tool protocol: a GET opens an
// event stream, the server announces a request endpoint, and JSON-RPC 2.0
// requests posted there are answered on the stream.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
	"github.com/felipepmaragno/agent-gateway/internal/httputil"
	"github.com/felipepmaragno/agent-gateway/internal/transport"
)

const (
	DefaultTimeout = 30 * time.Second
	maxListPages   = 10
)

type Adapter struct {
	client  *http.Client
	timeout time.Duration
	info    clientInfo
	logger  *slog.Logger
}

type Option func(*Adapter)

func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		a.timeout = d
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		a.logger = l
	}
}

func NewAdapter(client *http.Client, opts ...Option) *Adapter {
	if client == nil {
		client = httputil.NewClient(httputil.StreamConfig())
	}
	a := &Adapter{
		client:  client,
		timeout: DefaultTimeout,
		info:    clientInfo{Name: "agent-gateway", Version: "1.0"},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Kind() string {
	return transport.KindSession
}

// session runs fn on a freshly initialized connection. The timeout covers the
// whole sequence; the stream is torn down when fn returns.
func (a *Adapter) session(ctx context.Context, ep transport.Endpoint, fn func(context.Context, *conn) error) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	logger := a.logger.With("server", ep.Server, "transport", transport.KindSession)

	err := func() error {
		c, err := dial(ctx, a.client, ep, logger)
		if err != nil {
			return err
		}
		defer c.close()

		if _, err := c.call(ctx, "initialize", initializeParams{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    map[string]any{},
			ClientInfo:      a.info,
		}); err != nil {
			return err
		}
		if err := c.notify(ctx, "notifications/initialized"); err != nil {
			return err
		}

		return fn(ctx, c)
	}()

	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %s", domain.ErrToolServerTimeout, ep.Server, a.timeout)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", ep.Server, err)
	}
	return nil
}

func (a *Adapter) ListTools(ctx context.Context, ep transport.Endpoint) ([]domain.ToolDescriptor, error) {
	var out []domain.ToolDescriptor

	err := a.session(ctx, ep, func(ctx context.Context, c *conn) error {
		cursor := ""
		for page := 0; page < maxListPages; page++ {
			raw, err := c.call(ctx, "tools/list", listParams{Cursor: cursor})
			if err != nil {
				return err
			}

			var res listResult
			if err := json.Unmarshal(raw, &res); err != nil {
				return fmt.Errorf("decode tools/list: %w", err)
			}
			for _, t := range res.Tools {
				if t.Name == "" {
					continue
				}
				out = append(out, domain.ToolDescriptor{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
			}

			if res.NextCursor == "" {
				return nil
			}
			cursor = res.NextCursor
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Adapter) CallTool(ctx context.Context, ep transport.Endpoint, name string, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	var out json.RawMessage
	err := a.session(ctx, ep, func(ctx context.Context, c *conn) error {
		raw, err := c.call(ctx, "tools/call", callParams{Name: name, Arguments: args})
		if err != nil {
			return err
		}
		out, err = decodeCallResult(raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// decodeCallResult flattens a tools/call result into one JSON value. Text
// content that parses as JSON is returned as that value. A result flagged as
// an error becomes {"error": text}.
func decodeCallResult(raw json.RawMessage) (json.RawMessage, error) {
	var res callResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode tools/call: %w", err)
	}

	var texts []string
	for _, c := range res.Content {
		if c.Type == "text" {
			texts = append(texts, c.Text)
		}
	}
	text := strings.TrimSpace(strings.Join(texts, "\n"))

	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return json.Marshal(map[string]string{"error": text})
	}

	if len(res.StructuredContent) > 0 {
		return res.StructuredContent, nil
	}
	if text == "" {
		return json.RawMessage(`null`), nil
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	return json.Marshal(text)
}
