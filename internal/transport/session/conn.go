package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/felipepmaragno/agent-gateway/internal/transport"
)

const (
	maxEventBytes = 4 << 20
	maxPostBytes  = 1 << 20
)

var errStreamClosed = errors.New("event stream closed")

// conn is one event stream plus the request endpoint it announced. Responses
// arriving on the stream are routed to callers through pending, keyed by id.
type conn struct {
	ep     transport.Endpoint
	client *http.Client
	logger *slog.Logger

	body    io.ReadCloser
	cancel  context.CancelFunc
	postURL string

	endpoint chan string
	done     chan struct{}
	err      error

	nextID  atomic.Int64
	pendMu  sync.Mutex
	pending map[string]chan rpcResponse
}

func dial(ctx context.Context, client *http.Client, ep transport.Endpoint, logger *slog.Logger) (*conn, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, ep.URL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if err := ep.Apply(req); err != nil {
		cancel()
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open event stream: status %d", resp.StatusCode)
	}

	c := &conn{
		ep:       ep,
		client:   client,
		logger:   logger,
		body:     resp.Body,
		cancel:   cancel,
		endpoint: make(chan string, 1),
		done:     make(chan struct{}),
		pending:  make(map[string]chan rpcResponse),
	}
	go c.readLoop()

	select {
	case path := <-c.endpoint:
		postURL, err := resolveEndpoint(ep.URL, path)
		if err != nil {
			c.close()
			return nil, err
		}
		c.postURL = postURL
		logger.Debug("session endpoint announced", "url", postURL)
		return c, nil
	case <-c.done:
		c.close()
		return nil, fmt.Errorf("waiting for endpoint: %w", c.err)
	case <-ctx.Done():
		c.close()
		return nil, ctx.Err()
	}
}

func resolveEndpoint(streamURL, path string) (string, error) {
	base, err := url.Parse(streamURL)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(path))
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", path, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (c *conn) close() {
	c.cancel()
	c.body.Close()
}

func (c *conn) readLoop() {
	defer close(c.done)

	scanner := bufio.NewScanner(c.body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)

	var event string
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(data) > 0 {
				c.dispatch(event, strings.Join(data, "\n"))
			}
			event, data = "", nil
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			data = append(data, value)
		}
	}

	if err := scanner.Err(); err != nil {
		c.err = err
		return
	}
	c.err = errStreamClosed
}

func (c *conn) dispatch(event, data string) {
	if event == "endpoint" {
		select {
		case c.endpoint <- data:
		default:
		}
		return
	}

	var resp rpcResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		c.logger.Debug("ignoring undecodable event", "event", event, "error", err)
		return
	}
	c.deliver(resp)
}

// deliver hands resp to the caller waiting on its id. A terminal response
// without an id goes to the only outstanding call, if there is exactly one.
func (c *conn) deliver(resp rpcResponse) {
	if resp.Method != "" && !resp.terminal() {
		return
	}

	key := idKey(resp.ID)

	c.pendMu.Lock()
	ch, ok := c.pending[key]
	if !ok && key == "" && len(c.pending) == 1 {
		for k, only := range c.pending {
			key, ch, ok = k, only, true
		}
	}
	if ok {
		delete(c.pending, key)
	}
	c.pendMu.Unlock()

	if ok {
		ch <- resp
	}
}

func idKey(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "null" {
		return ""
	}
	return strings.Trim(s, `"`)
}

func (c *conn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	key := strconv.FormatInt(id, 10)

	ch := make(chan rpcResponse, 1)
	c.pendMu.Lock()
	c.pending[key] = ch
	c.pendMu.Unlock()

	defer func() {
		c.pendMu.Lock()
		delete(c.pending, key)
		c.pendMu.Unlock()
	}()

	if err := c.post(ctx, rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, resp.Error)
		}
		return resp.Result, nil
	case <-c.done:
		return nil, fmt.Errorf("%s: %w", method, c.err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) notify(ctx context.Context, method string) error {
	if err := c.post(ctx, rpcRequest{JSONRPC: "2.0", Method: method}); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// post sends msg to the announced endpoint. Servers usually answer 202 and
// reply on the stream; a JSON-RPC body in the response is delivered directly.
func (c *conn) post(ctx context.Context, msg rpcRequest) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.postURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.ep.Apply(req); err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPostBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '{' {
		var direct rpcResponse
		if err := json.Unmarshal(body, &direct); err == nil && direct.terminal() {
			c.deliver(direct)
		}
	}
	return nil
}
