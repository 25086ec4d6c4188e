// Package discovery builds the tool catalog a run sees: local procedures plus
// every configured remote server, namespaced, sanitized for the LLM and capped.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/felipepmaragno/agent-gateway/internal/cache"
	"github.com/felipepmaragno/agent-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/agent-gateway/internal/domain"
	"github.com/felipepmaragno/agent-gateway/internal/metrics"
	"github.com/felipepmaragno/agent-gateway/internal/notifications"
	"github.com/felipepmaragno/agent-gateway/internal/tools"
	"github.com/felipepmaragno/agent-gateway/internal/transport"
)

const DefaultMaxTools = 64

// Server is one remote tool server.
type Server struct {
	Name      string
	Transport string
	Endpoint  transport.Endpoint
	// Allow restricts the server to these tool names when non-empty.
	Allow []string
}

// Entry maps an LLM-facing tool name back to where it lives.
type Entry struct {
	Name      string `json:"name"`
	Qualified string `json:"qualified"`
	Server    string `json:"server,omitempty"`
	Transport string `json:"transport"`
}

// Catalog is the result of one discovery pass.
type Catalog struct {
	Registry *tools.Registry
	Entries  []Entry
	// Dropped counts tools left out by the catalog cap.
	Dropped int

	byName map[string]Entry
}

// Resolve returns the qualified name behind an LLM-facing tool name.
func (c *Catalog) Resolve(name string) (Entry, bool) {
	e, ok := c.byName[name]
	return e, ok
}

func (c *Catalog) List() []domain.ToolDescriptor {
	return c.Registry.List()
}

func (c *Catalog) Lookup(name string) (tools.Tool, bool) {
	return c.Registry.Lookup(name)
}

func (c *Catalog) Invoke(ctx context.Context, name string, args json.RawMessage) tools.Result {
	return c.Registry.Invoke(ctx, name, args)
}

// Qualified returns the namespaced name for name, or name itself when it is
// not in the catalog.
func (c *Catalog) Qualified(name string) string {
	if e, ok := c.byName[name]; ok {
		return e.Qualified
	}
	return name
}

type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	URL       string `json:"url"`
	Breaker   string `json:"breaker"`
}

type Discovery struct {
	mu      sync.RWMutex
	servers []Server

	local    transport.Adapter
	adapters map[string]transport.Adapter
	breakers *circuitbreaker.Manager
	cache    cache.Cache
	ttl      time.Duration
	maxTools int
	notifier notifications.Notifier
	logger   *slog.Logger
}

type Option func(*Discovery)

func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(d *Discovery) {
		d.cache = c
		d.ttl = ttl
	}
}

// WithBreakers supplies the breaker manager. Its state listener is taken over
// by discovery.
func WithBreakers(m *circuitbreaker.Manager) Option {
	return func(d *Discovery) {
		d.breakers = m
	}
}

func WithMaxTools(n int) Option {
	return func(d *Discovery) {
		d.maxTools = n
	}
}

func WithNotifier(n notifications.Notifier) Option {
	return func(d *Discovery) {
		d.notifier = n
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Discovery) {
		d.logger = l
	}
}

// New wires the local adapter and the remote adapters, keyed by Kind().
func New(local transport.Adapter, remote []transport.Adapter, opts ...Option) *Discovery {
	d := &Discovery{
		local:    local,
		adapters: make(map[string]transport.Adapter, len(remote)),
		maxTools: DefaultMaxTools,
		logger:   slog.Default(),
	}
	for _, a := range remote {
		d.adapters[a.Kind()] = a
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "discovery")

	if d.breakers == nil {
		d.breakers = circuitbreaker.NewManager(circuitbreaker.DefaultConfig())
	}
	d.breakers.OnStateChange(d.breakerChanged)
	return d
}

func (d *Discovery) breakerChanged(server string, s circuitbreaker.State) {
	metrics.SetCircuitBreakerState(server, int(s))
	if s != circuitbreaker.StateOpen {
		return
	}

	d.logger.Warn("tool server circuit opened", "tool_server", server)
	if d.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := d.notifier.Send(ctx, notifications.Notification{
			Type:    notifications.NotificationToolServerDown,
			Message: fmt.Sprintf("tool server %s is failing and has been paused", server),
			Data:    map[string]any{"server": server},
		})
		if err != nil {
			d.logger.Error("failed to send tool server notification", "tool_server", server, "error", err)
		}
	}()
}

// SetServers replaces the configured servers. Cached catalogs are flushed
// when the cache supports it.
func (d *Discovery) SetServers(servers []Server) {
	sorted := append([]Server(nil), servers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	d.mu.Lock()
	d.servers = sorted
	d.mu.Unlock()

	if f, ok := d.cache.(interface{ Flush() }); ok {
		f.Flush()
	}
	d.logger.Info("tool servers updated", "count", len(sorted))
}

func (d *Discovery) Servers() []Server {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Server(nil), d.servers...)
}

func (d *Discovery) Status(ctx context.Context) []ServerStatus {
	servers := d.Servers()
	out := make([]ServerStatus, 0, len(servers))
	for _, s := range servers {
		out = append(out, ServerStatus{
			Name:      s.Name,
			Transport: s.Transport,
			URL:       s.Endpoint.URL,
			Breaker:   d.breakers.Get(s.Name).State(ctx).String(),
		})
	}
	return out
}

type listing struct {
	server Server
	tools  []domain.ToolDescriptor
}

// Build discovers every tool visible to subject (the tenant id, forwarded to
// servers that use jwt auth). Failing servers are skipped, never fatal.
func (d *Discovery) Build(ctx context.Context, subject string) (*Catalog, error) {
	cat := &Catalog{Registry: tools.NewRegistry(), byName: make(map[string]Entry)}
	used := make(map[string]struct{})

	if d.local != nil {
		descs, err := d.local.ListTools(ctx, transport.Endpoint{})
		if err != nil {
			return nil, fmt.Errorf("list local tools: %w", err)
		}
		for _, desc := range descs {
			if err := d.add(cat, used, desc, desc.Name, "", transport.KindLocal, d.localExecutor(desc.Name)); err != nil {
				return nil, err
			}
		}
	}

	for _, l := range d.listAll(ctx, subject) {
		for _, desc := range l.tools {
			qualified := QualifiedName(l.server.Name, desc.Name)
			exec := d.remoteExecutor(l.server, subject, desc.Name)
			if err := d.add(cat, used, desc, qualified, l.server.Name, l.server.Transport, exec); err != nil {
				return nil, err
			}
		}
	}

	if cat.Dropped > 0 {
		d.logger.Warn("tool catalog truncated", "limit", d.maxTools, "dropped", cat.Dropped)
	}
	return cat, nil
}

func (d *Discovery) add(cat *Catalog, used map[string]struct{}, desc domain.ToolDescriptor, qualified, server, kind string, exec tools.Executor) error {
	if cat.Registry.Len() >= d.maxTools {
		cat.Dropped++
		return nil
	}

	name := safeName(qualified, used)
	desc.Name = name
	if len(desc.Parameters) == 0 {
		desc.Parameters = json.RawMessage(`{"type":"object","properties":{}}`)
	}

	if err := cat.Registry.Register(tools.Tool{Descriptor: desc, Transport: kind, Executor: exec}); err != nil {
		return err
	}

	e := Entry{Name: name, Qualified: qualified, Server: server, Transport: kind}
	cat.Entries = append(cat.Entries, e)
	cat.byName[name] = e
	return nil
}

// listAll lists every server concurrently. Results keep server order.
func (d *Discovery) listAll(ctx context.Context, subject string) []listing {
	servers := d.Servers()
	results := make([]listing, len(servers))

	var wg sync.WaitGroup
	for i, s := range servers {
		wg.Add(1)
		go func(i int, s Server) {
			defer wg.Done()
			results[i] = listing{server: s, tools: d.list(ctx, s, subject)}
		}(i, s)
	}
	wg.Wait()

	return results
}

func (d *Discovery) list(ctx context.Context, s Server, subject string) []domain.ToolDescriptor {
	logger := d.logger.With("tool_server", s.Name)

	adapter, ok := d.adapters[s.Transport]
	if !ok {
		logger.Warn("no adapter for transport", "transport", s.Transport)
		return nil
	}

	breaker := d.breakers.Get(s.Name)
	if err := breaker.Allow(ctx); err != nil {
		logger.Debug("skipping tool server", "error", err)
		return nil
	}

	key := cache.Key(s.Transport, s.Name, s.Endpoint.URL, subject)
	if d.cache != nil {
		if descs, ok := d.cache.Get(ctx, key); ok {
			metrics.RecordCatalogCache(true)
			return filter(descs, s.Allow)
		}
		metrics.RecordCatalogCache(false)
	}

	descs, err := d.fetch(ctx, adapter, breaker, s, subject)
	if err != nil {
		logger.Warn("tool discovery failed", "error", err)
		return nil
	}

	if d.cache != nil {
		if err := d.cache.Set(ctx, key, descs, d.ttl); err != nil {
			logger.Warn("failed to cache tool catalog", "error", err)
		}
	}
	return filter(descs, s.Allow)
}

// fetch lists s without the cache and feeds the outcome to its breaker.
func (d *Discovery) fetch(ctx context.Context, adapter transport.Adapter, breaker circuitbreaker.Breaker, s Server, subject string) ([]domain.ToolDescriptor, error) {
	start := time.Now()
	descs, err := adapter.ListTools(ctx, s.Endpoint.WithSubject(subject))
	metrics.ObserveToolListDuration(s.Transport, time.Since(start).Seconds())
	if err != nil {
		breaker.RecordFailure(ctx)
		metrics.RecordToolServerError(s.Name, "list")
		return nil, err
	}
	breaker.RecordSuccess(ctx)

	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	return descs, nil
}

func filter(descs []domain.ToolDescriptor, allow []string) []domain.ToolDescriptor {
	if len(allow) == 0 {
		return descs
	}
	allowed := make(map[string]bool, len(allow))
	for _, name := range allow {
		allowed[name] = true
	}

	out := make([]domain.ToolDescriptor, 0, len(descs))
	for _, desc := range descs {
		if allowed[desc.Name] {
			out = append(out, desc)
		}
	}
	return out
}

func (d *Discovery) localExecutor(name string) tools.Executor {
	return tools.ExecutorFunc(func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return d.local.CallTool(ctx, transport.Endpoint{}, name, args)
	})
}

func (d *Discovery) remoteExecutor(s Server, subject, tool string) tools.Executor {
	return tools.ExecutorFunc(func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		adapter, ok := d.adapters[s.Transport]
		if !ok {
			return nil, fmt.Errorf("no adapter for transport %q", s.Transport)
		}

		breaker := d.breakers.Get(s.Name)
		if err := breaker.Allow(ctx); err != nil {
			return nil, fmt.Errorf("%s: %w", s.Name, err)
		}

		out, err := adapter.CallTool(ctx, s.Endpoint.WithSubject(subject), tool, args)
		if err != nil {
			breaker.RecordFailure(ctx)
			metrics.RecordToolServerError(s.Name, "call")
			d.logger.Warn("tool call failed", "tool_server", s.Name, "tool", tool, "error", err)
			return nil, err
		}
		breaker.RecordSuccess(ctx)
		return out, nil
	})
}
