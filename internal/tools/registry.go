// Package tools holds the per-run catalog of invocable tools. It backs both
// the tool list sent to the LLM and the dispatch table the orchestrator
// resolves tool calls against.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
)

type Executor interface {
	Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

type ExecutorFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return f(ctx, args)
}

type Tool struct {
	Descriptor domain.ToolDescriptor
	// Transport names the adapter behind Executor, for metrics.
	Transport string
	Executor  Executor
}

// Result is what a tool call hands back to the model. Content is always valid
// JSON; failures are encoded as {"error": "..."} with IsError set.
type Result struct {
	Content json.RawMessage
	IsError bool
	Err     error
}

func ErrorResult(err error) Result {
	content, _ := json.Marshal(map[string]string{"error": err.Error()})
	return Result{Content: content, IsError: true, Err: err}
}

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*entry)}
}

var ErrDuplicateTool = errors.New("tool already registered")

// Register adds a tool. A parameter schema that does not compile is kept for
// the model but skipped for argument validation.
func (r *Registry) Register(t Tool) error {
	if t.Descriptor.Name == "" {
		return errors.New("tool name is required")
	}
	if t.Executor == nil {
		return fmt.Errorf("tool %s: executor is required", t.Descriptor.Name)
	}

	var schema *jsonschema.Schema
	if len(t.Descriptor.Parameters) > 0 {
		if s, err := jsonschema.CompileString(t.Descriptor.Name+".json", string(t.Descriptor.Parameters)); err == nil {
			schema = s
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tools[t.Descriptor.Name]; ok {
		return fmt.Errorf("%s: %w", t.Descriptor.Name, ErrDuplicateTool)
	}
	r.tools[t.Descriptor.Name] = &entry{tool: t, schema: schema}
	r.order = append(r.order, t.Descriptor.Name)
	return nil
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return Tool{}, false
	}
	return e.tool, true
}

// List returns descriptors in registration order.
func (r *Registry) List() []domain.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].tool.Descriptor)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Invoke validates args and runs the named tool. It never panics and never
// returns a Go error: every failure is folded into the Result.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (res Result) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return ErrorResult(fmt.Errorf("%w: %s", domain.ErrToolNotFound, name))
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	if e.schema != nil {
		var decoded any
		if err := json.Unmarshal(args, &decoded); err != nil {
			return ErrorResult(fmt.Errorf("invalid arguments: %w", err))
		}
		if err := e.schema.Validate(decoded); err != nil {
			return ErrorResult(fmt.Errorf("invalid arguments: %w", err))
		}
	}

	defer func() {
		if p := recover(); p != nil {
			res = ErrorResult(fmt.Errorf("tool %s panicked: %v", name, p))
		}
	}()

	out, err := e.tool.Executor.Execute(ctx, args)
	if err != nil {
		return ErrorResult(err)
	}
	if len(out) == 0 || !json.Valid(out) {
		// plain text results are carried as a JSON string
		quoted, _ := json.Marshal(string(out))
		if len(out) == 0 {
			quoted = json.RawMessage(`null`)
		}
		return Result{Content: quoted}
	}
	return Result{Content: out}
}
