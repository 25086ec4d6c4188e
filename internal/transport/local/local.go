// Package local exposes in-process functions through the tool transport
// contract.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
	"github.com/felipepmaragno/agent-gateway/internal/transport"
)

type Func func(ctx context.Context, args json.RawMessage) (any, error)

type procedure struct {
	desc domain.ToolDescriptor
	fn   Func
}

// ToolError is returned for every local failure, including panics.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("local tool %s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

type Adapter struct {
	mu    sync.RWMutex
	procs map[string]procedure
}

func NewAdapter() *Adapter {
	return &Adapter{procs: make(map[string]procedure)}
}

func (a *Adapter) Kind() string {
	return transport.KindLocal
}

// Register adds fn under name. params is reflected into the parameter schema.
func (a *Adapter) Register(name, description string, params any, fn Func) error {
	schema, err := SchemaFor(params)
	if err != nil {
		return fmt.Errorf("schema for %s: %w", name, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.procs[name] = procedure{
		desc: domain.ToolDescriptor{Name: name, Description: description, Parameters: schema},
		fn:   fn,
	}
	return nil
}

// SchemaFor reflects a named struct into an inline JSON schema without
// $schema or $defs, which most providers reject.
func SchemaFor(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, errors.New("parameters must be a named struct, got nil")
	}
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)
	if schema == nil {
		return nil, fmt.Errorf("parameters must be a named struct, got %T", v)
	}
	schema.Version = ""
	schema.ID = ""
	return json.Marshal(schema)
}

// ListTools ignores the endpoint; local procedures are process-wide.
func (a *Adapter) ListTools(ctx context.Context, _ transport.Endpoint) ([]domain.ToolDescriptor, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]domain.ToolDescriptor, 0, len(a.procs))
	for _, p := range a.procs {
		out = append(out, p.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (a *Adapter) CallTool(ctx context.Context, _ transport.Endpoint, name string, args json.RawMessage) (out json.RawMessage, err error) {
	a.mu.RLock()
	p, ok := a.procs[name]
	a.mu.RUnlock()
	if !ok {
		return nil, &ToolError{Tool: name, Err: domain.ErrToolNotFound}
	}

	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &ToolError{Tool: name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	result, err := p.fn(ctx, args)
	if err != nil {
		return nil, &ToolError{Tool: name, Err: err}
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, &ToolError{Tool: name, Err: fmt.Errorf("encode result: %w", err)}
	}
	return encoded, nil
}
