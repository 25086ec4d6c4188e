// Package circuitbreaker stops the gateway from dialing tool servers that keep
// failing. A server whose breaker is open is left out of the catalog and its
// calls fail fast until the cooldown passes.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
)

type Breaker interface {
	// Allow returns domain.ErrCircuitBreakerOpen while the server is cooling down.
	Allow(ctx context.Context) error
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
	State(ctx context.Context) State
}

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

type Config struct {
	FailureThreshold int
	// SuccessThreshold probes must succeed in half-open before closing again.
	SuccessThreshold int
	Cooldown         time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Cooldown:         30 * time.Second,
	}
}

type memoryBreaker struct {
	mu       sync.Mutex
	cfg      Config
	now      func() time.Time
	onChange func(State)

	state     State
	failures  int
	successes int
	openedAt  time.Time
}

func newMemory(cfg Config, now func() time.Time, onChange func(State)) *memoryBreaker {
	return &memoryBreaker{cfg: cfg, now: now, onChange: onChange}
}

// NewMemory returns a process-local breaker.
func NewMemory(cfg Config) Breaker {
	return newMemory(cfg, time.Now, nil)
}

func (b *memoryBreaker) setState(s State) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}

func (b *memoryBreaker) Allow(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
		return domain.ErrCircuitBreakerOpen
	}

	b.successes = 0
	b.setState(StateHalfOpen)
	return nil
}

func (b *memoryBreaker) RecordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.setState(StateClosed)
		}
	}
}

func (b *memoryBreaker) RecordFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.successes = 0
		b.openedAt = b.now()
		b.setState(StateOpen)
	}
}

func (b *memoryBreaker) State(ctx context.Context) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Manager hands out one breaker per tool server.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]Breaker
	cfg      Config
	now      func() time.Time
	factory  func(server string) Breaker

	lmu      sync.RWMutex
	onChange func(server string, s State)
}

type ManagerOption func(*Manager)

// WithStateListener is called whenever a breaker changes state.
func WithStateListener(fn func(server string, s State)) ManagerOption {
	return func(m *Manager) {
		m.onChange = fn
	}
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[string]Breaker),
		cfg:      cfg,
		now:      time.Now,
	}
	m.factory = func(server string) Breaker {
		return newMemory(m.cfg, m.now, m.listenerFor(server))
	}

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnStateChange replaces the state listener. Breakers handed out earlier
// report to the new listener too.
func (m *Manager) OnStateChange(fn func(server string, s State)) {
	m.lmu.Lock()
	m.onChange = fn
	m.lmu.Unlock()
}

func (m *Manager) listenerFor(server string) func(State) {
	return func(s State) {
		m.lmu.RLock()
		fn := m.onChange
		m.lmu.RUnlock()
		if fn != nil {
			fn(server, s)
		}
	}
}

func (m *Manager) Get(server string) Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[server]; ok {
		return b
	}
	b := m.factory(server)
	m.breakers[server] = b
	return b
}

// States reports every breaker created so far, for the admin tools view.
func (m *Manager) States(ctx context.Context) map[string]string {
	m.mu.Lock()
	snapshot := make(map[string]Breaker, len(m.breakers))
	for k, v := range m.breakers {
		snapshot[k] = v
	}
	m.mu.Unlock()

	states := make(map[string]string, len(snapshot))
	for server, b := range snapshot {
		states[server] = b.State(ctx).String()
	}
	return states
}
