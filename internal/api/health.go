package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/agent-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/agent-gateway/internal/discovery"
)

// ErrDegraded marks a check failure that should not take the gateway out of
// rotation. Answers still work, just with fewer tools.
var ErrDegraded = errors.New("degraded")

// HealthChecker is one dependency probed by /health/ready.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

type readiness struct {
	Status  string                 `json:"status"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
	Version string                 `json:"version,omitempty"`
}

type CheckResult struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RedisHealthChecker pings the Redis instance shared by the catalog cache,
// breakers and alert dedup.
type RedisHealthChecker struct {
	client *redis.Client
}

func NewRedisHealthCheckerWithClient(client *redis.Client) *RedisHealthChecker {
	return &RedisHealthChecker{client: client}
}

func (c *RedisHealthChecker) Name() string { return "redis" }

func (c *RedisHealthChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Pinger is anything with a connectivity check, such as repository.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreHealthChecker checks the ledger store.
type StoreHealthChecker struct {
	store Pinger
}

func NewStoreHealthChecker(store Pinger) *StoreHealthChecker {
	return &StoreHealthChecker{store: store}
}

func (c *StoreHealthChecker) Name() string { return "store" }

func (c *StoreHealthChecker) Check(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// ToolServerStatus reports the breaker state of every configured server.
type ToolServerStatus interface {
	Status(ctx context.Context) []discovery.ServerStatus
}

// ToolServersHealthChecker reports open breakers as ErrDegraded.
type ToolServersHealthChecker struct {
	servers ToolServerStatus
}

func NewToolServersHealthChecker(servers ToolServerStatus) *ToolServersHealthChecker {
	return &ToolServersHealthChecker{servers: servers}
}

func (c *ToolServersHealthChecker) Name() string { return "tool_servers" }

func (c *ToolServersHealthChecker) Check(ctx context.Context) error {
	var open []string
	for _, s := range c.servers.Status(ctx) {
		if s.Breaker != circuitbreaker.StateClosed.String() {
			open = append(open, s.Name+"="+s.Breaker)
		}
	}
	if len(open) == 0 {
		return nil
	}
	sort.Strings(open)
	return fmt.Errorf("%w: %s", ErrDegraded, strings.Join(open, ", "))
}

func runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	results := make(map[string]CheckResult, len(checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)
			result := CheckResult{Status: "ok", Duration: time.Since(start).String()}
			switch {
			case errors.Is(err, ErrDegraded):
				result.Status = "degraded"
				result.Error = err.Error()
			case err != nil:
				result.Status = "error"
				result.Error = err.Error()
			}

			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}(checker)
	}

	wg.Wait()
	return results
}

// handleReady answers 503 only when a hard dependency is down; degraded
// checks still answer 200.
func handleReady(checkers []HealthChecker, timeout time.Duration, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		body := readiness{Status: "ready", Checks: runHealthChecks(ctx, checkers), Version: version}
		code := http.StatusOK
		for _, res := range body.Checks {
			switch res.Status {
			case "error":
				body.Status = "not_ready"
				code = http.StatusServiceUnavailable
			case "degraded":
				if body.Status == "ready" {
					body.Status = "degraded"
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(body)
	}
}
