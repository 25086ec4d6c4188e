package circuitbreaker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
)

// The scripts keep each transition atomic across gateway replicas. Each one
// returns {previous state, new state} so only the replica that made a
// transition reports it.

// KEYS: state, opened_at, successes. ARGV: cooldown seconds.
var allowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
if state ~= 'open' then
    return {state, state}
end
local openedAt = tonumber(redis.call('GET', KEYS[2]) or '0')
local now = tonumber(redis.call('TIME')[1])
if (now - openedAt) >= tonumber(ARGV[1]) then
    redis.call('SET', KEYS[1], 'half-open')
    redis.call('SET', KEYS[3], '0')
    return {state, 'half-open'}
end
return {state, state}
`)

// KEYS: state, failures, successes. ARGV: success threshold.
var successScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
if state == 'closed' then
    redis.call('SET', KEYS[2], '0')
    return {state, state}
end
if state == 'half-open' then
    local successes = redis.call('INCR', KEYS[3])
    if successes >= tonumber(ARGV[1]) then
        redis.call('SET', KEYS[1], 'closed')
        redis.call('SET', KEYS[2], '0')
        redis.call('SET', KEYS[3], '0')
        return {state, 'closed'}
    end
end
return {state, state}
`)

// KEYS: state, failures, opened_at, successes. ARGV: failure threshold.
var failureScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local now = redis.call('TIME')[1]
if state == 'closed' then
    local failures = redis.call('INCR', KEYS[2])
    if failures >= tonumber(ARGV[1]) then
        redis.call('SET', KEYS[1], 'open')
        redis.call('SET', KEYS[3], now)
        return {state, 'open'}
    end
    return {state, state}
end
if state == 'half-open' then
    redis.call('SET', KEYS[1], 'open')
    redis.call('SET', KEYS[3], now)
    redis.call('SET', KEYS[4], '0')
    return {state, 'open'}
end
return {state, state}
`)

// RedisBreaker shares one server's breaker state across replicas. Redis
// errors fail open so an outage there never blocks tool traffic.
type RedisBreaker struct {
	client   *redis.Client
	cfg      Config
	prefix   string
	onChange func(State)
}

func NewRedis(client *redis.Client, server string, cfg Config) *RedisBreaker {
	return &RedisBreaker{
		client: client,
		cfg:    cfg,
		prefix: fmt.Sprintf("toolcb:%s:", server),
	}
}

// WithRedis makes the manager hand out Redis-backed breakers.
func WithRedis(client *redis.Client) ManagerOption {
	return func(m *Manager) {
		m.factory = func(server string) Breaker {
			b := NewRedis(client, server, m.cfg)
			b.onChange = m.listenerFor(server)
			return b
		}
	}
}

func (b *RedisBreaker) key(name string) string {
	return b.prefix + name
}

// run executes script and reports the transition it made, if any.
func (b *RedisBreaker) run(ctx context.Context, script *redis.Script, keys []string, arg int) (State, error) {
	res, err := script.Run(ctx, b.client, keys, arg).StringSlice()
	if err != nil {
		return StateClosed, err
	}
	if len(res) != 2 {
		return StateClosed, fmt.Errorf("breaker script returned %d values", len(res))
	}
	prev, cur := parseState(res[0]), parseState(res[1])
	if prev != cur && b.onChange != nil {
		b.onChange(cur)
	}
	return cur, nil
}

func (b *RedisBreaker) Allow(ctx context.Context) error {
	keys := []string{b.key("state"), b.key("opened_at"), b.key("successes")}
	state, err := b.run(ctx, allowScript, keys, int(b.cfg.Cooldown.Seconds()))
	if err != nil {
		return nil
	}
	if state == StateOpen {
		return domain.ErrCircuitBreakerOpen
	}
	return nil
}

func (b *RedisBreaker) RecordSuccess(ctx context.Context) {
	keys := []string{b.key("state"), b.key("failures"), b.key("successes")}
	b.run(ctx, successScript, keys, b.cfg.SuccessThreshold)
}

func (b *RedisBreaker) RecordFailure(ctx context.Context) {
	keys := []string{b.key("state"), b.key("failures"), b.key("opened_at"), b.key("successes")}
	b.run(ctx, failureScript, keys, b.cfg.FailureThreshold)
}

func (b *RedisBreaker) State(ctx context.Context) State {
	s, err := b.client.Get(ctx, b.key("state")).Result()
	if err != nil {
		return StateClosed
	}
	return parseState(s)
}

// Reset forces the breaker closed.
func (b *RedisBreaker) Reset(ctx context.Context) error {
	pipe := b.client.Pipeline()
	pipe.Set(ctx, b.key("state"), "closed", 0)
	pipe.Set(ctx, b.key("failures"), "0", 0)
	pipe.Set(ctx, b.key("successes"), "0", 0)
	pipe.Del(ctx, b.key("opened_at"))
	_, err := pipe.Exec(ctx)
	return err
}
