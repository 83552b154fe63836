package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Each request is a hash with a "status" field and a "doc" field holding
// the JSON request, and each key has a string pointing at its latest
// generation. Both scripts compare what the caller read before writing, so
// every change is a compare-and-swap across all processes sharing the
// Redis instance. A caller that loses re-reads and decides again.
var submitScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  cur = ''
end
if cur ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[2], 'status', ARGV[3], 'doc', ARGV[4])
redis.call('SET', KEYS[1], ARGV[2])
if ARGV[3] == 'PENDING' then
  redis.call('SADD', KEYS[3], ARGV[2])
end
return 1
`)

var updateScript = redis.NewScript(`
local doc = redis.call('HGET', KEYS[1], 'doc')
if not doc then
  return -1
end
if doc ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'doc', ARGV[3])
if ARGV[2] ~= 'PENDING' then
  redis.call('SREM', KEYS[2], ARGV[4])
end
return 1
`)

// DefaultKeyPrefix namespaces approval keys.
const DefaultKeyPrefix = "querygate:approval:"

// maxSwapAttempts bounds how often one call retries a lost compare-and-swap.
const maxSwapAttempts = 16

// RedisGate shares approvals between processes through Redis.
type RedisGate struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
	lease  time.Duration
}

// RedisOption configures a RedisGate.
type RedisOption func(*RedisGate)

// WithKeyPrefix replaces DefaultKeyPrefix.
func WithKeyPrefix(p string) RedisOption {
	return func(g *RedisGate) { g.prefix = p }
}

// WithRedisClock replaces time.Now for decision and claim timestamps.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(g *RedisGate) { g.now = now }
}

// WithRedisClaimLease replaces DefaultClaimLease.
func WithRedisClaimLease(d time.Duration) RedisOption {
	return func(g *RedisGate) {
		if d > 0 {
			g.lease = d
		}
	}
}

// NewRedisGate wraps a connected client.
func NewRedisGate(client redis.UniversalClient, opts ...RedisOption) *RedisGate {
	g := &RedisGate{client: client, prefix: DefaultKeyPrefix, now: time.Now, lease: DefaultClaimLease}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OpenRedisGate parses a redis:// URL and verifies the connection.
func OpenRedisGate(ctx context.Context, url string, opts ...RedisOption) (*RedisGate, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisGate(client, opts...), nil
}

func (g *RedisGate) key(id string) string        { return g.prefix + id }
func (g *RedisGate) currentKey(key string) string { return g.prefix + "key:" + key }
func (g *RedisGate) pendingKey() string           { return g.prefix + "pending" }

// Close closes the client.
func (g *RedisGate) Close() error { return g.client.Close() }

// Submit implements Gate.
func (g *RedisGate) Submit(ctx context.Context, req Request) (Request, error) {
	if req.Key == "" && req.ID == "" {
		return Request{}, ErrNoKey
	}
	key := req.Key
	if key == "" {
		key = req.ID
	}

	for range maxSwapAttempts {
		curID, err := g.client.Get(ctx, g.currentKey(key)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return Request{}, fmt.Errorf("submit approval %s: %w", key, err)
		}

		var prev *Request
		if curID != "" {
			cur, _, err := g.read(ctx, curID)
			switch {
			case errors.Is(err, ErrNotFound):
				// The pointer outlived its request; continue its numbering.
				prev = &Request{ID: curID, Generation: generationOf(curID)}
			case err != nil:
				return Request{}, err
			case !cur.Status.Terminal():
				return cur, nil
			default:
				prev = &cur
			}
		}

		next := nextGeneration(req, prev, g.now())
		doc, err := json.Marshal(next)
		if err != nil {
			return Request{}, fmt.Errorf("submit approval: %w", err)
		}
		applied, err := submitScript.Run(ctx, g.client,
			[]string{g.currentKey(next.Key), g.key(next.ID), g.pendingKey()},
			curID, next.ID, string(next.Status), string(doc)).Int()
		if err != nil {
			return Request{}, fmt.Errorf("submit approval %s: %w", next.ID, err)
		}
		if applied == 1 {
			return next, nil
		}
	}
	return Request{}, fmt.Errorf("submit approval %s: too much contention", key)
}

func decodeRequest(doc string) (Request, error) {
	var r Request
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return Request{}, fmt.Errorf("decode approval: %w", err)
	}
	return r, nil
}

// read returns the request and the raw document it was decoded from.
func (g *RedisGate) read(ctx context.Context, id string) (Request, string, error) {
	doc, err := g.client.HGet(ctx, g.key(id), "doc").Result()
	if errors.Is(err, redis.Nil) {
		return Request{}, "", ErrNotFound
	}
	if err != nil {
		return Request{}, "", fmt.Errorf("get approval %s: %w", id, err)
	}
	r, err := decodeRequest(doc)
	return r, doc, err
}

// Get implements Gate.
func (g *RedisGate) Get(ctx context.Context, id string) (Request, error) {
	r, _, err := g.read(ctx, id)
	return r, err
}

// update applies fn to the stored request and writes the result if the
// request has not changed in the meantime. fn returning an error leaves
// the request unchanged.
func (g *RedisGate) update(ctx context.Context, id string, fn func(*Request) error) (Request, error) {
	for range maxSwapAttempts {
		cur, raw, err := g.read(ctx, id)
		if err != nil {
			return Request{}, err
		}
		next := cur
		if err := fn(&next); err != nil {
			return cur, err
		}
		doc, err := json.Marshal(next)
		if err != nil {
			return Request{}, fmt.Errorf("encode approval: %w", err)
		}
		applied, err := updateScript.Run(ctx, g.client,
			[]string{g.key(id), g.pendingKey()},
			raw, string(next.Status), string(doc), id).Int()
		if err != nil {
			return Request{}, fmt.Errorf("update approval %s: %w", id, err)
		}
		switch applied {
		case 1:
			return next, nil
		case -1:
			return Request{}, ErrNotFound
		}
	}
	return Request{}, fmt.Errorf("update approval %s: too much contention", id)
}

// Decide implements Gate.
func (g *RedisGate) Decide(ctx context.Context, id string, approve bool, decider, reason string) (Request, error) {
	return g.update(ctx, id, func(r *Request) error {
		return decide(r, approve, decider, reason, g.now())
	})
}

// Approve implements Gate.
func (g *RedisGate) Approve(ctx context.Context, id, decider, reason string) (Request, error) {
	return g.Decide(ctx, id, true, decider, reason)
}

// Reject implements Gate.
func (g *RedisGate) Reject(ctx context.Context, id, decider, reason string) (Request, error) {
	return g.Decide(ctx, id, false, decider, reason)
}

// Claim implements Gate.
func (g *RedisGate) Claim(ctx context.Context, id string) (Request, bool, error) {
	r, err := g.update(ctx, id, func(r *Request) error {
		if !claim(r, g.now(), g.lease) {
			return ErrInvalidTransition
		}
		return nil
	})
	if errors.Is(err, ErrInvalidTransition) {
		return r, false, nil
	}
	if err != nil {
		return r, false, err
	}
	return r, true, nil
}

// Complete implements Gate.
func (g *RedisGate) Complete(ctx context.Context, id string, attempt int, out Outcome) (Request, error) {
	return g.update(ctx, id, func(r *Request) error {
		return complete(r, attempt, out)
	})
}

// Pending implements Gate.
func (g *RedisGate) Pending(ctx context.Context, tenantID string) ([]Request, error) {
	ids, err := g.client.SMembers(ctx, g.pendingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	var out []Request
	for _, id := range ids {
		r, err := g.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if r.Status != StatusPending || (tenantID != "" && r.Principal.TenantID != tenantID) {
			continue
		}
		out = append(out, r)
	}
	sortPending(out)
	return out, nil
}
