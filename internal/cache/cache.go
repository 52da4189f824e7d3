package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"buildfix/internal/logging"
	"buildfix/internal/metrics"
)

// AgentRunner executes a named agent. Wired to the process executor in
// production; tests substitute fakes.
type AgentRunner interface {
	RunAgent(ctx context.Context, agentName string, args []string) (stdout, stderr []byte, exitCode int, err error)
}

// Cache memoizes agent invocations. Same-key callers in this process are
// serialized by a per-key mutex, closing the miss race locally; two
// engine processes sharing one store can still both miss, so the
// guarantee stays at-most-once per key per process, not exactly-once.
type Cache struct {
	store  Store
	runner AgentRunner
	ttl    time.Duration

	mu     sync.Mutex
	inKeys map[string]*keyLock
}

// keyLock is refcounted so the entry can be dropped once the last
// same-key caller releases it; distinct keys never pile up in the map.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Cache over the given store and runner.
func New(store Store, runner AgentRunner, ttl time.Duration) *Cache {
	return &Cache{
		store:  store,
		runner: runner,
		ttl:    ttl,
		inKeys: make(map[string]*keyLock),
	}
}

// ExecuteCached returns the cached result for (agentName, in, args) when
// present and unexpired, otherwise executes the agent, caches the result
// (including failures), and returns it. The returned entry of a hit is
// the stored one verbatim, duration included.
func (c *Cache) ExecuteCached(ctx context.Context, agentName string, in ContextInputs, args []string) (*Entry, error) {
	key := Key(agentName, in, args)

	kl := c.acquireKey(key)
	defer c.releaseKey(key, kl)

	if e, err := c.store.Get(ctx, key); err == nil {
		metrics.Get().CacheHitsTotal.WithLabelValues(agentName).Inc()
		logging.L().Debug("cache hit",
			zap.String("agent", agentName),
			zap.String("key", key[:12]))
		return e, nil
	} else if err != ErrNotFound {
		// Store trouble is not fatal; fall through to live execution.
		logging.L().Warn("cache store error, executing live",
			zap.String("agent", agentName), zap.Error(err))
	}

	metrics.Get().CacheMissesTotal.WithLabelValues(agentName).Inc()

	start := time.Now()
	stdout, stderr, exitCode, err := c.runner.RunAgent(ctx, agentName, args)
	if err != nil {
		// Infrastructure failure: nothing to cache.
		return nil, err
	}

	e := &Entry{
		Key:        key,
		AgentName:  agentName,
		ExitCode:   exitCode,
		DurationMs: time.Since(start).Milliseconds(),
		CreatedAt:  time.Now(),
		TTLSeconds: int(c.ttl.Seconds()),
		Stdout:     stdout,
		Stderr:     stderr,
	}
	if err := c.store.Put(ctx, e); err != nil {
		logging.L().Warn("failed to persist cache entry",
			zap.String("agent", agentName), zap.Error(err))
	}
	return e, nil
}

// Invalidate deletes all entries for one agent.
func (c *Cache) Invalidate(ctx context.Context, agentName string) (int, error) {
	return c.store.DeleteAgent(ctx, agentName)
}

// Flush wipes the whole cache.
func (c *Cache) Flush(ctx context.Context) error {
	return c.store.Flush(ctx)
}

func (c *Cache) acquireKey(key string) *keyLock {
	c.mu.Lock()
	kl, ok := c.inKeys[key]
	if !ok {
		kl = &keyLock{}
		c.inKeys[key] = kl
	}
	kl.refs++
	c.mu.Unlock()

	kl.mu.Lock()
	return kl
}

func (c *Cache) releaseKey(key string, kl *keyLock) {
	kl.mu.Unlock()

	c.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(c.inKeys, key)
	}
	c.mu.Unlock()
}
