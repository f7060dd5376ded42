// access_cache.go
package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"board-realtime/internal/change"
)

var cacheLogger = loggo.GetLogger("realtime.accesscache")

const (
	cacheShards = 16

	// maxScopeDepth bounds the parent walk; the deepest chain in the kind
	// catalogue is card -> column -> board.
	maxScopeDepth = 8

	DefaultAccessTTL = 5 * time.Second
	DefaultScopeTTL  = 30 * time.Second
)

// AccessCacheConfig configures an AccessCache.
type AccessCacheConfig struct {
	Checker  AccessChecker
	Resolver ParentResolver
	Clock    clock.Clock

	// AccessTTL bounds how long an (identity, scope) decision is reused.
	AccessTTL time.Duration
	// ScopeTTL bounds how long a resolved parent is reused.
	ScopeTTL time.Duration

	Metrics *Metrics
}

// Validate checks the configuration.
func (c AccessCacheConfig) Validate() error {
	if c.Checker == nil {
		return errors.NotValidf("nil Checker")
	}
	if c.Resolver == nil {
		return errors.NotValidf("nil Resolver")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.AccessTTL <= 0 || c.ScopeTTL <= 0 {
		return errors.NotValidf("non-positive TTL")
	}
	return nil
}

type accessKey struct {
	identity string
	scope    change.Scope
}

type accessEntry struct {
	allowed bool
	expires time.Time
}

type parentEntry struct {
	parent  change.EntityRef
	expires time.Time
}

type accessShard struct {
	mu      sync.Mutex
	entries map[accessKey]accessEntry
}

type parentShard struct {
	mu      sync.Mutex
	entries map[change.EntityRef]parentEntry
}

// AccessCache memoizes access decisions and parent lookups in front of the
// slow collaborators. Errors are never cached: a failed lookup denies and the
// next call asks again.
//
// Every invalidation bumps an epoch. A lookup that started before the bump
// still answers its caller but does not store its result, so a decision
// computed against pre-invalidation state can never outlive the
// invalidation.
type AccessCache struct {
	cfg     AccessCacheConfig
	epoch   atomic.Uint64
	access  [cacheShards]accessShard
	parents [cacheShards]parentShard
}

// NewAccessCache returns an empty cache.
func NewAccessCache(cfg AccessCacheConfig) (*AccessCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	c := &AccessCache{cfg: cfg}
	for i := range c.access {
		c.access[i].entries = make(map[accessKey]accessEntry)
		c.parents[i].entries = make(map[change.EntityRef]parentEntry)
	}
	return c, nil
}

func (c *AccessCache) accessShard(k accessKey) *accessShard {
	h := xxhash.New()
	h.WriteString(k.identity)
	h.WriteString("\x00")
	h.WriteString(k.scope.String())
	return &c.access[h.Sum64()%cacheShards]
}

func (c *AccessCache) parentShard(ref change.EntityRef) *parentShard {
	return &c.parents[xxhash.Sum64String(ref.String())%cacheShards]
}

func (c *AccessCache) record(table, result string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.CacheLookups.WithLabelValues(table, result).Inc()
	}
}

// CheckAccess reports whether identity may see scope.
func (c *AccessCache) CheckAccess(ctx context.Context, identity string, scope change.Scope) (bool, error) {
	if identity == "" || scope.IsZero() {
		return false, nil
	}
	key := accessKey{identity: identity, scope: scope}
	shard := c.accessShard(key)
	now := c.cfg.Clock.Now()

	shard.mu.Lock()
	entry, ok := shard.entries[key]
	if ok && now.Before(entry.expires) {
		shard.mu.Unlock()
		c.record("access", "hit")
		return entry.allowed, nil
	}
	delete(shard.entries, key)
	shard.mu.Unlock()
	c.record("access", "miss")

	epoch := c.epoch.Load()
	allowed, err := c.cfg.Checker.HasAccess(ctx, identity, scope)
	if err != nil {
		cacheLogger.Warningf("access check %s on %s failed: %v", identity, scope, err)
		return false, errors.Annotatef(err, "checking %s access to %s", identity, scope)
	}

	shard.mu.Lock()
	if c.epoch.Load() == epoch {
		shard.entries[key] = accessEntry{allowed: allowed, expires: c.cfg.Clock.Now().Add(c.cfg.AccessTTL)}
	}
	shard.mu.Unlock()
	return allowed, nil
}

// Parent returns the direct parent of ref.
func (c *AccessCache) Parent(ctx context.Context, ref change.EntityRef) (change.EntityRef, error) {
	shard := c.parentShard(ref)
	now := c.cfg.Clock.Now()

	shard.mu.Lock()
	entry, ok := shard.entries[ref]
	if ok && now.Before(entry.expires) {
		shard.mu.Unlock()
		c.record("parent", "hit")
		return entry.parent, nil
	}
	delete(shard.entries, ref)
	shard.mu.Unlock()
	c.record("parent", "miss")

	epoch := c.epoch.Load()
	parent, err := c.cfg.Resolver.Parent(ctx, ref)
	if err != nil {
		return change.EntityRef{}, errors.Trace(err)
	}

	shard.mu.Lock()
	if c.epoch.Load() == epoch {
		shard.entries[ref] = parentEntry{parent: parent, expires: c.cfg.Clock.Now().Add(c.cfg.ScopeTTL)}
	}
	shard.mu.Unlock()
	return parent, nil
}

// Remember stores a parent learned from a mutation payload.
func (c *AccessCache) Remember(ref, parent change.EntityRef) {
	if ref.IsZero() || parent.IsZero() || parent.ID == "" {
		return
	}
	shard := c.parentShard(ref)
	shard.mu.Lock()
	shard.entries[ref] = parentEntry{parent: parent, expires: c.cfg.Clock.Now().Add(c.cfg.ScopeTTL)}
	shard.mu.Unlock()
}

// ResolveScope walks the parent chain from ref to the nearest workspace or
// board.
func (c *AccessCache) ResolveScope(ctx context.Context, ref change.EntityRef) (change.Scope, error) {
	current := ref
	for range maxScopeDepth {
		if scope, ok := change.ScopeOf(current); ok {
			return scope, nil
		}
		parent, err := c.Parent(ctx, current)
		if err != nil {
			return change.Scope{}, errors.Annotatef(err, "resolving scope of %s", ref)
		}
		current = parent
	}
	return change.Scope{}, errors.NotFoundf("scope of %s within %d levels", ref, maxScopeDepth)
}

// InvalidateScope drops every access decision about scope. Invalidating a
// workspace also drops decisions about its boards, and about any board whose
// workspace is not cached, since board access can derive from workspace
// roles.
func (c *AccessCache) InvalidateScope(scope change.Scope) {
	c.epoch.Add(1)

	var foreign map[string]bool
	if scope.Kind == change.KindWorkspace {
		foreign = make(map[string]bool)
		for i := range c.parents {
			shard := &c.parents[i]
			shard.mu.Lock()
			for ref, entry := range shard.entries {
				if ref.Kind == change.KindBoard && entry.parent.ID != scope.ID {
					foreign[ref.ID] = true
				}
			}
			shard.mu.Unlock()
		}
	}

	dropped := 0
	for i := range c.access {
		shard := &c.access[i]
		shard.mu.Lock()
		for key := range shard.entries {
			if key.scope == scope || (foreign != nil && key.scope.Kind == change.KindBoard && !foreign[key.scope.ID]) {
				delete(shard.entries, key)
				dropped++
			}
		}
		shard.mu.Unlock()
	}
	cacheLogger.Debugf("invalidated %s (%d decisions)", scope, dropped)
}

// InvalidateIdentity drops every access decision about identity.
func (c *AccessCache) InvalidateIdentity(identity string) {
	c.epoch.Add(1)
	for i := range c.access {
		shard := &c.access[i]
		shard.mu.Lock()
		for key := range shard.entries {
			if key.identity == identity {
				delete(shard.entries, key)
			}
		}
		shard.mu.Unlock()
	}
}

// ForgetEntity drops the cached parent of ref.
func (c *AccessCache) ForgetEntity(ref change.EntityRef) {
	c.epoch.Add(1)
	shard := c.parentShard(ref)
	shard.mu.Lock()
	delete(shard.entries, ref)
	shard.mu.Unlock()
}
