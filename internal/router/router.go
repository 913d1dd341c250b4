package router

import (
	"context"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// RoutingRule maps a task type to an ordered list of capability tags.
// "default" is consulted when a task type has no entry.
type RoutingRule map[string][]string

// Config configures a Router.
type Config struct {
	Rules RoutingRule
	Now   func() time.Time // overridable in tests
}

// Router resolves a task type to a candidate host. It never blocks: it
// is a pure function of the Registry's current snapshot.
type Router struct {
	registry *Registry
	rules    RoutingRule
	now      func() time.Time

	cache *lru.Cache[string, cacheEntry]
}

type cacheEntry struct {
	version uint64
	host    string
}

// NewRouter builds a Router over registry using cfg's routing rules.
func NewRouter(registry *Registry, cfg Config) *Router {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	cache, _ := lru.New[string, cacheEntry](256)
	return &Router{
		registry: registry,
		rules:    cfg.Rules,
		now:      now,
		cache:    cache,
	}
}

// Resolve walks the routing rule for taskType (falling back to
// "default"), returning the first selectable host found by walking the
// rule's capability tags in order. Returns false if no host currently
// qualifies.
func (r *Router) Resolve(ctx context.Context, taskType string) (Host, bool) {
	tags, ok := r.rules[taskType]
	if !ok || len(tags) == 0 {
		tags = r.rules["default"]
	}
	if len(tags) == 0 {
		return Host{}, false
	}

	version := r.registry.Version()
	if entry, ok := r.cache.Get(taskType); ok && entry.version == version {
		if h, ok := r.registry.Get(entry.host); ok && h.Selectable(r.now()) {
			return h, true
		}
	}

	hosts := r.registry.Hosts()
	now := r.now()

	for _, tag := range tags {
		candidates := make([]Host, 0)
		for _, h := range hosts {
			if h.Selectable(now) && h.HasCapability(tag) {
				candidates = append(candidates, h)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority < candidates[j].Priority
			}
			return candidates[i].Name < candidates[j].Name
		})
		chosen := candidates[0]
		r.cache.Add(taskType, cacheEntry{version: version, host: chosen.Name})
		return chosen, true
	}
	return Host{}, false
}
