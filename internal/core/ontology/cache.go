package ontology

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
)

type KeyKind string

const (
	KeyConcept   KeyKind = "concept"
	KeyRelated   KeyKind = "related"
	KeyHierarchy KeyKind = "hierarchy"
	KeyEntity    KeyKind = "entity"
)

// Key identifies a cached read. ID is a concept id for every kind except
// KeyEntity, where it holds the entity identity. Kinds is the sorted,
// comma-joined relation kind filter.
type Key struct {
	Kind  KeyKind
	ID    string
	Depth int
	Kinds string
}

func ConceptKey(conceptID string) Key {
	return Key{Kind: KeyConcept, ID: conceptID}
}

func RelatedKey(conceptID string, depth int, kinds []domain.RelationKind) Key {
	return Key{Kind: KeyRelated, ID: conceptID, Depth: depth, Kinds: canonicalKinds(kinds)}
}

func HierarchyKey(conceptID string) Key {
	return Key{Kind: KeyHierarchy, ID: conceptID}
}

func EntityKey(entity domain.Entity) Key {
	return Key{Kind: KeyEntity, ID: entity.ID + "\x00" + normalizeName(entity.Name) + "\x00" + normalizeName(entity.Type)}
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%d|%s", k.Kind, k.ID, k.Depth, k.Kinds)
}

// Source is the authoritative store behind the cache.
type Source interface {
	GetConcept(ctx context.Context, conceptID string) (domain.Concept, error)
	FindRelated(ctx context.Context, conceptID string, maxDepth int, kinds []domain.RelationKind) ([]domain.RelatedConcept, error)
	GetHierarchy(ctx context.Context, conceptID string) ([]domain.Concept, error)
	ConceptsForEntity(ctx context.Context, entity domain.Entity) ([]domain.Concept, error)
	Neighborhood(ids []string, depth, limit int) (map[string]struct{}, bool)
	ClampDepth(depth int) int
	Subscribe(listener MutationListener)
}

type CacheConfig struct {
	TTL      time.Duration
	Capacity int
	// InvalidationDepth is how far from a mutated concept cached traversals are dropped.
	InvalidationDepth int
	// TrackingLimit caps the neighbourhood size; beyond it every traversal entry is dropped.
	TrackingLimit   int
	WarmParallelism int
	// AccessLimit caps the concepts with access counts; the least accessed are pruned past it.
	AccessLimit int
}

func (c CacheConfig) normalize() CacheConfig {
	if c.TTL <= 0 {
		c.TTL = 10 * time.Minute
	}
	if c.Capacity <= 0 {
		c.Capacity = 1000
	}
	if c.InvalidationDepth <= 0 {
		c.InvalidationDepth = DefaultLimits().AncestorDepth
	}
	if c.TrackingLimit <= 0 {
		c.TrackingLimit = c.Capacity
	}
	if c.WarmParallelism <= 0 {
		c.WarmParallelism = 4
	}
	if c.AccessLimit <= 0 {
		c.AccessLimit = 4 * c.Capacity
	}
	return c
}

type CacheOption func(*Cache)

func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

type cacheEntry struct {
	key       Key
	value     any
	expiresAt time.Time
}

// Cache is a TTL + LRU read-through view over a Source. It never holds
// authoritative state: every mutation reported by the source drops the
// affected entries, and fills that started before an invalidation are not stored.
type Cache struct {
	source Source
	cfg    CacheConfig
	now    func() time.Time
	logger *slog.Logger
	group  singleflight.Group

	mu         sync.Mutex
	lru        *list.List
	items      map[Key]*list.Element
	byConcept  map[string]map[Key]struct{}
	entityKeys map[Key]struct{}
	generation uint64
	stats      domain.CacheStats
	access     map[string]uint64
}

func NewCache(source Source, cfg CacheConfig, opts ...CacheOption) *Cache {
	c := &Cache{
		source:     source,
		cfg:        cfg.normalize(),
		now:        time.Now,
		logger:     slog.Default(),
		lru:        list.New(),
		items:      make(map[Key]*list.Element),
		byConcept:  make(map[string]map[Key]struct{}),
		entityKeys: make(map[Key]struct{}),
		access:     make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	if source != nil {
		source.Subscribe(c.onMutation)
	}
	return c
}

// Get returns a live entry. Expired entries are removed and reported as a miss.
func (c *Cache) Get(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if !c.now().Before(entry.expiresAt) {
		c.removeLocked(elem)
		c.stats.Evictions++
		c.stats.Misses++
		return nil, false
	}
	c.lru.MoveToFront(elem)
	c.stats.Hits++
	return entry.value, true
}

// Put stores value under key; a non-positive ttl uses the configured TTL.
func (c *Cache) Put(key Key, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value, ttl)
}

func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	if elem, ok := c.items[key]; ok {
		c.removeLocked(elem)
		c.stats.Invalidations++
	}
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.stats.Invalidations += uint64(len(c.items))
	c.lru.Init()
	c.items = make(map[Key]*list.Element)
	c.byConcept = make(map[string]map[Key]struct{})
	c.entityKeys = make(map[Key]struct{})
}

func (c *Cache) Stats() domain.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.Size = len(c.items)
	stats.Capacity = c.cfg.Capacity
	return stats
}

func (c *Cache) GetConcept(ctx context.Context, conceptID string) (domain.Concept, error) {
	value, err := c.load(ctx, ConceptKey(conceptID), func(ctx context.Context) (any, error) {
		return c.source.GetConcept(ctx, conceptID)
	})
	if err != nil {
		return domain.Concept{}, err
	}
	c.touch(conceptID)
	return value.(domain.Concept).Clone(), nil
}

func (c *Cache) FindRelated(ctx context.Context, conceptID string, maxDepth int, kinds []domain.RelationKind) ([]domain.RelatedConcept, error) {
	depth := c.source.ClampDepth(maxDepth)
	value, err := c.load(ctx, RelatedKey(conceptID, depth, kinds), func(ctx context.Context) (any, error) {
		return c.source.FindRelated(ctx, conceptID, depth, kinds)
	})
	if err != nil {
		return nil, err
	}
	c.touch(conceptID)
	cached := value.([]domain.RelatedConcept)
	out := make([]domain.RelatedConcept, len(cached))
	for i, item := range cached {
		item.Concept = item.Concept.Clone()
		out[i] = item
	}
	return out, nil
}

func (c *Cache) GetHierarchy(ctx context.Context, conceptID string) ([]domain.Concept, error) {
	value, err := c.load(ctx, HierarchyKey(conceptID), func(ctx context.Context) (any, error) {
		return c.source.GetHierarchy(ctx, conceptID)
	})
	if err != nil {
		return nil, err
	}
	c.touch(conceptID)
	return cloneConcepts(value.([]domain.Concept)), nil
}

func (c *Cache) ConceptsForEntity(ctx context.Context, entity domain.Entity) ([]domain.Concept, error) {
	value, err := c.load(ctx, EntityKey(entity), func(ctx context.Context) (any, error) {
		return c.source.ConceptsForEntity(ctx, entity)
	})
	if err != nil {
		return nil, err
	}
	return cloneConcepts(value.([]domain.Concept)), nil
}

// load is the read-through path: concurrent misses on one key within one
// generation share a single upstream call.
func (c *Cache) load(ctx context.Context, key Key, fetch func(context.Context) (any, error)) (any, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}

	c.mu.Lock()
	generation := c.generation
	c.mu.Unlock()

	flight := key.String() + "#" + strconv.FormatUint(generation, 10)
	value, err, _ := c.group.Do(flight, func() (any, error) {
		fetched, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.generation == generation {
			c.putLocked(key, fetched, 0)
		}
		c.mu.Unlock()
		return fetched, nil
	})
	return value, err
}

// Warm pre-loads concept, traversal and hierarchy entries for the given concepts.
// Concepts that no longer exist are skipped.
func (c *Cache) Warm(ctx context.Context, conceptIDs []string) error {
	if len(conceptIDs) == 0 {
		return nil
	}
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.WarmParallelism)
	for _, conceptID := range conceptIDs {
		id := conceptID
		g.Go(func() error {
			if _, err := c.GetConcept(gCtx, id); err != nil {
				if domain.IsKind(err, domain.ErrNotFound) {
					return nil
				}
				return err
			}
			if _, err := c.FindRelated(gCtx, id, 0, nil); err != nil && !domain.IsKind(err, domain.ErrNotFound) {
				return err
			}
			if _, err := c.GetHierarchy(gCtx, id); err != nil && !domain.IsKind(err, domain.ErrNotFound) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("warm ontology cache: %w", err)
	}
	c.logger.Info("ontology_cache_warmed", "concepts", len(conceptIDs), "size", c.Stats().Size)
	return nil
}

// WarmFromTraffic warms the cache with the busiest concepts of a previous run, if any were saved.
func (c *Cache) WarmFromTraffic(ctx context.Context, store ports.ConceptTrafficStore, limit int) (int, error) {
	if store == nil || limit <= 0 {
		return 0, nil
	}
	ids, err := store.TopConcepts(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("read concept traffic: %w", err)
	}
	if err := c.Warm(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// SaveTraffic persists the access counts of the busiest concepts.
func (c *Cache) SaveTraffic(ctx context.Context, store ports.ConceptTrafficStore, limit int) error {
	if store == nil {
		return nil
	}
	top := c.TopConcepts(limit)
	if len(top) == 0 {
		return nil
	}
	c.mu.Lock()
	counts := make(map[string]uint64, len(top))
	for _, id := range top {
		counts[id] = c.access[id]
	}
	c.mu.Unlock()
	if err := store.SaveConceptTraffic(ctx, counts); err != nil {
		return fmt.Errorf("save concept traffic: %w", err)
	}
	return nil
}

// TopConcepts returns concept ids ordered by access count, most accessed first.
func (c *Cache) TopConcepts(limit int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.rankedAccessLocked()
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

func (c *Cache) rankedAccessLocked() []string {
	ids := make([]string, 0, len(c.access))
	for id := range c.access {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ci, cj := c.access[ids[i]], c.access[ids[j]]
		if ci != cj {
			return ci > cj
		}
		return ids[i] < ids[j]
	})
	return ids
}

func (c *Cache) touch(conceptID string) {
	if conceptID == "" {
		return
	}
	c.mu.Lock()
	c.access[conceptID]++
	if len(c.access) > c.cfg.AccessLimit {
		c.pruneAccessLocked(c.cfg.AccessLimit / 2)
	}
	c.mu.Unlock()
}

// pruneAccessLocked keeps the keep most accessed concepts.
func (c *Cache) pruneAccessLocked(keep int) {
	ids := c.rankedAccessLocked()
	for _, id := range ids[min(keep, len(ids)):] {
		delete(c.access, id)
	}
}

// onMutation drops every entry whose result could include one of the mutated concepts.
func (c *Cache) onMutation(conceptIDs []string) {
	if len(conceptIDs) == 0 {
		c.Clear()
		c.logger.Info("ontology_cache_invalidated", "scope", "all")
		return
	}

	neighborhood, overflow := c.source.Neighborhood(conceptIDs, c.cfg.InvalidationDepth, c.cfg.TrackingLimit)

	c.mu.Lock()
	c.generation++
	dropped := 0
	drop := func(key Key) {
		if elem, ok := c.items[key]; ok {
			c.removeLocked(elem)
			dropped++
		}
	}
	for key := range c.entityKeys {
		drop(key)
	}
	if overflow {
		for key := range c.items {
			if key.Kind == KeyRelated || key.Kind == KeyHierarchy {
				drop(key)
			}
		}
	}
	for conceptID := range neighborhood {
		for key := range c.byConcept[conceptID] {
			drop(key)
		}
	}
	c.stats.Invalidations += uint64(dropped)
	c.mu.Unlock()

	c.logger.Debug("ontology_cache_invalidated",
		"mutated", len(conceptIDs),
		"neighborhood", len(neighborhood),
		"overflow", overflow,
		"dropped", dropped,
	)
}

func (c *Cache) putLocked(key Key, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}
	expiresAt := c.now().Add(ttl)
	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		c.lru.MoveToFront(elem)
		return
	}

	elem := c.lru.PushFront(&cacheEntry{key: key, value: value, expiresAt: expiresAt})
	c.items[key] = elem
	if key.Kind == KeyEntity {
		c.entityKeys[key] = struct{}{}
	} else {
		if c.byConcept[key.ID] == nil {
			c.byConcept[key.ID] = make(map[Key]struct{})
		}
		c.byConcept[key.ID][key] = struct{}{}
	}

	if c.lru.Len() <= c.cfg.Capacity {
		return
	}
	c.evictExpiredLocked()
	for c.lru.Len() > c.cfg.Capacity {
		c.removeLocked(c.lru.Back())
		c.stats.Evictions++
	}
}

func (c *Cache) evictExpiredLocked() {
	now := c.now()
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if !now.Before(elem.Value.(*cacheEntry).expiresAt) {
			c.removeLocked(elem)
			c.stats.Evictions++
		}
		elem = prev
	}
}

func (c *Cache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.lru.Remove(elem)
	delete(c.items, entry.key)
	if entry.key.Kind == KeyEntity {
		delete(c.entityKeys, entry.key)
		return
	}
	if keys := c.byConcept[entry.key.ID]; keys != nil {
		delete(keys, entry.key)
		if len(keys) == 0 {
			delete(c.byConcept, entry.key.ID)
		}
	}
}

func canonicalKinds(kinds []domain.RelationKind) string {
	if len(kinds) == 0 {
		return ""
	}
	names := make([]string, 0, len(kinds))
	seen := make(map[domain.RelationKind]struct{}, len(kinds))
	for _, kind := range kinds {
		if _, ok := seen[kind]; ok {
			continue
		}
		seen[kind] = struct{}{}
		names = append(names, string(kind))
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func cloneConcepts(in []domain.Concept) []domain.Concept {
	if in == nil {
		return nil
	}
	out := make([]domain.Concept, len(in))
	for i, concept := range in {
		out[i] = concept.Clone()
	}
	return out
}
