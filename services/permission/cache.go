package permission

import (
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// resolved is what the engine computes for one principal.
type resolved struct {
	perms Set
	// activeRoles holds the names of assigned roles that are active.
	activeRoles map[string]struct{}
	// roleIDs holds every assigned role, active or not, since reactivating a
	// role changes the result.
	roleIDs []uuid.UUID
}

type cacheEntry struct {
	resolved   *resolved
	generation uint64
}

// CacheStats is a point-in-time view of cache counters.
type CacheStats struct {
	Size          int    `json:"size"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Invalidations uint64 `json:"invalidations"`
	Generation    uint64 `json:"generation"`
}

// Cache holds resolved permissions keyed by principal id, with a reverse
// index from role id to the principals whose entries depend on it.
//
// Every invalidation advances the generation. A computation captures the
// generation before reading the store and is only stored if no invalidation
// happened in between.
type Cache struct {
	mu         sync.Mutex
	lru        *simplelru.LRU[uuid.UUID, *cacheEntry]
	byRole     map[uuid.UUID]map[uuid.UUID]struct{}
	generation uint64

	hits, misses, invalidations uint64
}

// NewCache creates a cache holding at most size principals.
func NewCache(size int) (*Cache, error) {
	if size < 1 {
		size = 1
	}
	c := &Cache{byRole: make(map[uuid.UUID]map[uuid.UUID]struct{})}
	l, err := simplelru.NewLRU[uuid.UUID, *cacheEntry](size, c.unindex)
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// Generation returns the current invalidation generation.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *Cache) get(principalID uuid.UUID) (*resolved, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(principalID)
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	return e.resolved, true
}

// put stores r unless an invalidation happened after generation was read.
func (c *Cache) put(principalID uuid.UUID, generation uint64, r *resolved) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if generation != c.generation {
		return false
	}
	c.lru.Remove(principalID)
	c.lru.Add(principalID, &cacheEntry{resolved: r, generation: generation})
	for _, roleID := range r.roleIDs {
		holders, ok := c.byRole[roleID]
		if !ok {
			holders = make(map[uuid.UUID]struct{})
			c.byRole[roleID] = holders
		}
		holders[principalID] = struct{}{}
	}
	return true
}

// InvalidatePrincipals drops the entries of the given principals.
func (c *Cache) InvalidatePrincipals(ids ...uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	for _, id := range ids {
		if c.lru.Remove(id) {
			c.invalidations++
		}
	}
}

// InvalidateRoles drops the entries of every principal whose cached result
// depends on one of the given roles. Unrelated entries are left alone.
func (c *Cache) InvalidateRoles(roleIDs ...uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	for _, roleID := range roleIDs {
		for principalID := range c.byRole[roleID] {
			if c.lru.Remove(principalID) {
				c.invalidations++
			}
		}
		delete(c.byRole, roleID)
	}
}

// Clear drops everything. It is meant for operators, not for admin edits.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	c.invalidations += uint64(c.lru.Len())
	c.lru.Purge()
	c.byRole = make(map[uuid.UUID]map[uuid.UUID]struct{})
}

// Stats returns the cache counters
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Size:          c.lru.Len(),
		Hits:          c.hits,
		Misses:        c.misses,
		Invalidations: c.invalidations,
		Generation:    c.generation,
	}
}

// unindex is the LRU eviction callback. It runs with c.mu held.
func (c *Cache) unindex(principalID uuid.UUID, e *cacheEntry) {
	for _, roleID := range e.resolved.roleIDs {
		holders := c.byRole[roleID]
		delete(holders, principalID)
		if len(holders) == 0 {
			delete(c.byRole, roleID)
		}
	}
}
