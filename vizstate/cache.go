package vizstate

import "sync"

// Cache mirrors the remote Parameters and FilterBank. It is the only holder
// of mutable remote state; readers always get copies, and every merge is
// applied under the write lock so no reader sees half of it.
type Cache struct {
	mu     sync.RWMutex
	params Parameters
	filter FilterBank
}

// NewCache returns an empty cache. Nothing is known until the first merge.
func NewCache() *Cache {
	return &Cache{}
}

// Parameters returns a copy of the cached parameters.
func (c *Cache) Parameters() Parameters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params.Clone()
}

// FilterBank returns a copy of the cached filter bank.
func (c *Cache) FilterBank() FilterBank {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.Clone()
}

// Snapshot returns both aggregates as read at one instant.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{Params: c.params.Clone(), Filter: c.filter.Clone()}
}

// MergeParameters overwrites the fields present in partial. It serves both
// optimistic and confirmed merges; the caller decides which by where partial
// came from.
func (c *Cache) MergeParameters(partial Parameters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params.Merge(partial)
}

// MergeFilterChannel replaces the whole level sequence of ch. Unknown
// channels are ignored.
func (c *Cache) MergeFilterChannel(ch Channel, levels Levels) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter.setChannel(ch, levels.Clone())
}

// MergeFilterLevel replaces a single level of ch, growing the channel if
// needed. The current service answers with whole channels; this exists for
// services that answer per level.
func (c *Cache) MergeFilterLevel(ch Channel, level int, coeffs Coefficients) {
	if level < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	levels := c.filter.Channel(ch).Clone()
	for len(levels) <= level {
		levels = append(levels, Coefficients{})
	}
	levels[level] = coeffs
	c.filter.setChannel(ch, levels)
}

// MergeSnapshot applies a full query result.
func (c *Cache) MergeSnapshot(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params.Merge(s.Params)
	for _, ch := range Channels {
		if levels := s.Filter.Channel(ch); levels != nil {
			c.filter.setChannel(ch, levels.Clone())
		}
	}
}
