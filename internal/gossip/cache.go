package gossip

import "sort"

// completeCache is a bounded FIFO set of completed event ids.
// The ring keeps insertion order for eviction; the sorted index serves lookups.
type completeCache struct {
	ring   []uint64 // ring holds ids in insertion order
	head   int      // head is the index of the oldest id
	size   int      // size is the number of ids held
	sorted []uint64 // sorted holds the same ids in ascending order
}

// newCompleteCache creates a cache holding at most capacity ids.
func newCompleteCache(capacity int) *completeCache {
	if capacity < 1 {
		capacity = 1
	}

	return &completeCache{
		ring:   make([]uint64, capacity),
		sorted: make([]uint64, 0, capacity),
	}
}

// contains reports whether id is cached.
func (c *completeCache) contains(id uint64) bool {
	i := sort.Search(len(c.sorted), func(i int) bool { return c.sorted[i] >= id })
	return i < len(c.sorted) && c.sorted[i] == id
}

// insert adds id, evicting the oldest entry at capacity.
// Returns false if id was already present.
func (c *completeCache) insert(id uint64) bool {
	if c.contains(id) {
		return false
	}

	if c.size == len(c.ring) {
		c.evictOldest()
	}

	c.ring[(c.head+c.size)%len(c.ring)] = id
	c.size++

	i := sort.Search(len(c.sorted), func(i int) bool { return c.sorted[i] >= id })
	c.sorted = append(c.sorted, 0)
	copy(c.sorted[i+1:], c.sorted[i:])
	c.sorted[i] = id

	return true
}

// evictOldest drops the first inserted id.
func (c *completeCache) evictOldest() {
	oldest := c.ring[c.head]
	c.head = (c.head + 1) % len(c.ring)
	c.size--

	i := sort.Search(len(c.sorted), func(i int) bool { return c.sorted[i] >= oldest })
	c.sorted = append(c.sorted[:i], c.sorted[i+1:]...)
}

// len returns the number of cached ids.
func (c *completeCache) len() int {
	return c.size
}

// min returns the smallest cached id.
func (c *completeCache) min() (uint64, bool) {
	if len(c.sorted) == 0 {
		return 0, false
	}

	return c.sorted[0], true
}
