package conversation

import (
	"container/list"

	"pkt.systems/weft/schema"
)

// snapshotCache keeps drained entry lists for terminal processes so a
// rebuilt timeline (remount, attempt revisit) is a cache hit. Bounded by
// least-recently-used eviction; a terminal document never changes, so
// entries have no expiry.
type snapshotCache struct {
	capacity int
	order    *list.List
	items    map[schema.ProcessID]*list.Element
}

type cacheItem struct {
	id      schema.ProcessID
	entries []schema.PatchEntry
}

func newSnapshotCache(capacity int) *snapshotCache {
	if capacity <= 0 {
		capacity = schema.DefaultCacheMaxProcesses
	}
	return &snapshotCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[schema.ProcessID]*list.Element),
	}
}

func (c *snapshotCache) Get(id schema.ProcessID) ([]schema.PatchEntry, bool) {
	elem, ok := c.items[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*cacheItem).entries, true
}

func (c *snapshotCache) Put(id schema.ProcessID, entries []schema.PatchEntry) {
	if elem, ok := c.items[id]; ok {
		elem.Value.(*cacheItem).entries = entries
		c.order.MoveToFront(elem)
		return
	}
	c.items[id] = c.order.PushFront(&cacheItem{id: id, entries: entries})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheItem).id)
	}
}

// Purge drops a process that disappeared from the attempt's process set.
func (c *snapshotCache) Purge(id schema.ProcessID) {
	if elem, ok := c.items[id]; ok {
		c.order.Remove(elem)
		delete(c.items, id)
	}
}

func (c *snapshotCache) Len() int { return c.order.Len() }
