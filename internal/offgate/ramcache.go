package offgate

import "sync"

// ramCache is a byte-budgeted LRU front for the static tier. The tier in
// LevelDB stays authoritative, so eviction here simply drops the entry;
// the next read falls through and repopulates.

type ramItem struct {
	key  string
	ent  CacheEntry
	size int64
	prev *ramItem
	next *ramItem
}

type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64

	overflowLog *rateLimitedLogger
}

func newRAMCache(maxBytes int64, overflowLog *rateLimitedLogger) *ramCache {
	return &ramCache{
		maxBytes:    maxBytes,
		items:       map[string]*ramItem{},
		overflowLog: overflowLog,
	}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return
	}
	c.remove(it)
	delete(c.items, key)
	c.total -= it.size
}

func (c *ramCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = map[string]*ramItem{}
	c.head, c.tail = nil, nil
	c.total = 0
}

func (c *ramCache) Put(key string, ent CacheEntry) {
	sz := int64(len(ent.Body)) + headerSizeEstimate(ent)

	if c.maxBytes > 0 && sz > c.maxBytes {
		// Too big for RAM. The durable tier still has it.
		if c.overflowLog != nil {
			c.overflowLog.Warn("entry exceeds RAM cache budget, serving from disk only",
				"key", key, "size", sz)
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.ent = ent
		it.size = sz
		c.total += sz
		c.moveToFront(it)
		return
	}

	for c.maxBytes > 0 && c.total+sz > c.maxBytes && c.tail != nil {
		c.evictOldestLocked()
	}

	it := &ramItem{key: key, ent: ent, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
}

func (c *ramCache) evictOldestLocked() {
	it := c.tail
	if it == nil {
		return
	}
	c.remove(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}

func headerSizeEstimate(ent CacheEntry) int64 {
	var n int64
	for k, vs := range ent.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}
