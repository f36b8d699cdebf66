package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"
)

const (
	shardCount      = 16
	defaultCapacity = 1024
)

// localEntry is one LRU slot.
type localEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// shard is one lock domain of the local tier.
type shard struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List // front = most recently used
	capacity int
}

// localCache is an in-process LRU with per-entry TTL, sharded to keep lock
// contention off the pipeline's hot path.
type localCache struct {
	shards [shardCount]*shard
}

// newLocalCache builds a cache bounded at capacity entries overall.
// capacity <= 0 selects the default of 1024.
func newLocalCache(capacity int) *localCache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	perShard := capacity / shardCount
	if perShard < 1 {
		perShard = 1
	}

	c := &localCache{}
	for i := range c.shards {
		c.shards[i] = &shard{
			items:    make(map[string]*list.Element),
			order:    list.New(),
			capacity: perShard,
		}
	}
	return c
}

func (c *localCache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Get returns the value for key, or false on miss or expiry. A hit moves
// the entry to the front of its shard's LRU order.
func (c *localCache) Get(key string) ([]byte, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*localEntry)
	if time.Now().After(entry.expiresAt) {
		s.order.Remove(elem)
		delete(s.items, key)
		return nil, false
	}

	s.order.MoveToFront(elem)
	return entry.value, true
}

// Put stores value under key. A non-positive ttl removes the key instead of
// storing an already-expired entry.
func (c *localCache) Put(key string, value []byte, ttl time.Duration) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if ttl <= 0 {
		if elem, ok := s.items[key]; ok {
			s.order.Remove(elem)
			delete(s.items, key)
		}
		return
	}

	expiresAt := time.Now().Add(ttl)
	if elem, ok := s.items[key]; ok {
		entry := elem.Value.(*localEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		s.order.MoveToFront(elem)
		return
	}

	s.items[key] = s.order.PushFront(&localEntry{key: key, value: value, expiresAt: expiresAt})
	for s.order.Len() > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(*localEntry).key)
	}
}

// Delete removes key if present.
func (c *localCache) Delete(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[key]; ok {
		s.order.Remove(elem)
		delete(s.items, key)
	}
}

// Flush clears every shard.
func (c *localCache) Flush() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.items = make(map[string]*list.Element)
		s.order = list.New()
		s.mu.Unlock()
	}
}

// Len reports the total number of live entries, expired or not.
func (c *localCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.order.Len()
		s.mu.Unlock()
	}
	return n
}
