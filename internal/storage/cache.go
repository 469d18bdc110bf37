package storage

import (
	"container/list"
	"context"
	"sync"
)

// cacheEntry is the value stored in the LRU list.
type cacheEntry struct {
	key   string
	value []byte
}

// CachedBackend wraps a Backend with a bounded LRU read cache.
// Writes go through to the underlying backend and update the cache;
// deletes invalidate. Keys always hits the backend since the cache
// holds only a subset.
type CachedBackend struct {
	inner Backend

	mu       sync.Mutex
	capacity int
	// order holds *cacheEntry, front = most recently used.
	order    *list.List
	elements map[string]*list.Element
}

// NewCached wraps backend with an LRU cache of at most capacity entries.
// capacity <= 0 disables caching and returns the backend unchanged.
func NewCached(backend Backend, capacity int) Backend {
	if capacity <= 0 {
		return backend
	}
	return &CachedBackend{
		inner:    backend,
		capacity: capacity,
		order:    list.New(),
		elements: make(map[string]*list.Element),
	}
}

func (c *CachedBackend) Name() string { return c.inner.Name() }

func (c *CachedBackend) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	if elem, ok := c.elements[key]; ok {
		c.order.MoveToFront(elem)
		value := elem.Value.(*cacheEntry).value
		c.mu.Unlock()
		return append([]byte(nil), value...), nil
	}
	c.mu.Unlock()

	value, err := c.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	c.put(key, value)
	return value, nil
}

func (c *CachedBackend) Set(ctx context.Context, key string, value []byte) error {
	if err := c.inner.Set(ctx, key, value); err != nil {
		return err
	}
	c.put(key, value)
	return nil
}

func (c *CachedBackend) Delete(ctx context.Context, key string) error {
	if err := c.inner.Delete(ctx, key); err != nil {
		return err
	}
	c.invalidate(key)
	return nil
}

func (c *CachedBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	return c.inner.Keys(ctx, prefix)
}

func (c *CachedBackend) Close() error {
	c.mu.Lock()
	c.order.Init()
	c.elements = make(map[string]*list.Element)
	c.mu.Unlock()
	return c.inner.Close()
}

func (c *CachedBackend) put(key string, value []byte) {
	stored := append([]byte(nil), value...)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.elements[key]; ok {
		elem.Value.(*cacheEntry).value = stored
		c.order.MoveToFront(elem)
		return
	}

	c.elements[key] = c.order.PushFront(&cacheEntry{key: key, value: stored})

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.elements, oldest.Value.(*cacheEntry).key)
	}
}

func (c *CachedBackend) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.elements[key]; ok {
		c.order.Remove(elem)
		delete(c.elements, key)
	}
}
