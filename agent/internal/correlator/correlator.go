// Package correlator hands a keyed value from the goroutine that produced it
// to the goroutine waiting for it.
package correlator

import (
	"context"
	"sync"
)

// Correlator is a blocking key/value handoff. Multiple producers and
// consumers are safe. A value is removed by the Get that returns it.
type Correlator[K comparable, V any] struct {
	mu     sync.Mutex
	values map[K]V
	// notify is closed and replaced on every Put so all waiters re-check.
	notify chan struct{}
}

// New creates an empty correlator.
func New[K comparable, V any]() *Correlator[K, V] {
	return &Correlator[K, V]{
		values: make(map[K]V),
		notify: make(chan struct{}),
	}
}

// Put stores value under key and wakes every waiter. A second Put for the
// same key before it is consumed replaces the earlier value.
func (c *Correlator[K, V]) Put(key K, value V) {
	c.mu.Lock()
	c.values[key] = value
	close(c.notify)
	c.notify = make(chan struct{})
	c.mu.Unlock()
}

// BlockingGet waits without bound until key is available, then removes and
// returns it.
func (c *Correlator[K, V]) BlockingGet(key K) V {
	v, _ := c.Get(context.Background(), key)
	return v
}

// Get is BlockingGet bounded by ctx. It returns ctx.Err() if ctx is done
// before the key arrives.
func (c *Correlator[K, V]) Get(ctx context.Context, key K) (V, error) {
	for {
		c.mu.Lock()
		if v, ok := c.values[key]; ok {
			delete(c.values, key)
			c.mu.Unlock()
			return v, nil
		}
		wait := c.notify
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}
}

// TryGet removes and returns key if present without waiting.
func (c *Correlator[K, V]) TryGet(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	if ok {
		delete(c.values, key)
	}
	return v, ok
}

// Len returns the number of unconsumed values.
func (c *Correlator[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.values)
}
