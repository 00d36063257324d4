// Package execcache implements the per-computation LIFO free-list of bound
// executor/context pairs described in spec.md §4.2. Unlike the bounded work
// pool's worker goroutines, there is no fixed count here: pairs are created
// lazily on a cache miss and returned on success, so the cache grows to the
// steady-state concurrency of one computation and never more.
//
// Shaped after internal/worker's Pool type from the teacher repo (a
// mutex-guarded slice acting as the backing store), adapted from a
// task-channel model to a plain LIFO stack: warm-executor reuse wants the
// most recently released pair back first, not the oldest.
package execcache

import (
	"sync"

	"github.com/windmill/streamworker/internal/executor"
)

// Cache is a LIFO pool of executor.Pair values for one computation.
type Cache struct {
	mu    sync.Mutex
	stack []executor.Pair
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{}
}

// Acquire pops the most recently released pair, if any. A false return
// means the caller must construct a fresh Pair via the computation's
// executor.Factory.
func (c *Cache) Acquire() (executor.Pair, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.stack)
	if n == 0 {
		return executor.Pair{}, false
	}
	p := c.stack[n-1]
	c.stack = c.stack[:n-1]
	return p, true
}

// Release pushes p back onto the free-list for reuse by a later work item.
func (c *Cache) Release(p executor.Pair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stack = append(c.stack, p)
}

// Len reports how many idle pairs are currently cached, for status
// reporting.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stack)
}

// DrainAndClose pops and closes every idle pair in the cache. Called during
// harness shutdown, mirroring the original source's "close every idle
// executor left in mapTaskExecutors" step. Errors from individual Close
// calls are collected but do not stop the drain.
func (c *Cache) DrainAndClose() []error {
	c.mu.Lock()
	pairs := c.stack
	c.stack = nil
	c.mu.Unlock()

	var errs []error
	for _, p := range pairs {
		if p.Pipeline == nil {
			continue
		}
		if err := p.Pipeline.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
