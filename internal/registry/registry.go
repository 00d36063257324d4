// ============================================================================
// Windmill Worker Registry - 計算單元註冊表
// ============================================================================
//
// Package: internal/registry
// 文件: registry.go
// 功能: 追蹤這個 worker 實例已知的每個 computation，並管理其相關狀態
//
// 一個 computation 變為已知有兩種途徑:
//   1. 啟動時從命令列描述符預先註冊 (pre-registered)
//   2. dispatch loop 收到它的工作時，延遲透過服務取得其 config
//
// 三張表，一把鎖:
//   registry 擁有三個必須同步變動的表：
//   - descriptors: computation id -> Descriptor
//   - queues:      computation id -> 輸出佇列 (commit 等待區)
//   - caches:      computation id -> executor 閒置池
//   單一 sync.RWMutex 保護全部三者，使「已知」成為一個原子的、
//   全有或全無的事實 — 呼叫者永遠不會看到輸出佇列存在卻沒有對應的
//   描述符，反之亦然。
//
// 冪等註冊:
//   Register 是 first-wins：對已知 id 的第二次呼叫是空操作，即使
//   Raw 內容不同也一樣，不是 last-write-wins。
package registry

import (
	"sync"

	"github.com/windmill/streamworker/internal/execcache"
	"github.com/windmill/streamworker/internal/outqueue"
)

// Descriptor is an opaque computation definition. Raw is handed verbatim to
// an executor.Factory; the registry never interprets it.
type Descriptor struct {
	ID  string
	Raw []byte
}

// Registry tracks known computations and their associated per-computation
// state (output queue, executor cache).
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
	order       []string // insertion order, for stable commit-loop iteration
	queues      map[string]*outqueue.Queue
	caches      map[string]*execcache.Cache
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		descriptors: make(map[string]Descriptor),
		queues:      make(map[string]*outqueue.Queue),
		caches:      make(map[string]*execcache.Cache),
	}
}

// Register adds a computation descriptor if its id is not already known.
// It is first-wins and idempotent, matching addComputation's
// if (!instructionMap.containsKey(computation)) guard: a second Register
// call for an id already present is a no-op on all three maps, even if
// desc.Raw differs from what's stored. It reports whether the computation
// was previously unknown.
func (r *Registry) Register(desc Descriptor) (isNew bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, known := r.descriptors[desc.ID]; known {
		return false
	}
	r.descriptors[desc.ID] = desc
	r.order = append(r.order, desc.ID)
	r.queues[desc.ID] = outqueue.New()
	r.caches[desc.ID] = execcache.New()
	return true
}

// Lookup returns the descriptor for id, if known.
func (r *Registry) Lookup(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[id]
	return d, ok
}

// Queue returns the per-computation output queue for id, if known.
func (r *Registry) Queue(id string) (*outqueue.Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[id]
	return q, ok
}

// Cache returns the per-computation executor cache for id, if known.
func (r *Registry) Cache(id string) (*execcache.Cache, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caches[id]
	return c, ok
}

// Descriptors returns a snapshot of all known descriptors in registration
// order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.descriptors[id])
	}
	return out
}

// IDs returns known computation ids in registration order. Used by the
// commit loop to iterate output queues deterministically (an
// implementation choice, not a spec-mandated fairness guarantee — see
// DESIGN.md).
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Caches returns a snapshot of every executor cache currently registered,
// used during shutdown to drain and close idle executors.
func (r *Registry) Caches() []*execcache.Cache {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*execcache.Cache, 0, len(r.caches))
	for _, id := range r.order {
		out = append(out, r.caches[id])
	}
	return out
}
