// ============================================================================
// Windmill Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/pool
// 文件: pool.go
// 功能: 管理一組 worker goroutine 的生命週期，並分發有界/無界兩種任務
//
// 設計模式:
//   Worker Pool 模式，兩條提交路徑：
//   1. Submit     - 有界 channel，滿了立刻回傳 ErrQueueFull，從不阻塞
//   2. ForceSubmit - 無界路徑，專供失敗重試流量繞過佇列上限使用
//   一個 pool，兩種提交方法，而非兩個獨立的 pool（見 DESIGN.md 的
//   Open Question 決策）。
//
// 閒置回收:
//   每個 worker 持有自己的閒置計時器；閒置超過 idleTimeout 便自我
//   終止，liveWorkers 計數相應遞減。下一次 Submit/ForceSubmit 會呼叫
//   ensureCapacityLocked 補滿回 workerCap，所以實際存活的 goroutine
//   數量會隨負載起伏，而不是從啟動起就永遠釘在 workerCap。
//
// 優雅關閉:
//   Stop() 關閉 stopCh 並等待 WaitGroup，冪等，可重複呼叫。
package pool

import (
	"errors"
	"sync"
	"time"
)

// ErrPoolClosed is returned by Submit/ForceSubmit once the pool has been
// stopped.
var ErrPoolClosed = errors.New("pool: closed")

// ErrQueueFull is returned by Submit when the bounded task queue has no
// room and the caller must not block (the dispatch loop treats this as
// "try again on the next getWork cycle," never as a fatal condition).
var ErrQueueFull = errors.New("pool: queue full")

// ErrAlreadyStarted is returned by Start if called more than once.
var ErrAlreadyStarted = errors.New("pool: already started")

// ErrPoolNotStarted is returned by Submit if Start has not been called yet.
var ErrPoolNotStarted = errors.New("pool: not started")

// Task is a unit of work submitted to the pool. It is a plain function
// rather than a data envelope: the per-item executor (internal/process)
// closes over everything it needs before submitting.
type Task func()

// Pool is a worker goroutine set, bounded at workerCap concurrently alive
// workers, fed by a bounded task channel. Workers that sit idle past
// idleTimeout terminate; ensureCapacity respawns up to workerCap on the
// next Submit/ForceSubmit, so the live goroutine count tracks load instead
// of staying pinned at workerCap for the pool's whole lifetime.
type Pool struct {
	maxQueue    int
	idleTimeout time.Duration
	mu          sync.Mutex
	started     bool
	stopped     bool
	workerCap   int
	liveWorkers int
	taskCh      chan Task
	forceCh     chan Task
	stopCh      chan struct{}
	wg          sync.WaitGroup
	activeMu    sync.Mutex
	activeCount int
}

// New returns an unstarted pool with the given bounded-queue capacity and
// per-worker idle timeout (the analog of THREAD_IDLE_EXPIRATION; a zero
// value disables idle reclamation and keeps exactly workerCap goroutines
// alive for the pool's lifetime).
func New(maxQueue int, idleTimeout time.Duration) *Pool {
	return &Pool{
		maxQueue:    maxQueue,
		idleTimeout: idleTimeout,
		taskCh:      make(chan Task, maxQueue),
		forceCh:     make(chan Task),
		stopCh:      make(chan struct{}),
	}
}

// Start spawns workerCount worker goroutines and sets workerCount as the
// cap idle reclamation respawns back up to. It may be called only once.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true
	p.workerCap = workerCount

	for i := 0; i < workerCount; i++ {
		p.spawnWorkerLocked()
	}
	return nil
}

// spawnWorkerLocked starts one worker goroutine. Callers must hold p.mu.
func (p *Pool) spawnWorkerLocked() {
	p.liveWorkers++
	p.wg.Add(1)
	go p.runWorker()
}

// ensureCapacityLocked tops liveWorkers back up to workerCap if idle
// reclamation let it drop, e.g. after a quiet period followed by new work.
// Callers must hold p.mu.
func (p *Pool) ensureCapacityLocked() {
	if p.stopped {
		return
	}
	for p.liveWorkers < p.workerCap {
		p.spawnWorkerLocked()
	}
}

func (p *Pool) runWorker() {
	defer p.wg.Done()

	var idle *time.Timer
	var idleTimer <-chan time.Time
	if p.idleTimeout > 0 {
		idle = time.NewTimer(p.idleTimeout)
		defer idle.Stop()
		idleTimer = idle.C
	}
	run := func(task Task) {
		p.runTask(task)
		if idle != nil {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.idleTimeout)
		}
	}

	for {
		select {
		case task, ok := <-p.forceCh:
			if !ok {
				return
			}
			run(task)
		default:
			select {
			case task, ok := <-p.taskCh:
				if !ok {
					return
				}
				run(task)
			case task, ok := <-p.forceCh:
				if !ok {
					return
				}
				run(task)
			case <-idleTimer:
				// THREAD_IDLE_EXPIRATION: reclaim this goroutine. The next
				// Submit/ForceSubmit respawns up to workerCap via
				// ensureCapacityLocked, so capacity tracks load rather than
				// staying pinned at workerCap indefinitely.
				p.mu.Lock()
				p.liveWorkers--
				p.mu.Unlock()
				return
			case <-p.stopCh:
				return
			}
		}
	}
}

func (p *Pool) runTask(task Task) {
	p.activeMu.Lock()
	p.activeCount++
	p.activeMu.Unlock()

	defer func() {
		p.activeMu.Lock()
		p.activeCount--
		p.activeMu.Unlock()
	}()

	task()
}

// Submit enqueues task on the bounded queue, returning ErrQueueFull
// immediately if it has no room rather than blocking the caller (the
// dispatch loop's getWork cycle must never stall on a full pool).
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	started := p.started
	stopped := p.stopped
	p.ensureCapacityLocked()
	p.mu.Unlock()
	if stopped {
		return ErrPoolClosed
	}
	if !started {
		return ErrPoolNotStarted
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	default:
		return ErrQueueFull
	}
}

// ForceSubmit enqueues task on the unbounded retry path, which never
// rejects for lack of room. Used exclusively by the dispatch loop's retry
// path to resubmit a work item after a transient failure.
func (p *Pool) ForceSubmit(task Task) error {
	p.mu.Lock()
	stopped := p.stopped
	p.ensureCapacityLocked()
	p.mu.Unlock()
	if stopped {
		return ErrPoolClosed
	}

	go func() {
		select {
		case p.forceCh <- task:
		case <-p.stopCh:
		}
	}()
	return nil
}

// Size returns the worker cap: the maximum number of workers live at once.
// The actual live count (Active plus idle-but-not-yet-reclaimed workers)
// may be lower if idle reclamation has kicked in.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workerCap
}

// Active returns the number of workers currently executing a task.
func (p *Pool) Active() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return p.activeCount
}

// QueueDepth returns the number of tasks currently buffered on the bounded
// queue.
func (p *Pool) QueueDepth() int {
	return len(p.taskCh)
}

// Stop closes the pool: no further Submit/ForceSubmit will succeed, and
// Stop blocks until every in-flight task finishes (callers needing a grace
// deadline should race this against a timer, as internal/harness does for
// the 5-minute shutdown grace).
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}
