// ============================================================================
// Windmill Worker Harness - 頂層協調器
// ============================================================================
//
// Package: internal/harness
// 文件: harness.go
// 功能: 把 registry、executor cache、有界工作池、dispatch loop、
//       commit loop、失敗回報器、服務 client、status server、記憶體閘門
//       全部串起來，組成單一可執行單元，並實作 Start/Stop 生命週期
//
// 核心循環 (2 個並發 goroutine，各自獨立的 context/WaitGroup):
//   1. Dispatch Loop - 租用並分派工作
//   2. Commit  Loop - 彙整並提交結果
//
// 關閉順序 (Stop):
//   1. 關閉 status server
//   2. 清除 running flag
//   3. 取消並 join dispatch loop
//   4. 關閉有界工作池，給一段寬限期 (ShutdownGrace)
//   5. 清空每個 computation 的閒置 executor 快取
//   6. 最後才取消並 join commit loop
//   commit loop 刻意排在最後關閉：寬限期內池中工作完成所產生的提交，
//   仍然需要有人持續清空輸出佇列，否則就會堆在無人消費的佇列裡。
//
// Grounded on the teacher's internal/controller.Controller (its Config
// struct and Start/Stop four-loop wiring) and the original source's
// StreamingDataflowWorker constructor/start()/stop() for this exact
// shutdown ordering.
package harness

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/windmill/streamworker/internal/commit"
	"github.com/windmill/streamworker/internal/dispatch"
	"github.com/windmill/streamworker/internal/executor"
	"github.com/windmill/streamworker/internal/failure"
	"github.com/windmill/streamworker/internal/logging"
	"github.com/windmill/streamworker/internal/memgate"
	"github.com/windmill/streamworker/internal/pool"
	"github.com/windmill/streamworker/internal/registry"
	"github.com/windmill/streamworker/internal/status"
	"github.com/windmill/streamworker/internal/windmill"
)

// ErrShutdownTimeout is returned by Stop if the bounded work pool does not
// drain within ShutdownGrace.
var ErrShutdownTimeout = errors.New("harness: pool did not shut down within grace period")

// ComputationSource supplies the executor.Factory and executor.Context
// constructor for a computation id, bridging to whatever user-pipeline
// engine this harness is embedded in. This is the only place real pipeline
// wiring enters the harness.
type ComputationSource interface {
	Lookup(computationID string) (executor.Factory, func() executor.Context, bool)
}

// Config bundles everything needed to construct a Harness.
type Config struct {
	Client           windmill.Client
	Source           ComputationSource
	StatusAddr       string
	MemoryCeilingBytes uint64

	WorkerCount int // defaults to MaxWorkers if zero
}

// Harness is the top-level runnable unit.
type Harness struct {
	clientID int64
	running  atomic.Bool
	lastErr  status.LastException

	reg      *registry.Registry
	pool     *pool.Pool
	gate     *memgate.Gate
	reporter *failure.Reporter
	dispatch *dispatch.Loop
	commit   *commit.Loop
	status   *status.Server
	statusAddr string

	dispatchCancel context.CancelFunc
	dispatchWG     sync.WaitGroup

	commitCancel context.CancelFunc
	commitWG     sync.WaitGroup
}

// New constructs a Harness from cfg. Computations named in initial are
// pre-registered immediately, matching spec.md §6's startup descriptors.
func New(cfg Config, initial []registry.Descriptor) *Harness {
	reg := registry.New()
	for _, d := range initial {
		reg.Register(d)
	}

	workerCount := cfg.WorkerCount
	if workerCount == 0 {
		workerCount = MaxWorkers
	}

	p := pool.New(MaxQueue, ThreadIdleExpiration)
	gate := memgate.New(cfg.MemoryCeilingBytes, PushbackRatio, PushbackLogThrottle)
	reporter := failure.New(cfg.Client, RetryDebounce)

	h := &Harness{
		clientID: rand.Int63(),
		reg:      reg,
		pool:     p,
		gate:     gate,
		reporter: reporter,
		statusAddr: cfg.StatusAddr,
	}
	h.running.Store(false)

	lookup := dispatch.FactoryLookup(func(id string) (executor.Factory, func() executor.Context, bool) {
		return cfg.Source.Lookup(id)
	})

	h.dispatch = dispatch.New(reg, cfg.Client, p, gate, reporter, lookup, dispatch.Config{
		ClientID:         h.clientID,
		MaxItemsPerLease: MaxItemsPerLease,
		BackoffInitial:   LeaseBackoffInitial,
		BackoffMax:       LeaseBackoffMax,
		MemoryPollDelay:  MemoryPollDelay,
		PushbackLogEvery: PushbackLogThrottle,
		RetryDelay:       RetryDebounce,
	})
	h.dispatch.OnError(func(err error) { h.lastErr.Set(err) })

	h.commit = commit.New(reg, cfg.Client, MaxCommitBytes, CommitIdleSleep)
	h.status = status.New(&h.running, h.clientID, p, reg, &h.lastErr)

	if err := p.Start(workerCount); err != nil {
		panic(fmt.Sprintf("harness: pool failed to start: %v", err))
	}

	return h
}

// Registry exposes the computation registry for callers that need to
// register computations discovered after construction (spec.md's lazy
// getConfig path also registers through this same registry internally).
func (h *Harness) Registry() *registry.Registry { return h.reg }

// Start launches the dispatch, commit, and status actors. It returns once
// they're running; Stop should be called to shut them down.
//
// The dispatch and commit loops get independent contexts and WaitGroups on
// purpose: Stop cancels and joins them at different points in the shutdown
// sequence, since the commit loop must keep draining output queues while
// dispatch is joined and the pool drains in-flight work.
func (h *Harness) Start(ctx context.Context) {
	dispatchCtx, dispatchCancel := context.WithCancel(ctx)
	h.dispatchCancel = dispatchCancel
	commitCtx, commitCancel := context.WithCancel(ctx)
	h.commitCancel = commitCancel

	h.running.Store(true)

	h.dispatchWG.Add(1)
	go func() {
		defer h.dispatchWG.Done()
		h.dispatch.Run(dispatchCtx)
	}()

	h.commitWG.Add(1)
	go func() {
		defer h.commitWG.Done()
		h.commit.Run(commitCtx)
	}()

	if h.statusAddr != "" {
		go func() {
			if err := h.status.ListenAndServe(h.statusAddr); err != nil {
				logging.FromContext(ctx).Error("harness: status server exited", "error", err)
			}
		}()
	}
}

// Stop follows the original source's stop() ordering exactly: stop the
// status server, clear the running flag, join the dispatch loop, shut down
// the bounded pool within ShutdownGrace, close every idle executor, and
// only then stop the commit loop — so any commit requests produced by
// in-flight pool work draining during the grace period still have
// something reading their output queues until the very end.
func (h *Harness) Stop() error {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownGrace)
	defer shutdownCancel()
	if err := h.status.Shutdown(shutdownCtx); err != nil {
		logging.Default.Error("harness: error shutting down status server", "error", err)
	}

	h.running.Store(false)

	if h.dispatchCancel != nil {
		h.dispatchCancel()
	}
	h.dispatchWG.Wait()

	done := make(chan struct{})
	go func() {
		h.pool.Stop()
		close(done)
	}()

	var stopErr error
	select {
	case <-done:
	case <-time.After(ShutdownGrace):
		stopErr = ErrShutdownTimeout
	}

	for _, c := range h.reg.Caches() {
		for _, err := range c.DrainAndClose() {
			logging.Default.Error("harness: error closing idle executor during shutdown", "error", err)
		}
	}

	// One last synchronous drain closes the window between the pool's
	// final task pushing a commit and the async commit loop's next
	// scheduled wakeup, so nothing produced during the grace period above
	// is ever left stranded on a queue nobody reads again.
	h.commit.Drain(context.Background())

	if h.commitCancel != nil {
		h.commitCancel()
	}
	h.commitWG.Wait()

	return stopErr
}

// LastException returns the most recently observed processing error's
// message, or "" if none has occurred, mirroring the status page's last-
// exception section.
func (h *Harness) LastException() string {
	return h.lastErr.String()
}
