// ============================================================================
// Windmill Dispatch Loop - 租約取件與分派
// ============================================================================
//
// Package: internal/dispatch
// 文件: dispatch.go
// 功能: 向外部服務租用工作項目，並分派給有界工作池執行
//
// 核心循環（單一 goroutine，直到 ctx 結束）:
//   1. waitForMemory  - 記憶體壓力閘門，超過門檻就阻塞並節流告警
//   2. GetWork        - 向服務租用工作，失敗或空手而回都走退避
//   3. 對未知的 computation 延遲呼叫 GetConfig 補註冊
//   4. 將每個租到的工作項目提交給 pool.Submit
//
// 退避策略:
//   指數退避，從 BackoffInitial 開始倍增直到 BackoffMax，一旦租到
//   工作立即重置回 BackoffInitial。
//
// Grounded on the teacher's controller.dispatchLoop (a ticking loop that
// pops work and hands it to the pool) and the original source's
// StreamingDataflowWorker.dispatchLoop() for the exact backoff and
// pushback-gate timing this package follows closely.
package dispatch

import (
	"context"
	"time"

	"github.com/windmill/streamworker/internal/execcache"
	"github.com/windmill/streamworker/internal/executor"
	"github.com/windmill/streamworker/internal/failure"
	"github.com/windmill/streamworker/internal/logging"
	"github.com/windmill/streamworker/internal/memgate"
	"github.com/windmill/streamworker/internal/outqueue"
	"github.com/windmill/streamworker/internal/pool"
	"github.com/windmill/streamworker/internal/process"
	"github.com/windmill/streamworker/internal/registry"
	"github.com/windmill/streamworker/internal/windmill"
	"github.com/windmill/streamworker/internal/work"
)

// Config bundles the tunables the loop needs beyond its collaborators.
type Config struct {
	ClientID         int64
	MaxItemsPerLease int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	MemoryPollDelay  time.Duration
	PushbackLogEvery time.Duration
	RetryDelay       time.Duration
}

// FactoryLookup resolves the executor.Factory and executor.Context
// constructor for a computation id, so this package never needs to know
// how a real pipeline engine is wired up.
type FactoryLookup func(computationID string) (executor.Factory, func() executor.Context, bool)

// Loop is the dispatch actor.
type Loop struct {
	reg      *registry.Registry
	client   windmill.Client
	pool     *pool.Pool
	gate     *memgate.Gate
	reporter *failure.Reporter
	lookup   FactoryLookup
	cfg      Config
	onError  func(error)
}

// New constructs a dispatch loop.
func New(reg *registry.Registry, client windmill.Client, p *pool.Pool, gate *memgate.Gate,
	reporter *failure.Reporter, lookup FactoryLookup, cfg Config) *Loop {
	return &Loop{reg: reg, client: client, pool: p, gate: gate, reporter: reporter, lookup: lookup, cfg: cfg}
}

// OnError registers a callback invoked with every non-key-token-invalid
// processing failure seen by items this loop submits, for the harness's
// last-exception status cell.
func (l *Loop) OnError(fn func(error)) {
	l.onError = fn
}

// Run executes the dispatch loop until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	log := logging.FromContext(ctx)
	backoff := l.cfg.BackoffInitial

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.waitForMemory(ctx, log)

		resp, err := l.client.GetWork(ctx, l.cfg.ClientID, l.cfg.MaxItemsPerLease)
		if err != nil {
			log.Error("dispatch: getWork failed", "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = nextBackoff(backoff, l.cfg.BackoffMax)
			continue
		}

		if len(resp.Computations) == 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = nextBackoff(backoff, l.cfg.BackoffMax)
			continue
		}

		backoff = l.cfg.BackoffInitial
		l.dispatchAll(ctx, log, resp)
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	if next <= 0 {
		return max
	}
	return next
}

func (l *Loop) waitForMemory(ctx context.Context, log interface{ Warn(string, ...any) }) {
	for {
		_, used, ceiling, over := l.gate.Sample()
		if !over {
			return
		}
		if l.gate.ShouldLog(time.Now()) {
			log.Warn("dispatch: withholding getWork due to memory pressure", "used_bytes", used, "ceiling_bytes", ceiling)
		}
		select {
		case <-time.After(l.cfg.MemoryPollDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loop) dispatchAll(ctx context.Context, log interface {
	Warn(string, ...any)
	Error(string, ...any)
}, resp windmill.GetWorkResponse) {
	for _, cw := range resp.Computations {
		if _, ok := l.reg.Lookup(cw.ComputationID); !ok {
			configs, err := l.client.GetConfig(ctx, []string{cw.ComputationID})
			if err != nil {
				log.Warn("dispatch: getConfig failed", "computation", cw.ComputationID, "error", err)
				continue
			}
			if windmill.RegisterDescriptors(l.reg, configs) == 0 {
				log.Warn("dispatch: computation unknown after getConfig, dropping work", "computation", cw.ComputationID)
				continue
			}
		}

		factory, newCtx, ok := l.lookup(cw.ComputationID)
		if !ok {
			log.Error("dispatch: no executor factory registered for computation", "computation", cw.ComputationID)
			continue
		}

		desc, _ := l.reg.Lookup(cw.ComputationID)
		cache, _ := l.reg.Cache(cw.ComputationID)
		queue, _ := l.reg.Queue(cw.ComputationID)

		inputWatermark := time.UnixMicro(cw.WatermarkMicros).Truncate(time.Millisecond)

		for _, item := range cw.Items {
			item.Computation = cw.ComputationID
			item.InputWatermark = inputWatermark
			l.submit(ctx, item, desc.Raw, factory, newCtx, cache, queue)
		}
	}
}

func (l *Loop) submit(ctx context.Context, item work.Item, descriptorRaw []byte,
	factory executor.Factory, newCtx func() executor.Context,
	cache *execcache.Cache, queue *outqueue.Queue) {

	deps := process.Deps{
		Cache:         cache,
		Factory:       factory,
		NewCtx:        newCtx,
		Queue:         queue,
		Reporter:      l.reporter,
		DescriptorRaw: descriptorRaw,
		OnError:       l.onError,
		RetryDelay:    l.cfg.RetryDelay,
	}

	task := func() {
		process.Run(ctx, item, deps, l.retry(deps))
	}

	if err := l.pool.Submit(task); err != nil {
		logging.FromContext(ctx).Error("dispatch: pool rejected work item", "computation", item.Computation, "error", err)
	}
}

func (l *Loop) retry(deps process.Deps) process.RetryFunc {
	return func(item work.Item) {
		_ = l.pool.ForceSubmit(func() {
			process.Run(context.Background(), item, deps, l.retry(deps))
		})
	}
}
