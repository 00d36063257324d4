// ============================================================================
// Windmill Per-Item Executor - 單一工作項目執行
// ============================================================================
//
// Package: internal/process
// 文件: process.go
// 功能: 將一個已快取（或現場建構）的 executor/context pair 綁定到一個
//       租到的工作項目，執行、轉譯計數器、flush 狀態，並把結果交給
//       commit 彙整器或失敗回報器
//
// 執行步驟 (Run):
//   1. 建立以 (computation, key, token) 為鍵的 CommitBuilder
//   2. 從快取取出 pair，或呼叫 Factory 現場建構一個
//   3. 現場建構的 pair 需斷言支援 restart，並關閉進度更新
//   4. Bind → Execute → 轉譯計數器 → FlushState
//   5. 成功則釋放 pair 回快取、把結果推入輸出佇列；任一步失敗則關閉
//      pair、分類錯誤、回報並視情況重試或放棄
//
// 重試節流:
//   同一 (computation, key, token) 的第一次重試立即送出；若在
//   RetryDebounce 視窗內又失敗一次，才等滿整個視窗再重試
//   （failure.Reporter.ShouldDebounce）。
//
// Grounded on the original source's process() method and on the teacher's
// controller.handleResult for the retry-vs-dead control-flow shape (though
// the actual retry/abandon decision here is RPC-driven via ReportStats,
// following the original source, not locally attempt-counted as the
// teacher does — see DESIGN.md).
package process

import (
	"context"
	"time"

	"github.com/windmill/streamworker/internal/execcache"
	"github.com/windmill/streamworker/internal/executor"
	"github.com/windmill/streamworker/internal/failure"
	"github.com/windmill/streamworker/internal/logging"
	"github.com/windmill/streamworker/internal/outqueue"
	"github.com/windmill/streamworker/internal/work"
)

// Deps bundles the collaborators a single Run call needs: where to get/
// return an executor pair, how to build one from scratch on a cache miss,
// where completed commits go, and how to report a failure.
type Deps struct {
	Cache    *execcache.Cache
	Factory  executor.Factory
	NewCtx   func() executor.Context
	Queue    *outqueue.Queue
	Reporter *failure.Reporter

	// DescriptorRaw is handed to Factory on a cache miss.
	DescriptorRaw []byte

	// OnError, if set, is called with every non-key-token-invalid
	// processing failure, for the harness's last-exception status cell.
	OnError func(error)

	// RetryDelay is how long to wait before resubmitting a retryable
	// failure that repeats within the reporter's debounce window (spec.md's
	// RetryDebounce, default 10s); a first retry is resubmitted without
	// waiting. Defaults to 10s if zero; tests override it to keep retry
	// assertions fast.
	RetryDelay time.Duration
}

// RetryFunc resubmits item for another attempt, bound to the pool's
// ForceSubmit path. The dispatch loop supplies this so package process
// never needs to import internal/pool directly.
type RetryFunc func(item work.Item)

// Run executes one leased work item end to end, following spec.md §4.5's
// numbered steps:
//  1. build a CommitBuilder keyed by (computation, key, token)
//  2. acquire a cached executor/context pair, or construct one
//  3. on a freshly constructed pair, assert restart support and disable
//     progress updates
//  4. bind the context to the item
//  5. execute
//  6. translate counters into the commit
//  7. flush state, then either release the pair and push the commit, or
//     on any failure classify/report/retry-or-abandon
//  8. always detach the per-item logging fields on the way out
func Run(ctx context.Context, item work.Item, deps Deps, retry RetryFunc) {
	// Per-item diagnostic fields ride along on ctx's value chain and are
	// dropped automatically once this call returns — the effect of the
	// original source's per-thread diagnostic-context reset, without a
	// thread-local to clear.
	ctx = logging.WithFields(ctx, item.Computation, item.Key, item.Token)
	log := logging.FromContext(ctx)

	builder := work.NewCommitBuilder(item.Computation, item.Key, item.Token)

	pair, fromCache := deps.Cache.Acquire()
	if !fromCache {
		built, err := buildPair(deps)
		if err != nil {
			log.Error("process: failed to construct executor", "error", err)
			reportAndMaybeRetry(ctx, item, deps, retry, err)
			return
		}
		pair = built
	}

	if err := pair.Context.Bind(item, item.InputWatermark, builder); err != nil {
		closeOnFailure(log, pair)
		reportAndMaybeRetry(ctx, item, deps, retry, err)
		return
	}

	if err := pair.Pipeline.Execute(ctx); err != nil {
		closeOnFailure(log, pair)
		reportAndMaybeRetry(ctx, item, deps, retry, err)
		return
	}

	for _, u := range translateCounters(ctx, pair.Pipeline.Counters()) {
		builder.AddCounterUpdate(u)
	}

	if err := pair.Context.FlushState(); err != nil {
		closeOnFailure(log, pair)
		reportAndMaybeRetry(ctx, item, deps, retry, err)
		return
	}

	deps.Cache.Release(pair)
	deps.Queue.Push(builder.Build())
}

func buildPair(deps Deps) (executor.Pair, error) {
	pctx := deps.NewCtx()
	pl, err := deps.Factory(deps.DescriptorRaw, pctx)
	if err != nil {
		return executor.Pair{}, err
	}
	if !pl.SupportsRestart() {
		// The original source treats this as a Preconditions violation —
		// a programming error in the executor factory, not a runtime
		// condition to recover from, since every pair placed in the cache
		// is assumed reusable for the rest of the process's life.
		panic("process: executor factory produced a non-restartable pipeline")
	}
	pl.SetProgressUpdatePeriod(0)
	return executor.Pair{Pipeline: pl, Context: pctx}, nil
}

func closeOnFailure(log interface{ Error(string, ...any) }, pair executor.Pair) {
	if pair.Pipeline == nil {
		return
	}
	if err := pair.Pipeline.Close(); err != nil {
		log.Error("process: error closing executor after failure", "error", err)
	}
}

func reportAndMaybeRetry(ctx context.Context, item work.Item, deps Deps, retry RetryFunc, procErr error) {
	log := logging.FromContext(ctx)

	if failure.Classify(procErr) == failure.KindKeyTokenInvalid {
		log.Debug("process: key token invalid, dropping work item")
		return
	}

	log.Error("process: work item failed", "error", procErr)
	if deps.OnError != nil {
		deps.OnError(procErr)
	}

	decision, reportErr := deps.Reporter.Report(ctx, item, procErr)
	if reportErr != nil {
		log.Error("process: failed to report stats", "error", reportErr)
	}
	if decision != failure.DecisionRetry {
		log.Error("process: aborting processing due to exception reporting failure")
		return
	}

	// Retry immediately unless this exact (computation, key, token) was
	// just retried within RetryDebounce, in which case wait out the
	// debounce interval first — the original source's 10s sleep before
	// forceExecute, applied only to the repeat-offender case rather than
	// flatly on every retry.
	if !deps.Reporter.ShouldDebounce(item.Computation, item.Key, item.Token, time.Now()) {
		go retry(item)
		return
	}

	delay := deps.RetryDelay
	if delay == 0 {
		delay = 10 * time.Second
	}
	go func() {
		time.Sleep(delay)
		retry(item)
	}()
}
