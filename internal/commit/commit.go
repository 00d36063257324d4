// ============================================================================
// Windmill Commit Aggregator - 提交彙整循環
// ============================================================================
//
// Package: internal/commit
// 文件: commit.go
// 功能: 單一 goroutine，持續依註冊順序清空每個 computation 的輸出佇列，
//       在共享的位元組預算內，透過 CommitWork RPC 送出結果
//
// 預算檢查時機:
//   每次 pop 之前檢查剩餘預算是否 > 0，而非 pop 之後才檢查 — 因此每個
//   computation 每輪最多可能有一個項目讓預算變成負值，之後才停止。
//
// 節奏:
//   若這一輪耗盡了預算，立刻進行下一輪；若佇列全空，睡眠 idleSleep
//   後再試。
//
// Grounded on the teacher's controller.resultLoop (a drain-then-dispatch
// loop run on its own goroutine) generalized from one result channel to N
// per-computation queues, following the original source's commitLoop for
// the budget-then-sleep-only-if-idle discipline.
package commit

import (
	"context"
	"time"

	"github.com/windmill/streamworker/internal/logging"
	"github.com/windmill/streamworker/internal/registry"
	"github.com/windmill/streamworker/internal/windmill"
	"github.com/windmill/streamworker/internal/work"
)

// Loop runs the commit aggregator until ctx is done.
type Loop struct {
	reg           *registry.Registry
	client        windmill.Client
	maxBytes      int
	idleSleep     time.Duration
}

// New returns a commit loop draining reg's output queues under maxBytes
// per round, sleeping idleSleep between rounds that didn't exhaust the
// budget (spec.md's MaxCommitBytes and the 100ms idle sleep).
func New(reg *registry.Registry, client windmill.Client, maxBytes int, idleSleep time.Duration) *Loop {
	return &Loop{reg: reg, client: client, maxBytes: maxBytes, idleSleep: idleSleep}
}

// Drain synchronously runs commit rounds until a round no longer exhausts
// the byte budget, i.e. every output queue is empty. Used by the harness
// during shutdown to flush commits produced by in-flight pool work right
// up to the moment the pool finishes draining, closing the window between
// the pool's last task finishing and the async Run loop's next scheduled
// wakeup.
func (l *Loop) Drain(ctx context.Context) {
	log := logging.FromContext(ctx)
	for l.runOnce(ctx, log) {
	}
}

// Run drains and commits in a loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	log := logging.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		exhausted := l.runOnce(ctx, log)
		if !exhausted {
			select {
			case <-time.After(l.idleSleep):
			case <-ctx.Done():
				return
			}
		}
	}
}

// runOnce drains every registered computation's output queue once, under a
// shared remaining-bytes budget, and issues at most one CommitWork call for
// the round. It reports whether the budget was exhausted (meaning another
// round should start immediately rather than sleep).
func (l *Loop) runOnce(ctx context.Context, log interface {
	Error(string, ...any)
}) bool {
	remaining := l.maxBytes
	req := windmill.CommitWorkRequest{ByComputation: make(map[string][]work.CommitRequest)}
	wrote := false

	for _, id := range l.reg.IDs() {
		q, ok := l.reg.Queue(id)
		if !ok {
			continue
		}
		for remaining > 0 {
			item, ok := q.Pop()
			if !ok {
				break
			}
			req.ByComputation[id] = append(req.ByComputation[id], item)
			remaining -= item.Size()
			wrote = true
		}
		if remaining <= 0 {
			break
		}
	}

	if wrote {
		if err := l.client.CommitWork(ctx, req); err != nil {
			log.Error("commit: commitWork failed", "error", err)
		}
	}

	return remaining <= 0
}
