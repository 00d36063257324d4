package process

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windmill/streamworker/internal/execcache"
	"github.com/windmill/streamworker/internal/executor"
	"github.com/windmill/streamworker/internal/failure"
	"github.com/windmill/streamworker/internal/outqueue"
	"github.com/windmill/streamworker/internal/windmill"
	"github.com/windmill/streamworker/internal/work"
)

type stubContext struct {
	bindErr  error
	flushErr error
	bound    work.Item
}

func (c *stubContext) Bind(item work.Item, _ time.Time, _ *work.CommitBuilder) error {
	c.bound = item
	return c.bindErr
}
func (c *stubContext) FlushState() error { return c.flushErr }

type stubPipeline struct {
	restart  bool
	execErr  error
	counters []work.Counter
	closed   bool
}

func (p *stubPipeline) SupportsRestart() bool                { return p.restart }
func (p *stubPipeline) SetProgressUpdatePeriod(time.Duration) {}
func (p *stubPipeline) Execute(context.Context) error         { return p.execErr }
func (p *stubPipeline) Counters() []work.Counter              { return p.counters }
func (p *stubPipeline) Close() error {
	p.closed = true
	return nil
}

func newTestDeps(t *testing.T, pl *stubPipeline, ctxVal *stubContext) (Deps, *windmill.InProcess, *outqueue.Queue) {
	t.Helper()
	cache := execcache.New()
	queue := outqueue.New()
	client := windmill.NewInProcess()
	reporter := failure.New(client, 10*time.Millisecond)

	factory := func(raw []byte, c executor.Context) (executor.Pipeline, error) {
		return pl, nil
	}

	return Deps{
		Cache:      cache,
		Factory:    factory,
		NewCtx:     func() executor.Context { return ctxVal },
		Queue:      queue,
		Reporter:   reporter,
		RetryDelay: 10 * time.Millisecond,
	}, client, queue
}

func TestRunSuccessPushesCommitAndReleasesExecutor(t *testing.T) {
	pl := &stubPipeline{restart: true, counters: []work.Counter{
		{Name: "n", Kind: work.KindSum, Type: work.TypeInt64, Int: 1},
	}}
	deps, _, queue := newTestDeps(t, pl, &stubContext{})

	item := work.Item{Computation: "comp", Key: []byte("k"), Token: 1}
	Run(context.Background(), item, deps, func(work.Item) {})

	require.Equal(t, 1, queue.Len())
	committed, ok := queue.Pop()
	require.True(t, ok)
	require.Len(t, committed.Counters, 1)
	assert.Equal(t, int64(1), committed.Counters[0].Int)

	_, fromCache := deps.Cache.Acquire()
	assert.True(t, fromCache, "a successfully executed pair should be released back to the cache")
}

func TestRunKeyTokenInvalidDropsSilently(t *testing.T) {
	pl := &stubPipeline{restart: true, execErr: &failure.UserCodeError{Cause: failure.ErrKeyTokenInvalid}}
	deps, client, queue := newTestDeps(t, pl, &stubContext{})

	item := work.Item{Computation: "comp", Key: []byte("k"), Token: 1}
	Run(context.Background(), item, deps, func(work.Item) {
		t.Fatal("key-token-invalid failures must not be retried")
	})

	assert.Equal(t, 0, queue.Len())
	assert.Empty(t, client.Failures(), "key-token-invalid is dropped before ever calling ReportStats")
	assert.True(t, pl.closed)
}

func TestRunTransientFailureReportsAndRetries(t *testing.T) {
	pl := &stubPipeline{restart: true, execErr: errors.New("boom")}
	deps, client, queue := newTestDeps(t, pl, &stubContext{})

	retried := make(chan work.Item, 1)
	item := work.Item{Computation: "comp", Key: []byte("k"), Token: 7}
	Run(context.Background(), item, deps, func(it work.Item) {
		retried <- it
	})

	assert.Equal(t, 0, queue.Len())
	require.Len(t, client.Failures(), 1)
	assert.Equal(t, int64(7), client.Failures()[0].WorkToken)

	select {
	case got := <-retried:
		assert.Equal(t, item.Token, got.Token)
	case <-time.After(time.Second):
		t.Fatal("retry was not scheduled in time")
	}
}

func TestRunDebouncesRapidRepeatedRetries(t *testing.T) {
	pl := &stubPipeline{restart: true, execErr: errors.New("boom")}
	deps, _, _ := newTestDeps(t, pl, &stubContext{})
	item := work.Item{Computation: "comp", Key: []byte("k"), Token: 7}

	first := make(chan time.Time, 1)
	start := time.Now()
	Run(context.Background(), item, deps, func(work.Item) { first <- time.Now() })
	select {
	case got := <-first:
		assert.Less(t, got.Sub(start), deps.RetryDelay, "the first retry of an item is never debounced")
	case <-time.After(time.Second):
		t.Fatal("first retry was not scheduled in time")
	}

	// A second failure of the same (computation, key, token) arriving
	// within RetryDebounce must wait out the interval before retrying.
	second := make(chan time.Time, 1)
	restart := time.Now()
	Run(context.Background(), item, deps, func(work.Item) { second <- time.Now() })
	select {
	case got := <-second:
		assert.GreaterOrEqual(t, got.Sub(restart), deps.RetryDelay, "a rapid repeat retry of the same item should be debounced")
	case <-time.After(time.Second):
		t.Fatal("second retry was not scheduled in time")
	}
}

func TestRunAbandonsWhenServiceReportsFailed(t *testing.T) {
	pl := &stubPipeline{restart: true, execErr: errors.New("boom")}
	deps, client, _ := newTestDeps(t, pl, &stubContext{})
	client.SetFailAllReportedWork(true)

	item := work.Item{Computation: "comp", Key: []byte("k"), Token: 7}
	Run(context.Background(), item, deps, func(work.Item) {
		t.Fatal("a failed-lease report must abandon, not retry")
	})
}

func TestRunPanicsOnNonRestartablePipeline(t *testing.T) {
	pl := &stubPipeline{restart: false}
	deps, _, _ := newTestDeps(t, pl, &stubContext{})

	item := work.Item{Computation: "comp", Key: []byte("k"), Token: 1}
	assert.Panics(t, func() {
		Run(context.Background(), item, deps, func(work.Item) {})
	})
}
