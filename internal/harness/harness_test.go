package harness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windmill/streamworker/internal/executor"
	"github.com/windmill/streamworker/internal/executor/refpipeline"
	"github.com/windmill/streamworker/internal/registry"
	"github.com/windmill/streamworker/internal/windmill"
	"github.com/windmill/streamworker/internal/work"
)

type singleSource struct{}

func (singleSource) Lookup(string) (executor.Factory, func() executor.Context, bool) {
	return refpipeline.New, refpipeline.NewContext, true
}

// slowPipeline wraps the reference pipeline with an artificial delay in
// Execute, long enough that Stop is called while the item is still in
// flight in the pool.
type slowPipeline struct {
	inner executor.Pipeline
	delay time.Duration
}

func (p *slowPipeline) SupportsRestart() bool                { return p.inner.SupportsRestart() }
func (p *slowPipeline) SetProgressUpdatePeriod(d time.Duration) { p.inner.SetProgressUpdatePeriod(d) }
// Execute ignores the caller's ctx and always runs to completion: it
// models a pipeline that is partway through a unit of work the pool
// cannot forcibly abort, the same in-flight-task semantics pool.Stop's
// WaitGroup wait assumes.
func (p *slowPipeline) Execute(context.Context) error {
	time.Sleep(p.delay)
	return p.inner.Execute(context.Background())
}
func (p *slowPipeline) Counters() []work.Counter { return p.inner.Counters() }
func (p *slowPipeline) Close() error             { return p.inner.Close() }

type slowSource struct{ delay time.Duration }

func (s slowSource) Lookup(string) (executor.Factory, func() executor.Context, bool) {
	factory := func(raw []byte, ctx executor.Context) (executor.Pipeline, error) {
		inner, err := refpipeline.New(raw, ctx)
		if err != nil {
			return nil, err
		}
		return &slowPipeline{inner: inner, delay: s.delay}, nil
	}
	return factory, refpipeline.NewContext, true
}

// TestEndToEndLeaseExecuteCommit exercises the full lease -> dispatch ->
// execute -> commit round trip against the in-process fake service, the
// first of spec.md §8's concrete scenarios.
func TestEndToEndLeaseExecuteCommit(t *testing.T) {
	client := windmill.NewInProcess()
	client.SetConfig(windmill.ComputationConfig{ComputationID: "comp-a", Raw: []byte("cfg")})
	client.Enqueue("comp-a", 1000, work.Item{Key: []byte("key-1"), Token: 1, Input: []byte("hello")})

	h := New(Config{
		Client:     client,
		Source:     singleSource{},
		StatusAddr: "", // disable status server in tests
	}, []registry.Descriptor{{ID: "comp-a", Raw: []byte("cfg")}})

	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)

	require.Eventually(t, func() bool {
		return len(client.Committed()) > 0
	}, 2*time.Second, 5*time.Millisecond, "the leased item should be executed and committed")

	cancel()
	require.NoError(t, h.Stop())

	committed := client.Committed()
	require.Len(t, committed, 1)
	items := committed[0].ByComputation["comp-a"]
	require.Len(t, items, 1)
	assert.Equal(t, []byte("hello"), items[0].OutputMessages)
	require.Len(t, items[0].Counters, 1)
	assert.Equal(t, int64(5), items[0].Counters[0].Int)
}

// TestEndToEndUnknownComputationLazilyFetchesConfig exercises the dispatch
// loop's lazy getConfig path for a computation not pre-registered at
// startup.
func TestEndToEndUnknownComputationLazilyFetchesConfig(t *testing.T) {
	client := windmill.NewInProcess()
	client.SetConfig(windmill.ComputationConfig{ComputationID: "comp-b", Raw: []byte("cfg-b")})
	client.Enqueue("comp-b", 0, work.Item{Key: []byte("k"), Token: 1, Input: []byte("x")})

	h := New(Config{Client: client, Source: singleSource{}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)
	defer func() {
		cancel()
		h.Stop()
	}()

	require.Eventually(t, func() bool {
		_, ok := h.Registry().Lookup("comp-b")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

// TestStopDrainsExecutorCaches exercises shutdown draining idle executors.
func TestStopDrainsExecutorCaches(t *testing.T) {
	client := windmill.NewInProcess()
	client.SetConfig(windmill.ComputationConfig{ComputationID: "comp-a", Raw: []byte("cfg")})
	client.Enqueue("comp-a", 0, work.Item{Key: []byte("k"), Token: 1, Input: []byte("y")})

	h := New(Config{Client: client, Source: singleSource{}},
		[]registry.Descriptor{{ID: "comp-a", Raw: []byte("cfg")}})

	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)

	require.Eventually(t, func() bool {
		return len(client.Committed()) > 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, h.Stop())
}

// TestStopFlushesCommitProducedDuringShutdownGrace exercises comment 2's
// fix directly: a work item whose pipeline is still executing when Stop is
// called finishes during the pool's ShutdownGrace window, and its commit
// must still reach the client rather than being stranded on an output
// queue nobody reads again.
func TestStopFlushesCommitProducedDuringShutdownGrace(t *testing.T) {
	client := windmill.NewInProcess()
	client.SetConfig(windmill.ComputationConfig{ComputationID: "comp-a", Raw: []byte("cfg")})
	client.Enqueue("comp-a", 0, work.Item{Key: []byte("k"), Token: 1, Input: []byte("slow")})

	h := New(Config{Client: client, Source: slowSource{delay: 200 * time.Millisecond}},
		[]registry.Descriptor{{ID: "comp-a", Raw: []byte("cfg")}})

	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)

	// Give the dispatch loop time to lease and start executing the slow
	// item, then stop immediately — well before the pipeline's 200ms
	// Execute delay elapses.
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, h.Stop())

	committed := client.Committed()
	require.Len(t, committed, 1, "the in-flight item's commit must be flushed before the commit loop stops")
	items := committed[0].ByComputation["comp-a"]
	require.Len(t, items, 1)
	assert.Equal(t, []byte("slow"), items[0].OutputMessages)
}
