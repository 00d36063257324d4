// Package refpipeline is a minimal, restartable reference implementation of
// executor.Pipeline/executor.Context used by this harness's own tests and
// as a runnable example of wiring an executor.Factory. It is not meant to
// represent a real user pipeline — spec.md places the pipeline engine
// itself out of scope — it only counts bytes in and emits one counter, so
// the harness's dispatch/commit/failure machinery has something concrete
// to drive end to end.
package refpipeline

import (
	"context"
	"time"

	"github.com/windmill/streamworker/internal/executor"
	"github.com/windmill/streamworker/internal/work"
)

// Context is the reference executor.Context: it remembers the bound item
// and commit builder between Bind and the paired Pipeline's Execute call.
type Context struct {
	item   work.Item
	commit *work.CommitBuilder
}

// NewContext returns a fresh, unbound context.
func NewContext() executor.Context {
	return &Context{}
}

func (c *Context) Bind(item work.Item, inputWatermark time.Time, commit *work.CommitBuilder) error {
	item.InputWatermark = inputWatermark
	c.item = item
	c.commit = commit
	return nil
}

func (c *Context) FlushState() error {
	return nil
}

// Pipeline is the reference executor.Pipeline: it echoes the bound item's
// input bytes as its output message and reports one SUM counter of the
// input length.
type Pipeline struct {
	ctx      *Context
	counters []work.Counter
}

// New constructs a Pipeline bound to ctx, satisfying executor.Factory's
// signature (descriptorRaw is ignored — the reference pipeline has no
// configuration of its own).
func New(descriptorRaw []byte, ctx executor.Context) (executor.Pipeline, error) {
	c, _ := ctx.(*Context)
	return &Pipeline{ctx: c}, nil
}

func (p *Pipeline) SupportsRestart() bool { return true }

func (p *Pipeline) SetProgressUpdatePeriod(time.Duration) {}

func (p *Pipeline) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	p.ctx.commit.AddOutputMessage(p.ctx.item.Input)
	p.counters = []work.Counter{
		{Name: "bytes_processed", Kind: work.KindSum, Type: work.TypeInt64, Int: int64(len(p.ctx.item.Input))},
	}
	return nil
}

func (p *Pipeline) Counters() []work.Counter {
	c := p.counters
	p.counters = nil
	return c
}

func (p *Pipeline) Close() error { return nil }
