package execcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/windmill/streamworker/internal/executor"
	"github.com/windmill/streamworker/internal/work"
)

func TestAcquireOnEmptyCache(t *testing.T) {
	c := New()
	_, ok := c.Acquire()
	assert.False(t, ok)
}

func TestReleaseThenAcquireIsLIFO(t *testing.T) {
	c := New()
	a := executor.Pair{Pipeline: &closeTrackingPipeline{}}
	b := executor.Pair{Pipeline: &closeTrackingPipeline{}}

	c.Release(a)
	c.Release(b)

	got, ok := c.Acquire()
	assert.True(t, ok)
	assert.Same(t, b.Pipeline, got.Pipeline, "most recently released pair should come back first")

	got2, ok := c.Acquire()
	assert.True(t, ok)
	assert.Same(t, a.Pipeline, got2.Pipeline)

	_, ok = c.Acquire()
	assert.False(t, ok)
}

func TestLen(t *testing.T) {
	c := New()
	assert.Equal(t, 0, c.Len())
	c.Release(executor.Pair{Pipeline: &closeTrackingPipeline{}})
	c.Release(executor.Pair{Pipeline: &closeTrackingPipeline{}})
	assert.Equal(t, 2, c.Len())
}

func TestDrainAndCloseClosesEveryPair(t *testing.T) {
	c := New()
	p1 := &closeTrackingPipeline{}
	p2 := &closeTrackingPipeline{err: errors.New("boom")}

	c.Release(executor.Pair{Pipeline: p1})
	c.Release(executor.Pair{Pipeline: p2})

	errs := c.DrainAndClose()
	assert.Len(t, errs, 1)
	assert.True(t, p1.closed)
	assert.True(t, p2.closed)
	assert.Equal(t, 0, c.Len())
}

type closeTrackingPipeline struct {
	closed bool
	err    error
}

func (p *closeTrackingPipeline) SupportsRestart() bool                 { return true }
func (p *closeTrackingPipeline) SetProgressUpdatePeriod(time.Duration)  {}
func (p *closeTrackingPipeline) Execute(context.Context) error         { return nil }
func (p *closeTrackingPipeline) Counters() []work.Counter              { return nil }
func (p *closeTrackingPipeline) Close() error {
	p.closed = true
	return p.err
}
