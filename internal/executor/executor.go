// Package executor defines the boundary between this harness and the
// user-pipeline execution engine it drives. The engine itself — how a
// computation's logic actually runs — is out of scope for this spec; what
// belongs here is the small set of named interfaces the harness calls
// through, modeled on the Apache Beam Go SDK's exec.Unit/exec.Root
// restartable-bundle lifecycle, simplified to the bind/execute/flush shape
// the per-item executor actually needs.
package executor

import (
	"context"
	"time"

	"github.com/windmill/streamworker/internal/work"
)

// Pipeline is a bound, restartable unit of user-pipeline execution for one
// computation. A single Pipeline value is reused across many work items via
// the executor cache; Bind (on the paired Context) re-targets it at a new
// item without reconstructing it.
type Pipeline interface {
	// SupportsRestart reports whether this pipeline can safely be reused
	// for a new work item after a prior one. The harness treats a pipeline
	// that returns false here as a fatal configuration error — restart
	// support is assumed once a pipeline is placed in the executor cache.
	SupportsRestart() bool

	// SetProgressUpdatePeriod configures (or disables, at d == 0) periodic
	// progress reporting. The harness disables it on every freshly created
	// pipeline, since progress reporting is out of scope for this spec.
	SetProgressUpdatePeriod(d time.Duration)

	// Execute runs the bound work item to completion or until ctx is done.
	Execute(ctx context.Context) error

	// Counters returns the counters accumulated since the last call to
	// Counters, in raw (pre-translation) form.
	Counters() []work.Counter

	// Close releases any resources held by the pipeline. Called only when
	// the pipeline is evicted rather than returned to its cache.
	Close() error
}

// Context binds a Pipeline to one work item and collects the resulting
// commit. It is the collaborator a Pipeline uses to read its input and
// write mutations/output/state during Execute.
type Context interface {
	// Bind targets the context (and its paired Pipeline) at item, with the
	// given input watermark, and directs writes at commit.
	Bind(item work.Item, inputWatermark time.Time, commit *work.CommitBuilder) error

	// FlushState persists any buffered state mutations. Called once after
	// Execute returns successfully, before the commit is handed to the
	// commit aggregator.
	FlushState() error
}

// Pair is an executor/context pair as cached by internal/execcache: one
// Pipeline and the Context it was constructed with.
type Pair struct {
	Pipeline Pipeline
	Context  Context
}

// Factory constructs a fresh Pipeline for a computation, given its raw
// descriptor and a newly constructed Context; the caller pairs the two. Concrete factories are supplied by the
// user-pipeline engine; this package only defines the shape.
type Factory func(descriptorRaw []byte, ctx Context) (Pipeline, error)

// StateFetcher is the injected collaborator a Context uses to read
// persistent key/value state maintained by the service. It is supplied to
// a Factory at construction time (a per-factory constructor parameter, not
// a harness-global singleton — see DESIGN.md's Open Question decisions),
// so tests can inject a fake without a shared seam.
type StateFetcher interface {
	Fetch(ctx context.Context, computationID string, key []byte) ([]byte, error)
}
