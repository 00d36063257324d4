package process

import (
	"context"

	"github.com/windmill/streamworker/internal/logging"
	"github.com/windmill/streamworker/internal/work"
)

// translateCounters converts raw executor counters into commit-ready
// updates, per spec.md §4.5.1: MEAN counters with a non-positive count are
// dropped (they carry no information), zero-valued aggregates are omitted
// entirely, and unrecognized kind/type combinations are skipped with a
// debug log rather than failing the item. Grounded on the original
// source's buildCounters/addKnownTypeToCounterBuilder.
func translateCounters(ctx context.Context, counters []work.Counter) []work.CounterUpdate {
	var out []work.CounterUpdate
	for _, c := range counters {
		u, ok := translateOne(ctx, c)
		if !ok {
			continue
		}
		out = append(out, u)
	}
	return out
}

func translateOne(ctx context.Context, c work.Counter) (work.CounterUpdate, bool) {
	switch c.Kind {
	case work.KindSum, work.KindMax, work.KindMin:
		return addKnownType(ctx, c)
	case work.KindMean:
		if c.Count <= 0 {
			return work.CounterUpdate{}, false
		}
		return addKnownType(ctx, c)
	default:
		logging.FromContext(ctx).Debug("process: skipping counter with unhandled kind",
			"counter", c.Name, "kind", c.Kind)
		return work.CounterUpdate{}, false
	}
}

func addKnownType(ctx context.Context, c work.Counter) (work.CounterUpdate, bool) {
	switch c.Type {
	case work.TypeInt64:
		if c.Int == 0 {
			return work.CounterUpdate{}, false
		}
		return work.CounterUpdate{Name: c.Name, Int: c.Int, IsInt: true}, true
	case work.TypeDouble:
		if c.Float == 0 {
			return work.CounterUpdate{}, false
		}
		return work.CounterUpdate{Name: c.Name, Float: c.Float, IsInt: false}, true
	default:
		logging.FromContext(ctx).Debug("process: skipping counter with unhandled aggregate type",
			"counter", c.Name, "type", c.Type)
		return work.CounterUpdate{}, false
	}
}
