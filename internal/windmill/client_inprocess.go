package windmill

import (
	"context"
	"sync"

	"github.com/windmill/streamworker/internal/work"
)

func init() {
	Register("inprocess", func(target string) (Client, error) {
		return NewInProcess(), nil
	})
}

// InProcess is a local, non-networked Client backed by plain Go slices and
// maps, used by harness tests and as a real development option. Grounded
// on the teacher's Controller implementing worker.JobSource directly
// in-process (Poll/Acknowledge/Heartbeat) rather than over gRPC.
type InProcess struct {
	mu        sync.Mutex
	configs   map[string]ComputationConfig
	pending   map[string][]pendingItem
	committed []CommitWorkRequest
	failures  []ReportStatsRequest
	failAll   bool
}

type pendingItem struct {
	computationID   string
	watermarkMicros int64
	item            work.Item
}

// NewInProcess returns an empty in-process fake.
func NewInProcess() *InProcess {
	return &InProcess{
		configs: make(map[string]ComputationConfig),
		pending: make(map[string][]pendingItem),
	}
}

// SetConfig registers a computation's config for later GetConfig calls to
// return. Work items for GetWork are seeded separately with Enqueue.
func (f *InProcess) SetConfig(cfg ComputationConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[cfg.ComputationID] = cfg
}

// Enqueue makes one work item available to a future GetWork call.
func (f *InProcess) Enqueue(computationID string, watermarkMicros int64, item work.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.Computation = computationID
	f.pending[computationID] = append(f.pending[computationID], pendingItem{
		computationID:   computationID,
		watermarkMicros: watermarkMicros,
		item:            item,
	})
}

// SetFailAllReportedWork makes every ReportStats call return Failed=true,
// for exercising the abandon path in tests.
func (f *InProcess) SetFailAllReportedWork(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = v
}

// Committed returns every CommitWork request observed so far, for test
// assertions.
func (f *InProcess) Committed() []CommitWorkRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]CommitWorkRequest, len(f.committed))
	copy(out, f.committed)
	return out
}

// Failures returns every ReportStats request observed so far.
func (f *InProcess) Failures() []ReportStatsRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ReportStatsRequest, len(f.failures))
	copy(out, f.failures)
	return out
}

func (f *InProcess) GetWork(ctx context.Context, clientID int64, maxItems int) (GetWorkResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	resp := GetWorkResponse{}
	for compID, items := range f.pending {
		if len(items) == 0 {
			continue
		}
		n := maxItems
		if n > len(items) {
			n = len(items)
		}
		take := items[:n]
		f.pending[compID] = items[n:]

		wi := ComputationWorkItems{ComputationID: compID}
		if len(take) > 0 {
			wi.WatermarkMicros = take[0].watermarkMicros
		}
		for _, p := range take {
			wi.Items = append(wi.Items, p.item)
		}
		resp.Computations = append(resp.Computations, wi)
	}
	return resp, nil
}

func (f *InProcess) GetConfig(ctx context.Context, computationIDs []string) ([]ComputationConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []ComputationConfig
	for _, id := range computationIDs {
		if c, ok := f.configs[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *InProcess) CommitWork(ctx context.Context, req CommitWorkRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, req)
	return nil
}

func (f *InProcess) ReportStats(ctx context.Context, req ReportStatsRequest) (ReportStatsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, req)
	return ReportStatsResponse{Failed: f.failAll}, nil
}
