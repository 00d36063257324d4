// ============================================================================
// Windmill Service Client - 外部工作服務介面
// ============================================================================
//
// Package: internal/windmill
// 文件: client.go
// 功能: 定義這個 harness 與外部工作服務溝通所用的 Client 介面
//       (GetWork/GetConfig/CommitWork/ReportStats)，以及一個
//       字串標籤對應建構函式的表，用於啟動時挑選實作
//
// 實作選擇:
//   字串標籤 -> 建構函式表，是原始實作中反射式
//   Class.forName(windmillServerClassName) 查找的 Go 對應寫法。目前
//   已註冊兩種實作：
//   - "grpc"      - 透過真正的 gRPC 連線對外溝通 (client_grpc.go)
//   - "inprocess" - 純記憶體假實作，供測試與本機開發使用
//     (client_inprocess.go)
package windmill

import (
	"context"
	"fmt"

	"github.com/windmill/streamworker/internal/registry"
	"github.com/windmill/streamworker/internal/work"
)

// ComputationWorkItems is one computation's share of a GetWork response.
type ComputationWorkItems struct {
	ComputationID    string
	WatermarkMicros  int64
	Items            []work.Item
}

// GetWorkResponse is the full response to a single GetWork call.
type GetWorkResponse struct {
	Computations []ComputationWorkItems
}

// ComputationConfig is one computation's descriptor as returned by
// GetConfig, still serialized: the harness only knows how to hand Raw to a
// registry.Descriptor, never how to interpret it further.
type ComputationConfig struct {
	ComputationID string
	Raw           []byte
}

// CommitWorkRequest bundles per-computation commit requests for a single
// commitWork RPC, mirroring the original source's CommitWorkRequest.Builder
// keyed by computation.
type CommitWorkRequest struct {
	ByComputation map[string][]work.CommitRequest
}

// ExceptionReport is one stack-frame-carrying report of a failure,
// recursively nested the way the original source's buildExceptionReport
// walks a Throwable's cause chain.
type ExceptionReport struct {
	StackFrames []string
	Cause       *ExceptionReport
}

// ReportStatsRequest reports a single work item's failure back to the
// service.
type ReportStatsRequest struct {
	ComputationID string
	Key           []byte
	WorkToken     int64
	Exceptions    []ExceptionReport
}

// ReportStatsResponse tells the caller whether the service considers the
// work item's lease failed (in which case no local retry should happen —
// the service has already reassigned it) or still retryable.
type ReportStatsResponse struct {
	Failed bool
}

// Client is the work-service RPC surface the dispatch loop, commit loop,
// and failure reporter depend on.
type Client interface {
	GetWork(ctx context.Context, clientID int64, maxItems int) (GetWorkResponse, error)
	GetConfig(ctx context.Context, computationIDs []string) ([]ComputationConfig, error)
	CommitWork(ctx context.Context, req CommitWorkRequest) error
	ReportStats(ctx context.Context, req ReportStatsRequest) (ReportStatsResponse, error)
}

// Constructor builds a Client given an arbitrary string target (a
// hostport for the gRPC stub, a name for the in-process fake, and so on).
type Constructor func(target string) (Client, error)

var constructors = map[string]Constructor{}

// Register adds a named Client constructor to the startup table. Called
// from each implementation's init() — "grpc" from client_grpc.go,
// "inprocess" from client_inprocess.go.
func Register(name string, ctor Constructor) {
	constructors[name] = ctor
}

// New builds a Client of the named kind (the --service-stub flag's value)
// against target (the --service-hostport flag's value, or an arbitrary
// name for non-networked stubs).
func New(name, target string) (Client, error) {
	ctor, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("windmill: unknown service stub %q", name)
	}
	return ctor(target)
}

// RegisterDescriptors is a small helper the dispatch loop uses after a
// GetConfig round-trip: it registers every returned config as a
// registry.Descriptor, reporting how many were newly seen.
func RegisterDescriptors(reg *registry.Registry, configs []ComputationConfig) int {
	newCount := 0
	for _, c := range configs {
		if reg.Register(registry.Descriptor{ID: c.ComputationID, Raw: c.Raw}) {
			newCount++
		}
	}
	return newCount
}
