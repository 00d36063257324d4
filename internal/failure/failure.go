// ============================================================================
// Windmill Failure Reporter - 失敗分類與回報
// ============================================================================
//
// Package: internal/failure
// 文件: failure.go
// 功能: 將一次處理失敗分類為「租約已失效」(key-token-invalid) 或其他，
//       回報給服務，並決定該工作項目是否應該重試或放棄
//
// 分類:
//   KindKeyTokenInvalid 的工作項目永遠就地丟棄，從不呼叫 ReportStats
//   （租約已經被服務收回，重送只會製造重複提交）；其餘一律視為
//   KindTransient，交由 ReportStats 的回應決定 retry 或 abandon。
//
// 重試節流:
//   ShouldDebounce 以 (computation, key, token) 為鍵記錄上次重試時間；
//   同一鍵在 RetryDebounce 視窗內重複觸發時回傳 true，呼叫端據此延後
//   重試，而非每次都無條件延遲。
//
// Grounded on the original source's reportFailure/
// isKeyTokenInvalidException, which walks a Throwable's cause chain looking
// for a tagged exception type. Go has no exception hierarchy, so the same
// idea is expressed as errors.Is/errors.As over a sentinel and a one-layer
// wrapper type.
package failure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/windmill/streamworker/internal/windmill"
	"github.com/windmill/streamworker/internal/work"
)

// ErrKeyTokenInvalid is the sentinel a pipeline (or this package's own
// callers) wraps to signal that the service has already invalidated this
// work item's lease — for example because another worker re-leased the
// same key. It is never retried locally; the service owns reassignment.
var ErrKeyTokenInvalid = errors.New("failure: key token invalid")

// UserCodeError wraps a single error surfaced by executing user-pipeline
// code, mirroring the original source's UserCodeException wrapper that the
// per-item executor unwraps exactly one layer of before classifying the
// underlying cause.
type UserCodeError struct {
	Cause error
}

func (e *UserCodeError) Error() string { return "user code: " + e.Cause.Error() }
func (e *UserCodeError) Unwrap() error { return e.Cause }

// unwrapUserCode removes exactly one UserCodeError wrapper layer, if
// present, matching the original source's single unwrap rather than a full
// errors.Unwrap loop — a user pipeline is expected to wrap at most once.
func unwrapUserCode(err error) error {
	var uce *UserCodeError
	if errors.As(err, &uce) {
		return uce.Cause
	}
	return err
}

// Kind classifies a processing failure.
type Kind int

const (
	KindTransient Kind = iota
	KindKeyTokenInvalid
)

// Classify reports which Kind err represents, after unwrapping one
// UserCodeError layer.
func Classify(err error) Kind {
	cause := unwrapUserCode(err)
	if errors.Is(cause, ErrKeyTokenInvalid) {
		return KindKeyTokenInvalid
	}
	return KindTransient
}

// Decision is the outcome of reporting a failure to the service.
type Decision int

const (
	DecisionAbandon Decision = iota
	DecisionRetry
)

// Reporter reports failures to the service and decides retry-vs-abandon,
// debouncing repeated retries of the same (computation, key, token) to at
// most once per RetryDebounce, matching the original source's 10s sleep
// before forceExecute.
type Reporter struct {
	client         windmill.Client
	retryDebounce  time.Duration
	mu             sync.Mutex
	lastRetryAt    map[string]time.Time
}

// New returns a Reporter calling back to client, debouncing retries by
// retryDebounce (spec.md's tunable constant, default 10s).
func New(client windmill.Client, retryDebounce time.Duration) *Reporter {
	return &Reporter{
		client:        client,
		retryDebounce: retryDebounce,
		lastRetryAt:   make(map[string]time.Time),
	}
}

func debounceKey(computation string, key []byte, token int64) string {
	return fmt.Sprintf("%s/%x/%d", computation, key, token)
}

// Report builds an exception report from err and calls ReportStats. It
// returns DecisionAbandon for a key-token-invalid failure without even
// calling the service (the original source logs and drops these silently,
// since the lease is already gone), and otherwise returns DecisionRetry or
// DecisionAbandon based on the service's Failed response — mirroring
// reportFailure returning !response.getFailed().
//
// Callers that receive DecisionRetry are expected to sleep the debounce
// interval (or skip it if one already elapsed since the last retry of this
// exact item) before resubmitting via the bounded pool's ForceSubmit.
func (r *Reporter) Report(ctx context.Context, item work.Item, procErr error) (Decision, error) {
	if Classify(procErr) == KindKeyTokenInvalid {
		return DecisionAbandon, nil
	}

	report := buildExceptionReport(procErr)
	resp, err := r.client.ReportStats(ctx, windmill.ReportStatsRequest{
		ComputationID: item.Computation,
		Key:           item.Key,
		WorkToken:     item.Token,
		Exceptions:    []windmill.ExceptionReport{report},
	})
	if err != nil {
		// Reporting itself failed; without confirmation from the service
		// we cannot tell whether the lease is still ours, so abandon
		// rather than risk a duplicate commit attempt against a token the
		// service already invalidated.
		return DecisionAbandon, err
	}
	if resp.Failed {
		return DecisionAbandon, nil
	}
	return DecisionRetry, nil
}

// ShouldDebounce reports whether a retry of this exact (computation, key,
// token) should wait out the debounce interval, and records "now" as the
// most recent retry attempt if so.
func (r *Reporter) ShouldDebounce(computation string, key []byte, token int64, now time.Time) bool {
	k := debounceKey(computation, key, token)

	r.mu.Lock()
	defer r.mu.Unlock()

	last, seen := r.lastRetryAt[k]
	r.lastRetryAt[k] = now
	return seen && now.Sub(last) < r.retryDebounce
}

func buildExceptionReport(err error) windmill.ExceptionReport {
	if err == nil {
		return windmill.ExceptionReport{}
	}
	report := windmill.ExceptionReport{StackFrames: []string{err.Error()}}
	if cause := errors.Unwrap(err); cause != nil {
		nested := buildExceptionReport(cause)
		report.Cause = &nested
	}
	return report
}
