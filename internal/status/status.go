// ============================================================================
// Windmill Status Surface - 健康檢查與診斷頁面
// ============================================================================
//
// Package: internal/status
// 文件: status.go
// 功能: 對外暴露 /healthz、/threadz、一個 HTML 診斷頁面，以及一個
//       Prometheus /metrics 端點
//
// 生命週期:
//   ListenAndServe 保留一個 *http.Server 實例供 Shutdown 使用 —
//   這是 harness 關閉順序的第一步，對應原始實作中 statusServer.stop()
//   永遠最先執行。
//
// Grounded on the original source's StatusHandler (printHeader/
// printMetrics/printResources/printLastException/printSpecs) for the HTML
// page's exact sections, and on the teacher's internal/metrics.Collector
// for the Prometheus surface (promhttp.Handler()).
package status

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/windmill/streamworker/internal/pool"
	"github.com/windmill/streamworker/internal/registry"
)

// LastException is an atomic cell holding the most recently observed
// processing error, the Go analog of the original source's
// AtomicReference<Throwable> lastException.
type LastException struct {
	v atomic.Pointer[string]
}

// Set records err's message as the last exception, or clears it if err is
// nil.
func (l *LastException) Set(err error) {
	if err == nil {
		l.v.Store(nil)
		return
	}
	s := err.Error()
	l.v.Store(&s)
}

// String returns the last recorded exception message, or "" if none.
func (l *LastException) String() string {
	p := l.v.Load()
	if p == nil {
		return ""
	}
	return *p
}

// Server is the status HTTP surface.
type Server struct {
	running   *atomic.Bool
	clientID  int64
	pool      *pool.Pool
	reg       *registry.Registry
	lastErr   *LastException
	startedAt time.Time

	mu  sync.Mutex
	srv *http.Server
}

// New returns a status server. running must be the same flag the harness
// flips on Start/Stop; the server only reads it.
func New(running *atomic.Bool, clientID int64, p *pool.Pool, reg *registry.Registry, lastErr *LastException) *Server {
	return &Server{running: running, clientID: clientID, pool: p, reg: reg, lastErr: lastErr, startedAt: time.Now()}
}

// Handler returns an http.Handler implementing spec.md §6's status routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/threadz", s.handleThreadz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", s.handleDashboard)
	return mux
}

// ListenAndServe starts serving on addr until Shutdown is called or the
// listener errors. It keeps a handle to the *http.Server so Shutdown has
// something to stop, mirroring the original source's statusServer.stop()
// being the very first step of worker shutdown.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the status server, if it was ever started. It
// is safe to call even when ListenAndServe was never invoked (e.g.
// StatusAddr was left empty).
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, "ok")
}

func (s *Server) handleThreadz(w http.ResponseWriter, r *http.Request) {
	buf := make([]byte, 1<<20)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			w.Write(buf[:n])
			return
		}
		buf = make([]byte, len(buf)*2)
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body>")
	s.printHeader(w)
	s.printMetrics(w)
	s.printResources(w)
	s.printLastException(w)
	s.printSpecs(w)
	fmt.Fprint(w, "</body></html>")
}

func (s *Server) printHeader(w http.ResponseWriter) {
	fmt.Fprintf(w, "<h1>Streaming Worker Harness</h1>")
	fmt.Fprintf(w, "<p>Running: %v</p>", s.running.Load())
	fmt.Fprintf(w, "<p>ID: %d</p>", s.clientID)
}

func (s *Server) printMetrics(w http.ResponseWriter) {
	fmt.Fprintf(w, "<h2>Metrics</h2><ul>")
	fmt.Fprintf(w, "<li>Worker pool size: %d</li>", s.pool.Size())
	fmt.Fprintf(w, "<li>Active workers: %d</li>", s.pool.Active())
	fmt.Fprintf(w, "<li>Work queue depth: %d</li>", s.pool.QueueDepth())
	fmt.Fprintf(w, "</ul><h3>Commit queue depth</h3><ul>")
	for _, id := range s.reg.IDs() {
		if q, ok := s.reg.Queue(id); ok {
			fmt.Fprintf(w, "<li>%s: %d</li>", html.EscapeString(id), q.Len())
		}
	}
	fmt.Fprint(w, "</ul>")
}

func (s *Server) printResources(w http.ResponseWriter) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	fmt.Fprintf(w, "<h2>Resources</h2>")
	fmt.Fprintf(w, "<p>Used memory: %d MB</p>", m.HeapAlloc>>20)
	fmt.Fprintf(w, "<p>System memory: %d MB</p>", m.HeapSys>>20)
}

func (s *Server) printLastException(w http.ResponseWriter) {
	msg := s.lastErr.String()
	if msg == "" {
		return
	}
	fmt.Fprintf(w, "<h2>Last exception</h2><pre>%s</pre>", html.EscapeString(msg))
}

func (s *Server) printSpecs(w http.ResponseWriter) {
	fmt.Fprintf(w, "<h2>Computations</h2><ul>")
	for _, d := range s.reg.Descriptors() {
		fmt.Fprintf(w, "<li>%s</li>", html.EscapeString(d.ID))
	}
	fmt.Fprint(w, "</ul>")
}
