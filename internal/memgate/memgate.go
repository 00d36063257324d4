// Package memgate implements the memory-pressure pushback gate described in
// spec.md §4.4 and §9: a sampler the dispatch loop consults before leasing
// more work, backed by runtime.ReadMemStats rather than any third-party
// library — the pack carries no memory-introspection dependency, and Go's
// own runtime package is the only source of this information (see
// DESIGN.md).
package memgate

import (
	"runtime"
	"sync"
	"time"
)

// Gate samples heap usage against a configured ceiling and throttles the
// pushback warning log to at most once per LogThrottle, mirroring the
// original source's once-per-60s guard around the memory-pushback log line.
type Gate struct {
	ceilingBytes uint64
	ratio        float64
	logThrottle  time.Duration

	mu           sync.Mutex
	lastLoggedAt time.Time
}

// New returns a gate that considers the harness under pressure once heap
// usage exceeds ratio (e.g. spec.md's PushbackRatio, 0.9) of ceilingBytes.
func New(ceilingBytes uint64, ratio float64, logThrottle time.Duration) *Gate {
	return &Gate{ceilingBytes: ceilingBytes, ratio: ratio, logThrottle: logThrottle}
}

// Sample reports the current heap usage ratio (HeapAlloc / ceiling), the
// raw used and ceiling byte counts, and whether usage is over the
// configured pushback ratio.
func (g *Gate) Sample() (usedRatio float64, used, ceiling uint64, overThreshold bool) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	used = m.HeapAlloc
	ceiling = g.ceilingBytes
	if ceiling == 0 {
		ceiling = m.HeapSys
	}
	if ceiling == 0 {
		return 0, used, ceiling, false
	}

	usedRatio = float64(used) / float64(ceiling)
	return usedRatio, used, ceiling, usedRatio > g.ratio
}

// ShouldLog reports whether a pushback warning may be logged now, advancing
// the internal throttle timestamp if so. Call this only when Sample already
// reported overThreshold; it is not itself a pressure check.
func (g *Gate) ShouldLog(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Sub(g.lastLoggedAt) < g.logThrottle {
		return false
	}
	g.lastLoggedAt = now
	return true
}
