package chatserver

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// ResourceGuard samples process CPU and memory usage on a timer, warns
// when RSS crosses a configured soft ceiling, and hands its latest
// sample to the stats dump as an auxiliary field. Unlike the teacher's
// ResourceGuard, which feeds admission decisions (ShouldAcceptConnection)
// from live CPU/memory readings, chatty's connection admission is the
// spec's fixed MaxConnections gate — the sampler here never influences
// that gate, it only reports.
//
// Grounded on resource_guard.go's UpdateResources/StartMonitoring: a
// ticker goroutine calling gopsutil's cpu.Percent with a short sampling
// window plus runtime.ReadMemStats for RSS, logged through zerolog.
type ResourceGuard struct {
	logger      zerolog.Logger
	softLimitMB int64
	lastCPU     atomic.Value // float64
	lastMemMB   atomic.Value // int64
}

// NewResourceGuard builds a guard that warns once memory crosses
// softLimitMB. softLimitMB <= 0 disables the memory warning.
func NewResourceGuard(logger zerolog.Logger, softLimitMB int) *ResourceGuard {
	g := &ResourceGuard{logger: logger, softLimitMB: int64(softLimitMB)}
	g.lastCPU.Store(0.0)
	g.lastMemMB.Store(int64(0))
	return g
}

// Sample reads current CPU percent (0.1s window) and the memory the Go
// runtime has obtained from the OS (runtime.MemStats.Sys, reported as the
// RSS figure), stores them, and logs a warning if that figure exceeds the
// configured soft limit.
func (g *ResourceGuard) Sample() {
	if pct, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pct) > 0 {
		g.lastCPU.Store(pct[0])
	} else if err != nil {
		g.logger.Warn().Err(err).Msg("resource guard: cpu sample failed")
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	rssMB := int64(mem.Sys / (1024 * 1024))
	g.lastMemMB.Store(rssMB)

	if g.softLimitMB > 0 && rssMB > g.softLimitMB {
		g.logger.Warn().
			Int64("rss_mb", rssMB).
			Int64("soft_limit_mb", g.softLimitMB).
			Msg("resource guard: memory soft limit exceeded")
	}
}

// Stats returns the most recent sample.
func (g *ResourceGuard) Stats() (cpuPercent float64, rssMB int64) {
	return g.lastCPU.Load().(float64), g.lastMemMB.Load().(int64)
}

// Run samples on the given interval until ctx is cancelled.
func (g *ResourceGuard) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.Sample()
		case <-ctx.Done():
			return
		}
	}
}
