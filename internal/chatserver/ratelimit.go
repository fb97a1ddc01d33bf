package chatserver

import (
	"sync"

	"golang.org/x/time/rate"
)

// ConnLimiters hands out one token-bucket limiter per connected socket,
// keyed by fd, so a single chatty client cannot starve the worker pool
// by hammering requests. This is purely a per-socket throttle; it never
// touches the error counter or closes the connection, matching the
// spec's rate-limit rejection being a distinct OP_FAIL case.
//
// Grounded on the teacher's natsLimiter/broadcastLimiter fields in
// resource_guard.go, both golang.org/x/time/rate.Limiter instances
// configured with a requests-per-second refill and a burst allowance;
// here there is one limiter per socket instead of one global limiter per
// subsystem, since the spec's rate limiting is scoped to an individual
// connection.
type ConnLimiters struct {
	mu       sync.Mutex
	perSec   float64
	burst    int
	limiters map[int]*rate.Limiter
}

// NewConnLimiters builds a registry handing out limiters configured for
// perSec refill and the given burst. A non-positive perSec disables rate
// limiting entirely (Allow always returns true).
func NewConnLimiters(perSec float64, burst int) *ConnLimiters {
	return &ConnLimiters{
		perSec:   perSec,
		burst:    burst,
		limiters: make(map[int]*rate.Limiter),
	}
}

// Allow reports whether fd's current request should proceed, consuming
// one token if so.
func (c *ConnLimiters) Allow(fd int) bool {
	if c.perSec <= 0 {
		return true
	}
	c.mu.Lock()
	lim, ok := c.limiters[fd]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.perSec), c.burst)
		c.limiters[fd] = lim
	}
	c.mu.Unlock()
	return lim.Allow()
}

// Release discards fd's limiter, so a reconnecting client starts with a
// fresh bucket rather than inheriting a previous session's state.
func (c *ConnLimiters) Release(fd int) {
	c.mu.Lock()
	delete(c.limiters, fd)
	c.mu.Unlock()
}
