// Package throttle limits how many connections a single host may open within
// a fixed window. Counters live in a go-cache store and expire with their
// window.
package throttle

import (
	"net"
	"time"

	"github.com/patrickmn/go-cache"
)

// Limiter admits at most Limit connections per host per Window. A nil
// *Limiter or a Limit of zero admits everything.
type Limiter struct {
	limit  int
	window time.Duration
	counts *cache.Cache
}

// New creates a Limiter.
//
// Parameters:
//   - limit: Connections allowed per host per window; zero or negative disables limiting
//   - window: Length of the counting window
//
// Returns:
//   - A Limiter, or nil when limiting is disabled
func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		return nil
	}
	if window <= 0 {
		window = time.Minute
	}

	return &Limiter{
		limit:  limit,
		window: window,
		counts: cache.New(window, 2*window),
	}
}

// Allow records an attempt from host and reports whether it is admitted.
func (l *Limiter) Allow(host string) bool {
	if l == nil {
		return true
	}

	for {
		if err := l.counts.Add(host, 1, l.window); err == nil {
			return true
		}

		n, err := l.counts.IncrementInt(host, 1)
		if err != nil {
			// The window expired between Add and IncrementInt.
			continue
		}

		return n <= l.limit
	}
}

// AllowAddr is Allow keyed by the host part of addr.
func (l *Limiter) AllowAddr(addr net.Addr) bool {
	if l == nil || addr == nil {
		return true
	}

	return l.Allow(HostOf(addr.String()))
}

// Reset forgets every counter.
func (l *Limiter) Reset() {
	if l != nil {
		l.counts.Flush()
	}
}

// HostOf strips the port from a host:port address. Addresses without a port
// are returned unchanged.
func HostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
