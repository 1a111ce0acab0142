// Package idgenerator hands out connection IDs shared by every listener of a
// relay node, so a TCP client and a WebSocket client never get the same ID.
package idgenerator

import "sync/atomic"

// IdGenerator returns increasing uint32 connection IDs and is safe for
// concurrent use. Zero is never handed out: it marks "no connection" in logs,
// so after wrapping around the sequence continues at 1.
type IdGenerator struct {
	last atomic.Uint32
}

// NewIdGenerator creates an IdGenerator whose first Id is after+1 (or 1 when
// that would be zero).
//
// Parameters:
//   - after: The last ID considered taken, e.g. 0 for a fresh node
//
// Returns:
//   - A new IdGenerator
func NewIdGenerator(after uint32) *IdGenerator {
	gen := &IdGenerator{}
	gen.last.Store(after)
	return gen
}

// Id returns the next connection ID.
func (g *IdGenerator) Id() uint32 {
	for {
		if id := g.last.Add(1); id != 0 {
			return id
		}
	}
}

// Last returns the most recently handed out ID, or the starting value if Id
// has not been called.
func (g *IdGenerator) Last() uint32 {
	return g.last.Load()
}
