// Package connid hands out process-unique connection identifiers used to
// correlate log lines for a single SOCKS5 session across the acceptor,
// dialer, and relay.
package connid

import "sync/atomic"

// Allocator is a lock-free monotonic counter. The zero value starts
// allocating from 1.
type Allocator struct {
	next uint64
}

// New returns a ready-to-use Allocator.
func New() *Allocator {
	return &Allocator{}
}

// Next returns the next connection id, starting at 1.
func (a *Allocator) Next() uint64 {
	return atomic.AddUint64(&a.next, 1)
}
