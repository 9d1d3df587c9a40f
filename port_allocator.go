// Package ftpserver provides all the tools to build your own FTP server: The core library and the driver.
package ftpserver

import (
	"errors"
	"net"
	"sync"
)

// ErrPortRangeExhausted is returned by PortAllocator.acquire when every port
// in the configured range is already held.
var ErrPortRangeExhausted = errors.New("passive port range exhausted")

// portAllocator hands out passive-mode ports from a contiguous [lo,hi]
// range. Each port is either free or held by exactly one session; acquire
// scans from a rotating cursor so repeated churn doesn't keep hammering the
// low end of the range. The critical section only ever protects the ledger
// and the cursor update, never the act of binding the socket.
type portAllocator struct {
	mu     sync.Mutex
	lo, hi int
	held   map[int]uint32 // port -> owning session id
	cursor int
}

func newPortAllocator(lo, hi int) *portAllocator {
	return &portAllocator{
		lo:     lo,
		hi:     hi,
		held:   make(map[int]uint32),
		cursor: lo,
	}
}

// acquire finds a free port in range, binds a listener on it, marks it held
// by sessionID and returns the listener. The bind attempt itself happens
// outside the lock; only the bookkeeping (marking candidate ports held,
// advancing the cursor) is serialized.
func (p *portAllocator) acquire(sessionID uint32) (*net.TCPListener, error) {
	span := p.hi - p.lo + 1
	if span <= 0 {
		return nil, ErrPortRangeExhausted
	}

	for i := 0; i < span; i++ {
		port, ok := p.nextCandidate()
		if !ok {
			continue
		}

		laddr, err := net.ResolveTCPAddr("tcp", "")
		if err != nil {
			continue
		}

		laddr.Port = port

		listener, err := net.ListenTCP("tcp", laddr)
		if err != nil {
			p.release(port)

			continue
		}

		p.markOwner(port, sessionID)

		return listener, nil
	}

	return nil, ErrPortRangeExhausted
}

// nextCandidate claims the next free port from the rotating cursor, marking
// it provisionally held so a concurrent acquire won't pick the same port
// while this one attempts to bind.
func (p *portAllocator) nextCandidate() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	span := p.hi - p.lo + 1
	start := p.cursor

	for i := 0; i < span; i++ {
		port := p.lo + (start-p.lo+i)%span
		if _, taken := p.held[port]; !taken {
			p.held[port] = 0 // provisional hold, owner set by markOwner
			p.cursor = port + 1
			if p.cursor > p.hi {
				p.cursor = p.lo
			}

			return port, true
		}
	}

	return 0, false
}

// release returns a port to the Free state.
func (p *portAllocator) release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.held, port)
}

// markOwner records which session actually ended up owning a successfully
// bound port, for introspection/debugging; functionally the port stays
// held regardless of owner until release is called.
func (p *portAllocator) markOwner(port int, sessionID uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.held[port]; ok {
		p.held[port] = sessionID
	}
}
