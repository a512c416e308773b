package ports

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrExhausted is returned when no free port remains in the range.
var ErrExhausted = errors.New("port range exhausted")

// Allocator hands out ports from a bounded half-open range [lo, hi).
// Reservation is first-fit under a single lock: a port is reserved before the
// worker is spawned and released only on confirmed termination, so two
// activations can never race onto the same port.
type Allocator struct {
	mu       sync.Mutex
	lo, hi   int
	reserved map[int]string // port → instance ID
	next     int
}

func NewAllocator(lo, hi int) (*Allocator, error) {
	if lo <= 0 || hi <= lo {
		return nil, fmt.Errorf("invalid port range [%d, %d)", lo, hi)
	}
	return &Allocator{lo: lo, hi: hi, next: lo, reserved: make(map[int]string)}, nil
}

// MarkUsed reserves ports known to be in use before the allocator has seen
// them, e.g. assigned ports reported by the instance registry on cold start.
// Out-of-range ports are ignored.
func (a *Allocator) MarkUsed(owner string, ports ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range ports {
		if p >= a.lo && p < a.hi {
			a.reserved[p] = owner
		}
	}
}

// Reserve picks a free port for owner. On cold start ports may be held by an
// orphaned process the registry does not know about, so a bind probe guards
// each candidate.
func (a *Allocator) Reserve(owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	span := a.hi - a.lo
	for i := 0; i < span; i++ {
		p := a.next
		a.next++
		if a.next >= a.hi {
			a.next = a.lo
		}
		if _, taken := a.reserved[p]; taken {
			continue
		}
		if !bindable(p) {
			continue
		}
		a.reserved[p] = owner
		return p, nil
	}
	return 0, ErrExhausted
}

// Release frees a reservation. Only the recorded owner may release it; stale
// releases after a re-reservation are ignored.
func (a *Allocator) Release(owner string, port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.reserved[port]; ok && cur == owner {
		delete(a.reserved, port)
	}
}

// Reserved returns a snapshot of reserved ports by owner.
func (a *Allocator) Reserved() map[int]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int]string, len(a.reserved))
	for p, o := range a.reserved {
		out[p] = o
	}
	return out
}

// bindable checks that nothing else currently listens on the port.
func bindable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
