// Package idpool hands out dense, reusable uint16 connection ids.
package idpool

import (
	"container/heap"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrExhausted is returned when every one of the 65536 ids is held.
var ErrExhausted = errors.New("idpool: all ids are in use")

// Pool allocates ids starting at a base value and recycles returned ones.
// Implementations are not safe for concurrent use; wrap them in Shared.
type Pool interface {
	Request() (uint16, error)
	Return(id uint16)
}

// Policy selects the reuse order of returned ids.
type Policy int

const (
	// LIFO reuses the most recently returned id first.
	LIFO Policy = iota
	// Lowest always reuses the smallest returned id first.
	Lowest
)

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "lifo", "flat":
		return LIFO, nil
	case "lowest", "priority":
		return Lowest, nil
	default:
		return 0, fmt.Errorf("idpool: unknown policy %q", s)
	}
}

func (p Policy) String() string {
	if p == Lowest {
		return "lowest"
	}
	return "lifo"
}

// counter is the high-water part shared by both pools.
type counter struct {
	next uint32
}

func (c *counter) advance() (uint16, error) {
	if c.next > 0xffff {
		return 0, ErrExhausted
	}
	id := uint16(c.next)
	c.next++
	return id, nil
}

// Flat is the LIFO pool.
type Flat struct {
	counter
	free []uint16
}

func NewFlat(start uint16) *Flat {
	return &Flat{counter: counter{next: uint32(start)}}
}

func (p *Flat) Request() (uint16, error) {
	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]
		return id, nil
	}
	return p.advance()
}

func (p *Flat) Return(id uint16) {
	p.free = append(p.free, id)
}

type minHeap []uint16

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(uint16)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Priority reuses the lowest returned id first, which makes reuse order
// deterministic regardless of release order.
type Priority struct {
	counter
	free minHeap
}

func NewPriority(start uint16) *Priority {
	return &Priority{counter: counter{next: uint32(start)}}
}

func (p *Priority) Request() (uint16, error) {
	if p.free.Len() > 0 {
		return heap.Pop(&p.free).(uint16), nil
	}
	return p.advance()
}

func (p *Priority) Return(id uint16) {
	heap.Push(&p.free, id)
}

// New returns an empty pool starting at zero with the given policy.
func New(policy Policy) Pool {
	if policy == Lowest {
		return NewPriority(0)
	}
	return NewFlat(0)
}

// Shared guards a Pool with a mutex so the listener (which allocates) and the
// relay goroutines (which release) can use it concurrently.
type Shared struct {
	mu    sync.Mutex
	pool  Pool
	inUse int
}

func NewShared(p Pool) *Shared {
	return &Shared{pool: p}
}

func (s *Shared) Request() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.pool.Request()
	if err == nil {
		s.inUse++
	}
	return id, err
}

func (s *Shared) Return(id uint16) {
	s.mu.Lock()
	s.pool.Return(id)
	s.inUse--
	s.mu.Unlock()
}

// InUse reports how many ids are currently held.
func (s *Shared) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}
