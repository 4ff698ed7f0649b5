// Package pool implements the static, fixed-capacity packet buffer pool.
//
// Storage is a fixed backing array of Packet records, allocated once at
// construction. Ownership is tracked with an index-based free stack
// (not a linear free bitmap scan) per the design's preferred
// realization: the stack alone is sufficient to decide what's free, and
// an auxiliary bitmap exists only to make double-free and out-of-pool
// frees detectable in O(1) without corrupting the free stack.
package pool

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/nodestack/pkg/wire"
)

// Packet is the fundamental unit managed by the pool. A Packet is either
// free (owned by the pool, contents undefined) or held by exactly one
// owner. Next is nil unless the packet is part of an explicit chain
// built by a caller or by SFP reassembly.
type Packet struct {
	HeaderRaw uint32
	Payload   [wire.MTU]byte
	Length    int
	RxIface   any // *route.Interface; typed as any to avoid an import cycle
	Next      *Packet

	poolIndex int // stable slot index, set once at construction
}

// Pool is a fixed-size, mutex-guarded allocator for Packet.
type Pool struct {
	mu        sync.Mutex
	slots     []Packet
	ptrIndex  map[*Packet]int
	freeStack []int
	inFree    []bool // debug-only mirror of freeStack, for double-free detection
	log       *logrus.Logger
}

// New allocates a pool of size packets. size must be > 0.
func New(size int, log *logrus.Logger) *Pool {
	if log == nil {
		log = logrus.New()
	}
	p := &Pool{
		slots:     make([]Packet, size),
		ptrIndex:  make(map[*Packet]int, size),
		freeStack: make([]int, size),
		inFree:    make([]bool, size),
		log:       log,
	}
	for i := range p.slots {
		p.slots[i].poolIndex = i
		p.ptrIndex[&p.slots[i]] = i
		p.freeStack[i] = size - 1 - i // arbitrary order, doesn't matter
		p.inFree[i] = true
	}
	return p
}

// Get returns a reference to a free packet, marked held with Next
// cleared, or (nil, false) when the pool is exhausted. Payload contents
// are not zeroed; callers must set Length before use.
func (p *Pool) Get() (*Packet, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.freeStack)
	if n == 0 {
		return nil, false
	}
	idx := p.freeStack[n-1]
	p.freeStack = p.freeStack[:n-1]
	p.inFree[idx] = false

	pk := &p.slots[idx]
	pk.Next = nil
	pk.RxIface = nil
	pk.Length = 0
	return pk, true
}

// Free returns a previously-acquired packet to the pool. A nil
// reference, a reference outside this pool's storage, or an
// already-free reference are all tolerated: logged and otherwise
// ignored, never corrupting the pool.
func (p *Pool) Free(pk *Packet) {
	if pk == nil {
		p.log.Warn("pool: free of nil packet reference")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.ptrIndex[pk]
	if !ok {
		p.log.Error("pool: free of packet reference outside pool storage")
		return
	}
	if p.inFree[idx] {
		p.log.Warn("pool: double free of packet reference")
		return
	}
	p.inFree[idx] = true
	p.freeStack = append(p.freeStack, idx)
}

// FreeChain walks the Next chain starting at pk and frees every node.
// A nil chain is a no-op.
func (p *Pool) FreeChain(pk *Packet) {
	for pk != nil {
		next := pk.Next
		p.Free(pk)
		pk = next
	}
}

// FreeCount returns the number of currently-free slots.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.freeStack)
}

// Size returns the pool's total capacity.
func (p *Pool) Size() int {
	return len(p.slots)
}
