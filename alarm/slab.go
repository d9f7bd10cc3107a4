package alarm

import (
	"sync/atomic"

	"github.com/aradilov/ringbuffer"
)

// A link word addresses a slab node: the low 32 bits hold index+1 (0 is nil), bits 32..62 the
// node generation, and bit 63 marks the owning node as logically removed.
const (
	markBit  = uint64(1) << 63
	genShift = 32
	genMask  = uint64(1)<<31 - 1
	idxMask  = uint64(1)<<32 - 1
)

func makeLink(idx uint32, gen uint32) uint64 {
	return (uint64(gen)&genMask)<<genShift | (uint64(idx) + 1)
}

func linkIndex(l uint64) uint32 {
	return uint32(l&idxMask) - 1
}

func linkGen(l uint64) uint32 {
	return uint32((l >> genShift) & genMask)
}

func isMarked(l uint64) bool {
	return l&markBit != 0
}

type node struct {
	next  atomic.Uint64
	gen   atomic.Uint32
	alarm atomic.Pointer[Alarm]
	wake  atomic.Int64
}

// slab is a fixed array of list nodes. Free indices are kept in a lock-free MPMC ring.
type slab struct {
	nodes []node
	free  *ringbuffer.MPMC[uint32]
}

func newSlab(capacity int) *slab {
	c := uint64(1)
	for c < uint64(capacity) {
		c <<= 1
	}
	s := &slab{
		nodes: make([]node, c),
		free:  ringbuffer.NewMPMC[uint32](c),
	}
	for i := uint64(0); i < c; i++ {
		if !s.free.Enqueue(uint32(i)) {
			panic("BUG: slab free list init")
		}
	}
	return s
}

func (s *slab) capacity() int {
	return len(s.nodes)
}

// alloc reserves a node for a and returns its link word.
func (s *slab) alloc(a *Alarm, wake int64) (uint64, bool) {
	idx, ok := s.free.Dequeue()
	if !ok {
		return 0, false
	}
	n := &s.nodes[idx]
	n.alarm.Store(a)
	n.wake.Store(wake)
	n.next.Store(0)
	return makeLink(idx, n.gen.Load()), true
}

// release bumps the node generation so stale link words stop matching, then recycles it.
func (s *slab) release(l uint64) {
	idx := linkIndex(l)
	n := &s.nodes[idx]
	n.gen.Store(uint32((uint64(linkGen(l)) + 1) & genMask))
	n.alarm.Store(nil)
	if !s.free.Enqueue(idx) {
		panic("BUG: slab free list overflow")
	}
}

// node returns the node addressed by l if its generation still matches.
func (s *slab) node(l uint64) (*node, bool) {
	n := &s.nodes[linkIndex(l)]
	return n, n.gen.Load() == linkGen(l)
}
