// Package bufalloc provides the slab arena that backs message buffers.
//
// Buffers come from power-of-two size classes with per-class free
// lists. On a real fabric the backing memory must be registered with
// the NIC before it can be the target of DMA; the arena calls the
// registration hooks it was constructed with whenever it maps or
// unmaps backing memory, so the transport can supply its memory
// registration functions.
//
// An Arena is not safe for concurrent use. The RPC engine serializes
// access to it, taking its allocator lock only when background workers
// are configured.
package bufalloc

import (
	"fmt"
	"math/bits"
)

// RegFunc registers backing memory for DMA. DeregFunc undoes it.
// Either may be nil.
type (
	RegFunc   func(mem []byte)
	DeregFunc func(mem []byte)
)

type class struct {
	shift uint
	bufs  [][]byte
}

func (c *class) get() ([]byte, bool) {
	if len(c.bufs) == 0 {
		return nil, false
	}
	ret := c.bufs[len(c.bufs)-1]
	c.bufs = c.bufs[:len(c.bufs)-1]
	return ret, true
}

func (c *class) put(buf []byte) {
	if len(buf) != 1<<c.shift {
		panic(fmt.Sprintf("bufalloc: implementation error: %v != %v", len(buf), 1<<c.shift))
	}
	c.bufs = append(c.bufs, buf)
}

// Buffer is a contiguous allocation from an Arena. The zero Buffer is
// invalid; allocation failure is reported by returning it.
type Buffer struct {
	// power of two, owned by one of the arena's classes
	classBuf []byte
	// bytes the caller asked for
	length int
	// backref for Free
	arena *Arena
}

// IsValid reports whether b refers to backing memory.
func (b Buffer) IsValid() bool { return b.classBuf != nil }

// Bytes returns the allocation, sized to the requested length.
func (b Buffer) Bytes() []byte { return b.classBuf[:b.length] }

// Cap returns the full size-class capacity behind b.
func (b Buffer) Cap() int { return len(b.classBuf) }

// Arena hands out power-of-two-class buffers up to 1<<maxShift bytes,
// bounded by a total backing-memory budget.
type Arena struct {
	minShift, maxShift uint
	classes            []class
	reg                RegFunc
	dereg              DeregFunc

	budget int // backing bytes we may map, total
	mapped int // backing bytes mapped so far

	statUserAllocTot int
}

// New constructs an arena serving allocations between 1<<minShift and
// 1<<maxShift bytes, mapping at most budget bytes of backing memory.
func New(minShift, maxShift uint, budget int, reg RegFunc, dereg DeregFunc) *Arena {
	if minShift > 63 || maxShift > 63 || minShift > maxShift {
		panic(fmt.Sprintf("bufalloc: invalid shifts minShift=%v maxShift=%v", minShift, maxShift))
	}
	classes := make([]class, maxShift-minShift+1)
	for i := range classes {
		classes[i] = class{shift: minShift + uint(i)}
	}
	return &Arena{
		minShift: minShift,
		maxShift: maxShift,
		classes:  classes,
		reg:      reg,
		dereg:    dereg,
		budget:   budget,
	}
}

// MaxAllocSize returns the largest allocation the arena can serve.
func (a *Arena) MaxAllocSize() int { return 1 << a.maxShift }

func fittingShift(x int) uint {
	if x <= 1 {
		return 0
	}
	blen := uint(bits.Len(uint(x)))
	if 1<<(blen-1) == x {
		return blen - 1
	}
	return blen
}

// Alloc returns a buffer of at least size bytes, or an invalid Buffer
// if the backing-memory budget is exhausted. It panics if size exceeds
// MaxAllocSize; callers are expected to bound their requests.
func (a *Arena) Alloc(size int) Buffer {
	if size <= 0 {
		panic(fmt.Sprintf("bufalloc: invalid allocation size %d", size))
	}
	shift := fittingShift(size)
	if shift > a.maxShift {
		panic(fmt.Sprintf("bufalloc: allocation size %d exceeds max class size %d", size, a.MaxAllocSize()))
	}
	if shift < a.minShift {
		shift = a.minShift
	}
	c := &a.classes[shift-a.minShift]
	buf, ok := c.get()
	if !ok {
		classSize := 1 << shift
		if a.mapped+classSize > a.budget {
			return Buffer{} // out of memory, caller may retry after freeing
		}
		buf = make([]byte, classSize)
		a.mapped += classSize
		if a.reg != nil {
			a.reg(buf)
		}
	}
	a.statUserAllocTot += size
	return Buffer{classBuf: buf, length: size, arena: a}
}

// Free returns b to its class free list.
func (a *Arena) Free(b Buffer) {
	if b.arena != a {
		panic("bufalloc: freeing buffer into arena it did not come from")
	}
	if bits.OnesCount(uint(len(b.classBuf))) != 1 {
		panic(fmt.Sprintf("bufalloc: freeing buffer with non-power-of-two backing: %v", len(b.classBuf)))
	}
	a.statUserAllocTot -= b.length
	a.classes[fittingShift(len(b.classBuf))-a.minShift].put(b.classBuf)
}

// StatUserAllocTot returns the bytes currently allocated to users.
func (a *Arena) StatUserAllocTot() int { return a.statUserAllocTot }

// Close deregisters all free backing memory. Outstanding buffers must
// have been freed.
func (a *Arena) Close() {
	for i := range a.classes {
		c := &a.classes[i]
		for _, buf := range c.bufs {
			if a.dereg != nil {
				a.dereg(buf)
			}
			a.mapped -= len(buf)
		}
		c.bufs = nil
	}
}
