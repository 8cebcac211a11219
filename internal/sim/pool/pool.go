// Package pool implements a bounded free-list pool for fixed-shape records.
//
// Pools are owned by a single writer (one Batcher per world shard) and are
// not safe for concurrent use.
package pool

// Stats is a point-in-time view of a pool's counters.
type Stats struct {
	Free     int    `json:"free"`
	Max      int    `json:"max"`
	Allocs   uint64 `json:"allocs"`
	Reuses   uint64 `json:"reuses"`
	Discards uint64 `json:"discards"`
}

// Pool recycles *T values through a stack of free slots. The first Prewarm
// slots live in one contiguous slab so steady-state checkouts never touch
// the heap.
type Pool[T any] struct {
	slab []T
	free []*T
	max  int

	allocs   uint64
	reuses   uint64
	discards uint64
}

// New returns a pool whose free list holds at most max entries, with
// prewarm entries preallocated.
func New[T any](max, prewarm int) *Pool[T] {
	if max < 0 {
		max = 0
	}
	if prewarm > max {
		prewarm = max
	}
	if prewarm < 0 {
		prewarm = 0
	}
	p := &Pool[T]{
		slab: make([]T, prewarm),
		free: make([]*T, 0, max),
		max:  max,
	}
	for i := range p.slab {
		p.free = append(p.free, &p.slab[i])
	}
	return p
}

// Get returns a recycled value if one is free, otherwise a fresh one.
// Recycled values keep whatever the previous owner wrote; callers overwrite
// every field they read.
func (p *Pool[T]) Get() *T {
	if n := len(p.free); n > 0 {
		v := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.reuses++
		return v
	}
	p.allocs++
	return new(T)
}

// Put returns v to the free list, or drops it for the GC when the list is full.
func (p *Pool[T]) Put(v *T) {
	if v == nil {
		return
	}
	if len(p.free) >= p.max {
		p.discards++
		return
	}
	p.free = append(p.free, v)
}

func (p *Pool[T]) Len() int { return len(p.free) }

func (p *Pool[T]) Stats() Stats {
	return Stats{
		Free:     len(p.free),
		Max:      p.max,
		Allocs:   p.allocs,
		Reuses:   p.reuses,
		Discards: p.discards,
	}
}
