package batch

import "tickbatch.ai/internal/sim/pool"

// pending is the in-queue form of a Record. Sub-records are checked out of
// their pools on first use and only ever belong to one pending entry.
type pending struct {
	id    string
	flags Flags
	pos   *Vec3
	rot   *Quat
	hp    *Health
	state int
}

// queue coalesces updates per entity. order is first-touch FIFO since the
// last flush; it decides which entities make the cut on overflow.
type queue struct {
	index map[string]*pending
	order []*pending

	entries   *pool.Pool[pending]
	positions *pool.Pool[Vec3]
	rotations *pool.Pool[Quat]
	healths   *pool.Pool[Health]
}

func newQueue(poolSize, prewarm int) queue {
	return queue{
		index:     make(map[string]*pending, prewarm),
		order:     make([]*pending, 0, prewarm),
		entries:   pool.New[pending](poolSize, prewarm),
		positions: pool.New[Vec3](poolSize, prewarm),
		rotations: pool.New[Quat](poolSize, prewarm),
		healths:   pool.New[Health](poolSize, prewarm),
	}
}

func (q *queue) touch(id string) *pending {
	if p, ok := q.index[id]; ok {
		return p
	}
	p := q.entries.Get()
	*p = pending{id: id}
	q.index[id] = p
	q.order = append(q.order, p)
	return p
}

func (q *queue) setPosition(p *pending, x, y, z float64) {
	if p.pos == nil {
		p.pos = q.positions.Get()
	}
	*p.pos = Vec3{X: x, Y: y, Z: z}
	p.flags |= FlagPosition
}

func (q *queue) setRotation(p *pending, x, y, z, w float64) {
	if p.rot == nil {
		p.rot = q.rotations.Get()
	}
	*p.rot = Quat{X: x, Y: y, Z: z, W: w}
	p.flags |= FlagRotation
}

func (q *queue) setHealth(p *pending, current, max int) {
	if p.hp == nil {
		p.hp = q.healths.Get()
	}
	*p.hp = Health{Current: current, Max: max}
	p.flags |= FlagHealth
}

func (q *queue) setState(p *pending, state int) {
	p.state = state
	p.flags |= FlagState
}

func (q *queue) release(p *pending) {
	if p.pos != nil {
		q.positions.Put(p.pos)
	}
	if p.rot != nil {
		q.rotations.Put(p.rot)
	}
	if p.hp != nil {
		q.healths.Put(p.hp)
	}
	*p = pending{}
	q.entries.Put(p)
}

// drain releases the first n entries of order and drops them from the index.
// When keepRest is false everything after n is released too.
func (q *queue) drain(n int, keepRest bool) {
	if n > len(q.order) {
		n = len(q.order)
	}
	end := len(q.order)
	if keepRest {
		end = n
	}
	for _, p := range q.order[:end] {
		delete(q.index, p.id)
		q.release(p)
	}
	rest := 0
	if keepRest {
		rest = copy(q.order, q.order[n:])
	}
	clear(q.order[rest:])
	q.order = q.order[:rest]
}

func (q *queue) reset() { q.drain(len(q.order), false) }

func (q *queue) len() int { return len(q.order) }

func (p *pending) record() Record {
	r := Record{EntityID: p.id, Flags: p.flags}
	if p.flags.Has(FlagPosition) {
		r.Position = *p.pos
	}
	if p.flags.Has(FlagRotation) {
		r.Rotation = *p.rot
	}
	if p.flags.Has(FlagHealth) {
		r.Health = *p.hp
	}
	if p.flags.Has(FlagState) {
		r.State = p.state
	}
	return r
}
