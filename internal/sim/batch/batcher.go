// Package batch builds the per-tick entity-state frame: queued field updates
// are coalesced per entity, quantized, and written into one reusable buffer.
//
// A Batcher is single-writer. Independent Batchers (one per world shard)
// share nothing and may run on separate goroutines.
package batch

import (
	"fmt"
	"strings"

	"tickbatch.ai/internal/sim/pool"
)

// Overflow selects what happens to queued entities beyond the batch cap.
type Overflow uint8

const (
	// OverflowDrop discards everything past the cap; the queue is empty
	// after every flush.
	OverflowDrop Overflow = iota
	// OverflowRetain keeps the un-emitted tail queued, in order, so it goes
	// out first on the next flush.
	OverflowRetain
)

func (o Overflow) String() string {
	switch o {
	case OverflowDrop:
		return "drop"
	case OverflowRetain:
		return "retain"
	default:
		return fmt.Sprintf("overflow(%d)", uint8(o))
	}
}

func ParseOverflow(s string) (Overflow, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop":
		return OverflowDrop, nil
	case "retain":
		return OverflowRetain, nil
	}
	return OverflowDrop, fmt.Errorf("unknown overflow policy %q", s)
}

type Config struct {
	BatchCap int
	PoolSize int
	Prewarm  int
	Overflow Overflow
}

func DefaultConfig() Config {
	return Config{
		BatchCap: DefaultBatchCap,
		PoolSize: 1024,
		Prewarm:  DefaultBatchCap,
		Overflow: OverflowDrop,
	}
}

func (c Config) normalized() Config {
	if c.BatchCap <= 0 {
		c.BatchCap = DefaultBatchCap
	}
	if c.BatchCap > MaxBatchCap {
		c.BatchCap = MaxBatchCap
	}
	if c.PoolSize < 0 {
		c.PoolSize = 0
	}
	if c.Prewarm > c.PoolSize {
		c.Prewarm = c.PoolSize
	}
	return c
}

type Stats struct {
	Queued            int    `json:"queued"`
	MaxUpdatesPerTick int    `json:"max_updates_per_tick"`
	BufferCapacity    int    `json:"buffer_capacity"`
	Flushes           uint64 `json:"flushes"`
	Emitted           uint64 `json:"emitted"`
	Dropped           uint64 `json:"dropped"`
	LastEmitted       int    `json:"last_emitted"`
	LastDropped       int    `json:"last_dropped"`
	LastRetained      int    `json:"last_retained"`
	LastBytes         int    `json:"last_bytes"`

	Entries   pool.Stats `json:"entries_pool"`
	Positions pool.Stats `json:"positions_pool"`
	Rotations pool.Stats `json:"rotations_pool"`
	Healths   pool.Stats `json:"healths_pool"`
}

type Batcher struct {
	cfg Config
	q   queue
	enc encoder

	maxPerTick  int
	flushes     uint64
	emitted     uint64
	dropped     uint64
	lastEmitted int
	lastDropped int
	lastKept    int
	lastBytes   int
}

func New(cfg Config) *Batcher {
	cfg = cfg.normalized()
	return &Batcher{
		cfg: cfg,
		q:   newQueue(cfg.PoolSize, cfg.Prewarm),
	}
}

func (b *Batcher) Config() Config { return b.cfg }

func (b *Batcher) QueuePosition(id string, x, y, z float64) {
	b.q.setPosition(b.q.touch(id), x, y, z)
}

func (b *Batcher) QueueRotation(id string, x, y, z, w float64) {
	b.q.setRotation(b.q.touch(id), x, y, z, w)
}

func (b *Batcher) QueueTransform(id string, pos Vec3, rot Quat) {
	p := b.q.touch(id)
	b.q.setPosition(p, pos.X, pos.Y, pos.Z)
	b.q.setRotation(p, rot.X, rot.Y, rot.Z, rot.W)
}

// QueueHealth does not clamp; values outside uint16 wrap when encoded.
func (b *Batcher) QueueHealth(id string, current, max int) {
	b.q.setHealth(b.q.touch(id), current, max)
}

// QueueState is meant for small codes; only the low byte is sent.
func (b *Batcher) QueueState(id string, state int) {
	b.q.setState(b.q.touch(id), state)
}

func (b *Batcher) QueuedCount() int { return b.q.len() }

func (b *Batcher) HasUpdates() bool { return b.q.len() > 0 }

// Pending returns a copy of the queued record for id.
func (b *Batcher) Pending(id string) (Record, bool) {
	p, ok := b.q.index[id]
	if !ok {
		return Record{}, false
	}
	return p.record(), true
}

// Flush encodes up to BatchCap queued entities in first-touch order. It
// returns false when nothing is queued. The returned slice aliases internal
// storage and is only valid until the next Flush.
func (b *Batcher) Flush() ([]byte, bool) {
	queued := b.q.len()
	if queued == 0 {
		return nil, false
	}
	if queued > b.maxPerTick {
		b.maxPerTick = queued
	}
	n := min(queued, b.cfg.BatchCap)
	out := b.enc.encode(b.q.order[:n])

	retain := b.cfg.Overflow == OverflowRetain
	b.q.drain(n, retain)

	b.flushes++
	b.emitted += uint64(n)
	b.lastEmitted = n
	b.lastBytes = len(out)
	b.lastDropped, b.lastKept = 0, 0
	if retain {
		b.lastKept = queued - n
	} else {
		b.lastDropped = queued - n
		b.dropped += uint64(queued - n)
	}
	return out, true
}

// Clear discards every queued update without producing a frame.
func (b *Batcher) Clear() { b.q.reset() }

func (b *Batcher) Stats() Stats {
	return Stats{
		Queued:            b.q.len(),
		MaxUpdatesPerTick: b.maxPerTick,
		BufferCapacity:    b.enc.capacity(),
		Flushes:           b.flushes,
		Emitted:           b.emitted,
		Dropped:           b.dropped,
		LastEmitted:       b.lastEmitted,
		LastDropped:       b.lastDropped,
		LastRetained:      b.lastKept,
		LastBytes:         b.lastBytes,
		Entries:           b.q.entries.Stats(),
		Positions:         b.q.positions.Stats(),
		Rotations:         b.q.rotations.Stats(),
		Healths:           b.q.healths.Stats(),
	}
}
