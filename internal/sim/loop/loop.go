// Package loop runs the per-tick cycle: the simulation queues entity
// changes, the batcher flushes once, and the frame fans out to sinks and
// recorders. All batcher access happens on the loop goroutine.
package loop

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/dustin/go-humanize"

	"tickbatch.ai/internal/sim/batch"
)

var ErrStopped = errors.New("loop stopped")

// Queuer is the part of the batcher a simulation may touch.
type Queuer interface {
	QueuePosition(id string, x, y, z float64)
	QueueRotation(id string, x, y, z, w float64)
	QueueTransform(id string, pos batch.Vec3, rot batch.Quat)
	QueueHealth(id string, current, max int)
	QueueState(id string, state int)
}

type Source interface {
	Step(tick uint64, q Queuer)
}

// Sink receives every non-empty frame. frame is only valid during the call.
type Sink interface {
	Broadcast(frame []byte)
}

type Recorder interface {
	RecordFlush(rec FlushRecord) error
}

// FlushRecord describes one flush. Frame aliases the batcher's buffer.
type FlushRecord struct {
	Tick      uint64
	Emitted   int
	Dropped   int
	Retained  int
	Queued    int
	Bytes     int
	BufferCap int
	Frame     []byte
}

type Snapshot struct {
	Tick      uint64      `json:"tick"`
	Batch     batch.Stats `json:"batch"`
	LastTick  uint64      `json:"last_frame_tick"`
	LastFrame []byte      `json:"-"`
}

type Config struct {
	TickRateHz int
	// StatsEvery logs a summary line every N ticks; 0 disables it.
	StatsEvery uint64
}

type Loop struct {
	cfg Config
	b   *batch.Batcher
	src Source
	log *log.Logger

	sinks []Sink
	recs  []Recorder

	tick     uint64
	last     []byte
	lastTick uint64

	snapReq  chan chan Snapshot
	resetReq chan chan struct{}
	stop     chan struct{}
}

func New(cfg Config, b *batch.Batcher, src Source, logger *log.Logger) *Loop {
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 20
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Loop{
		cfg:      cfg,
		b:        b,
		src:      src,
		log:      logger,
		snapReq:  make(chan chan Snapshot),
		resetReq: make(chan chan struct{}),
		stop:     make(chan struct{}),
	}
}

// AddSink and AddRecorder must be called before Run.
func (l *Loop) AddSink(s Sink) { l.sinks = append(l.sinks, s) }

func (l *Loop) AddRecorder(r Recorder) { l.recs = append(l.recs, r) }

func (l *Loop) CurrentTick() uint64 { return l.tick }

// Step runs one tick synchronously. It reports whether a frame was sent.
func (l *Loop) Step() bool {
	l.tick++
	if l.src != nil {
		l.src.Step(l.tick, l.b)
	}
	queued := l.b.QueuedCount()
	frame, ok := l.b.Flush()
	if !ok {
		return false
	}
	st := l.b.Stats()
	l.last = append(l.last[:0], frame...)
	l.lastTick = l.tick

	for _, s := range l.sinks {
		s.Broadcast(frame)
	}
	rec := FlushRecord{
		Tick:      l.tick,
		Emitted:   st.LastEmitted,
		Dropped:   st.LastDropped,
		Retained:  st.LastRetained,
		Queued:    queued,
		Bytes:     len(frame),
		BufferCap: st.BufferCapacity,
		Frame:     frame,
	}
	for _, r := range l.recs {
		if err := r.RecordFlush(rec); err != nil {
			l.log.Printf("record flush tick=%d: %v", l.tick, err)
		}
	}
	if st.LastDropped > 0 {
		l.log.Printf("tick=%d overflow: emitted=%d dropped=%d", l.tick, st.LastEmitted, st.LastDropped)
	}
	if l.cfg.StatsEvery > 0 && l.tick%l.cfg.StatsEvery == 0 {
		l.log.Printf("tick=%d flushes=%d emitted=%d dropped=%d max_per_tick=%d buffer=%s last=%s",
			l.tick, st.Flushes, st.Emitted, st.Dropped, st.MaxUpdatesPerTick,
			humanize.Bytes(uint64(st.BufferCapacity)), humanize.Bytes(uint64(len(frame))))
	}
	return true
}

// Run ticks until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(l.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return nil
		case resp := <-l.snapReq:
			resp <- l.snapshot()
		case done := <-l.resetReq:
			l.b.Clear()
			close(done)
		case <-ticker.C:
			l.Step()
		}
	}
}

func (l *Loop) Stop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}

// Snapshot asks the running loop for its stats and a copy of the last frame.
func (l *Loop) Snapshot(ctx context.Context) (Snapshot, error) {
	resp := make(chan Snapshot, 1)
	select {
	case l.snapReq <- resp:
	case <-l.stop:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case s := <-resp:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Reset drops everything queued, e.g. on world restart.
func (l *Loop) Reset(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case l.resetReq <- done:
	case <-l.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) snapshot() Snapshot {
	s := Snapshot{
		Tick:     l.tick,
		Batch:    l.b.Stats(),
		LastTick: l.lastTick,
	}
	if len(l.last) > 0 {
		s.LastFrame = append([]byte(nil), l.last...)
	}
	return s
}
