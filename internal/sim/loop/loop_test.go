package loop

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"tickbatch.ai/internal/sim/batch"
)

type fixedSource struct {
	n     int
	ticks []uint64
}

func (s *fixedSource) Step(tick uint64, q Queuer) {
	s.ticks = append(s.ticks, tick)
	for i := 0; i < s.n; i++ {
		q.QueueState(fmt.Sprintf("ent_%d", i), int(tick))
	}
}

type captureSink struct{ frames [][]byte }

func (c *captureSink) Broadcast(frame []byte) {
	c.frames = append(c.frames, append([]byte(nil), frame...))
}

type captureRecorder struct {
	recs []FlushRecord
	err  error
}

func (c *captureRecorder) RecordFlush(r FlushRecord) error {
	r.Frame = nil
	c.recs = append(c.recs, r)
	return c.err
}

func TestLoop_StepFansOut(t *testing.T) {
	src := &fixedSource{n: 3}
	l := New(Config{}, batch.New(batch.DefaultConfig()), src, nil)
	sink := &captureSink{}
	rec := &captureRecorder{err: errors.New("disk full")}
	l.AddSink(sink)
	l.AddRecorder(rec)

	if !l.Step() {
		t.Fatalf("Step: expected a frame")
	}
	if len(sink.frames) != 1 {
		t.Fatalf("frames=%d want=1", len(sink.frames))
	}
	recs, err := batch.Parse(sink.frames[0])
	if err != nil || len(recs) != 3 {
		t.Fatalf("Parse: %d %v", len(recs), err)
	}
	if recs[0].State != 1 {
		t.Fatalf("state=%d want=1", recs[0].State)
	}
	if len(rec.recs) != 1 || rec.recs[0].Tick != 1 || rec.recs[0].Emitted != 3 || rec.recs[0].Queued != 3 {
		t.Fatalf("record: %+v", rec.recs)
	}
	if rec.recs[0].Bytes != len(sink.frames[0]) {
		t.Fatalf("bytes=%d want=%d", rec.recs[0].Bytes, len(sink.frames[0]))
	}
}

func TestLoop_EmptyTickSendsNothing(t *testing.T) {
	l := New(Config{}, batch.New(batch.DefaultConfig()), &fixedSource{}, nil)
	sink := &captureSink{}
	l.AddSink(sink)
	if l.Step() {
		t.Fatalf("Step: expected no frame")
	}
	if len(sink.frames) != 0 || l.CurrentTick() != 1 {
		t.Fatalf("frames=%d tick=%d", len(sink.frames), l.CurrentTick())
	}
}

func TestLoop_OverflowRecorded(t *testing.T) {
	l := New(Config{}, batch.New(batch.DefaultConfig()), &fixedSource{n: 300}, nil)
	rec := &captureRecorder{}
	l.AddRecorder(rec)
	l.Step()
	r := rec.recs[0]
	if r.Emitted != 256 || r.Dropped != 44 || r.Queued != 300 {
		t.Fatalf("record: %+v", r)
	}
}

func TestLoop_RunSnapshotReset(t *testing.T) {
	cfg := batch.DefaultConfig()
	cfg.Overflow = batch.OverflowRetain
	cfg.BatchCap = 2
	src := &fixedSource{n: 5}
	l := New(Config{TickRateHz: 1000}, batch.New(cfg), src, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	var snap Snapshot
	for {
		s, err := l.Snapshot(ctx)
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if s.Batch.Flushes > 0 {
			snap = s
			break
		}
		time.Sleep(time.Millisecond)
	}
	if len(snap.LastFrame) == 0 || snap.LastTick == 0 {
		t.Fatalf("snapshot missing last frame: %+v", snap)
	}
	if n, _ := batch.PeekCount(snap.LastFrame); n != 2 {
		t.Fatalf("last frame count=%d want=2", n)
	}

	if err := l.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	l.Stop()
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := l.Snapshot(ctx); !errors.Is(err, ErrStopped) {
		t.Fatalf("Snapshot after stop: %v", err)
	}
	l.Stop()
}
