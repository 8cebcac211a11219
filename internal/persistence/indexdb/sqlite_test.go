package indexdb

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"tickbatch.ai/internal/sim/batch"
	"tickbatch.ai/internal/sim/loop"
	"tickbatch.ai/internal/sim/tuning"
)

func recordTicks(t *testing.T, idx *SQLiteIndex) {
	t.Helper()
	b := batch.New(batch.Config{BatchCap: 2, PoolSize: 8})
	for tick := uint64(1); tick <= 4; tick++ {
		b.QueuePosition("a", 1, 2, 3)
		if tick%2 == 0 {
			b.QueueState("b", 1)
			b.QueueHealth("c", 1, 1)
		}
		queued := b.QueuedCount()
		frame, _ := b.Flush()
		st := b.Stats()
		if err := idx.RecordFlush(loop.FlushRecord{
			Tick:      tick,
			Emitted:   st.LastEmitted,
			Dropped:   st.LastDropped,
			Queued:    queued,
			Bytes:     len(frame),
			BufferCap: st.BufferCapacity,
			Frame:     frame,
		}); err != nil {
			t.Fatalf("RecordFlush: %v", err)
		}
	}
}

func TestSQLiteIndex_RecordAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path, "world_1")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	idx.IndexEntities = true
	recordTicks(t, idx)
	if err := idx.UpsertTuning(context.Background(), tuning.Defaults()); err != nil {
		t.Fatalf("UpsertTuning: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	idx, err = OpenSQLite(path, "world_1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()
	ctx := context.Background()

	rows, err := idx.QueryTicks(ctx, 2, 3, 0)
	if err != nil {
		t.Fatalf("QueryTicks: %v", err)
	}
	if len(rows) != 2 || rows[0].Tick != 2 || rows[1].Tick != 3 {
		t.Fatalf("rows: %+v", rows)
	}
	if rows[0].Emitted != 2 || rows[0].Dropped != 1 || rows[0].Queued != 3 {
		t.Fatalf("tick 2: %+v", rows[0])
	}

	sum, err := idx.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Ticks != 4 || sum.FirstTick != 1 || sum.LastTick != 4 || sum.Emitted != 6 || sum.Dropped != 2 || sum.OverflowTick != 2 {
		t.Fatalf("summary: %+v", sum)
	}

	seen, ok, err := idx.LastSeen(ctx, "b")
	if err != nil || !ok {
		t.Fatalf("LastSeen: ok=%v err=%v", ok, err)
	}
	if seen.Tick != 4 || seen.Flags != batch.FlagState {
		t.Fatalf("seen: %+v", seen)
	}
	if _, ok, _ := idx.LastSeen(ctx, "c"); ok {
		t.Fatalf("c was always past the cap and must not be indexed")
	}

	if v, err := idx.Meta(ctx, "world_id"); err != nil || v != "world_1" {
		t.Fatalf("meta world_id=%q err=%v", v, err)
	}
	if v, _ := idx.Meta(ctx, "tuning_digest"); len(v) != 64 {
		t.Fatalf("tuning digest=%q", v)
	}
}

func TestSQLiteIndex_WorldsAreIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	a, err := OpenSQLite(path, "a")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	recordTicks(t, a)
	_ = a.Close()

	b, err := OpenSQLite(path, "b")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer b.Close()
	sum, err := b.Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Ticks != 0 {
		t.Fatalf("ticks=%d want=0", sum.Ticks)
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{tick: tickRow{Tick: 1}}

	_ = s.RecordFlush(loop.FlushRecord{Tick: 2})
	_ = s.RecordFlush(loop.FlushRecord{Tick: 3})

	st := s.Stats()
	if st.DropTotal != 2 {
		t.Fatalf("DropTotal=%d want=2", st.DropTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_RawRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path, "w")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	recordTicks(t, idx)
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM frame_entities`).Scan(&n); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if n != 0 {
		t.Fatalf("entity rows=%d want=0 when IndexEntities is off", n)
	}
}
