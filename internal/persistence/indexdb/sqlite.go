package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"tickbatch.ai/internal/sim/batch"
	"tickbatch.ai/internal/sim/loop"
	"tickbatch.ai/internal/sim/tuning"
)

// SQLiteIndex is a read model of flushed frames. Writes are queued and
// applied by one goroutine; when the queue is full they are dropped, since
// the frame log remains the source of truth.
type SQLiteIndex struct {
	db      *sql.DB
	worldID string

	// IndexEntities stores one row per emitted entity. Set before the first
	// RecordFlush.
	IndexEntities bool

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed    atomic.Bool
	dropTotal atomic.Uint64
	written   atomic.Uint64
}

type req struct {
	tick     tickRow
	entities []entityRow
}

type tickRow struct {
	Tick       uint64
	Emitted    int
	Dropped    int
	Retained   int
	Queued     int
	Bytes      int
	BufferCap  int
	RecordedAt string
}

type entityRow struct {
	EntityID string
	Flags    batch.Flags
}

type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	DropTotal     uint64 `json:"drop_total"`
	WrittenTotal  uint64 `json:"written_total"`
}

func OpenSQLite(path, worldID string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:      db,
		worldID: worldID,
		ch:      make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			world_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			emitted INTEGER NOT NULL,
			dropped INTEGER NOT NULL,
			retained INTEGER NOT NULL,
			queued INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			buffer_cap INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (world_id, tick)
		);`,
		`CREATE TABLE IF NOT EXISTS frame_entities (
			world_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			entity_id TEXT NOT NULL,
			flags INTEGER NOT NULL,
			PRIMARY KEY (world_id, tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_frame_entities_entity_tick ON frame_entities(world_id, entity_id, tick);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordFlush never blocks the tick loop.
func (s *SQLiteIndex) RecordFlush(r loop.FlushRecord) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	q := req{tick: tickRow{
		Tick:       r.Tick,
		Emitted:    r.Emitted,
		Dropped:    r.Dropped,
		Retained:   r.Retained,
		Queued:     r.Queued,
		Bytes:      r.Bytes,
		BufferCap:  r.BufferCap,
		RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}}
	if s.IndexEntities && len(r.Frame) > 0 {
		recs, err := batch.Parse(r.Frame)
		if err != nil {
			return fmt.Errorf("index frame tick=%d: %w", r.Tick, err)
		}
		q.entities = make([]entityRow, len(recs))
		for i, rec := range recs {
			q.entities[i] = entityRow{EntityID: rec.EntityID, Flags: rec.Flags}
		}
	}
	select {
	case s.ch <- q:
	default:
		s.dropTotal.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropTotal:     s.dropTotal.Load(),
		WrittenTotal:  s.written.Load(),
	}
}

// UpsertTuning stores the effective tuning so the index is self-describing.
func (s *SQLiteIndex) UpsertTuning(ctx context.Context, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rows := [][2]string{
		{"schema_version", "1"},
		{"world_id", s.worldID},
		{"tuning", string(b)},
		{"tuning_digest", hex.EncodeToString(sum[:])},
	}
	for _, kv := range rows {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`, kv[0], kv[1]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(world_id,tick,emitted,dropped,retained,queued,bytes,buffer_cap,recorded_at) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertEntity, _ := s.db.Prepare(`INSERT OR REPLACE INTO frame_entities(world_id,tick,seq,entity_id,flags) VALUES(?,?,?,?,?)`)
	defer func() {
		if insertTick != nil {
			_ = insertTick.Close()
		}
		if insertEntity != nil {
			_ = insertEntity.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 250 * time.Millisecond
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	// Commit idle transactions so readers sharing the connection are not
	// starved between bursts.
	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		var r req
		select {
		case rr, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = rr
		case <-ticker.C:
			flushIfNeeded()
			continue
		}

		begin()
		if tx == nil {
			continue
		}
		t := r.tick
		if insertTick != nil {
			if _, err := tx.Stmt(insertTick).Exec(
				s.worldID,
				int64(t.Tick),
				t.Emitted,
				t.Dropped,
				t.Retained,
				t.Queued,
				t.Bytes,
				t.BufferCap,
				t.RecordedAt,
			); err != nil {
				rollback()
				continue
			}
			opCount++
		}
		for i, e := range r.entities {
			if insertEntity == nil {
				break
			}
			if _, err := tx.Stmt(insertEntity).Exec(s.worldID, int64(t.Tick), i, e.EntityID, int(e.Flags)); err != nil {
				rollback()
				break
			}
			opCount++
		}
		s.written.Add(1)
		flushIfNeeded()
	}
}
