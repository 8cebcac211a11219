package indexdb

import (
	"context"
	"database/sql"
	"errors"

	"tickbatch.ai/internal/sim/batch"
)

type TickRow struct {
	Tick       uint64 `json:"tick"`
	Emitted    int    `json:"emitted"`
	Dropped    int    `json:"dropped"`
	Retained   int    `json:"retained"`
	Queued     int    `json:"queued"`
	Bytes      int    `json:"bytes"`
	BufferCap  int    `json:"buffer_cap"`
	RecordedAt string `json:"recorded_at"`
}

type Summary struct {
	Ticks        int    `json:"ticks"`
	FirstTick    uint64 `json:"first_tick"`
	LastTick     uint64 `json:"last_tick"`
	Emitted      int64  `json:"emitted"`
	Dropped      int64  `json:"dropped"`
	MaxBytes     int    `json:"max_bytes"`
	MaxBufferCap int    `json:"max_buffer_cap"`
	OverflowTick int    `json:"overflow_ticks"`
}

type EntitySeen struct {
	Tick  uint64      `json:"tick"`
	Flags batch.Flags `json:"flags"`
}

// QueryTicks returns ticks in [from, to] ascending. to == 0 means no upper bound.
func (s *SQLiteIndex) QueryTicks(ctx context.Context, from, to uint64, limit int) ([]TickRow, error) {
	if limit <= 0 {
		limit = 100
	}
	upper := int64(to)
	if to == 0 {
		upper = 1<<63 - 1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tick,emitted,dropped,retained,queued,bytes,buffer_cap,recorded_at
		 FROM ticks WHERE world_id=? AND tick>=? AND tick<=? ORDER BY tick LIMIT ?`,
		s.worldID, int64(from), upper, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TickRow
	for rows.Next() {
		var r TickRow
		var tick int64
		if err := rows.Scan(&tick, &r.Emitted, &r.Dropped, &r.Retained, &r.Queued, &r.Bytes, &r.BufferCap, &r.RecordedAt); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Summary(ctx context.Context) (Summary, error) {
	var (
		sum         Summary
		first, last sql.NullInt64
		emitted     sql.NullInt64
		dropped     sql.NullInt64
		maxBytes    sql.NullInt64
		maxCap      sql.NullInt64
		overflow    sql.NullInt64
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(tick), MAX(tick), SUM(emitted), SUM(dropped), MAX(bytes), MAX(buffer_cap),
		        SUM(CASE WHEN dropped > 0 OR retained > 0 THEN 1 ELSE 0 END)
		 FROM ticks WHERE world_id=?`, s.worldID)
	if err := row.Scan(&sum.Ticks, &first, &last, &emitted, &dropped, &maxBytes, &maxCap, &overflow); err != nil {
		return sum, err
	}
	sum.FirstTick = uint64(first.Int64)
	sum.LastTick = uint64(last.Int64)
	sum.Emitted = emitted.Int64
	sum.Dropped = dropped.Int64
	sum.MaxBytes = int(maxBytes.Int64)
	sum.MaxBufferCap = int(maxCap.Int64)
	sum.OverflowTick = int(overflow.Int64)
	return sum, nil
}

// LastSeen reports the most recent indexed frame that carried entityID.
func (s *SQLiteIndex) LastSeen(ctx context.Context, entityID string) (EntitySeen, bool, error) {
	var (
		tick  int64
		flags int
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT tick,flags FROM frame_entities WHERE world_id=? AND entity_id=? ORDER BY tick DESC LIMIT 1`,
		s.worldID, entityID)
	if err := row.Scan(&tick, &flags); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EntitySeen{}, false, nil
		}
		return EntitySeen{}, false, err
	}
	return EntitySeen{Tick: uint64(tick), Flags: batch.Flags(flags)}, true, nil
}

// Meta returns a meta value, or "" when unset.
func (s *SQLiteIndex) Meta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}
