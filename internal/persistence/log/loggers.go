package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"tickbatch.ai/internal/sim/loop"
)

// JSONLZstdWriter appends JSON lines to hourly zstd files.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// FrameEntry is one flushed frame as stored on disk.
type FrameEntry struct {
	Tick      uint64 `json:"tick"`
	WorldID   string `json:"world_id,omitempty"`
	Emitted   int    `json:"emitted"`
	Dropped   int    `json:"dropped"`
	Retained  int    `json:"retained,omitempty"`
	Queued    int    `json:"queued"`
	Bytes     int    `json:"bytes"`
	BufferCap int    `json:"buffer_cap"`
	Frame     []byte `json:"frame"`
}

// FrameLogger writes one JSONL entry per flushed frame (compressed).
type FrameLogger struct {
	worldID string
	w       *JSONLZstdWriter
}

func NewFrameLogger(worldDir, worldID string) *FrameLogger {
	return &FrameLogger{
		worldID: worldID,
		w:       NewJSONLZstdWriter(filepath.Join(worldDir, "frames"), "frames"),
	}
}

// RecordFlush marshals the frame synchronously, before the loop reuses it.
func (l *FrameLogger) RecordFlush(r loop.FlushRecord) error {
	return l.w.Write(FrameEntry{
		Tick:      r.Tick,
		WorldID:   l.worldID,
		Emitted:   r.Emitted,
		Dropped:   r.Dropped,
		Retained:  r.Retained,
		Queued:    r.Queued,
		Bytes:     r.Bytes,
		BufferCap: r.BufferCap,
		Frame:     r.Frame,
	})
}

func (l *FrameLogger) Close() error { return l.w.Close() }
