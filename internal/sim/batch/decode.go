package batch

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrTruncated = errors.New("batch: truncated buffer")

// Parse decodes a flushed buffer. It has no side effects and never retains b.
func Parse(b []byte) ([]Record, error) {
	return ParseInto(nil, b)
}

// ParseInto appends the decoded records to dst, letting receivers reuse a
// slice across ticks.
func ParseInto(dst []Record, b []byte) ([]Record, error) {
	r := reader{b: b}
	count, ok := r.u16()
	if !ok {
		return dst, fmt.Errorf("%w: header", ErrTruncated)
	}
	if dst == nil {
		dst = make([]Record, 0, count)
	}
	for i := 0; i < int(count); i++ {
		rec, ok := r.record()
		if !ok {
			return dst, fmt.Errorf("%w: record %d of %d at offset %d", ErrTruncated, i, count, r.off)
		}
		dst = append(dst, rec)
	}
	return dst, nil
}

// PeekCount returns the declared record count without decoding.
func PeekCount(b []byte) (int, error) {
	if len(b) < headerSize {
		return 0, fmt.Errorf("%w: header", ErrTruncated)
	}
	return int(binary.LittleEndian.Uint16(b)), nil
}

type reader struct {
	b   []byte
	off int
}

func (r *reader) take(n int) ([]byte, bool) {
	if n < 0 || len(r.b)-r.off < n {
		return nil, false
	}
	s := r.b[r.off : r.off+n]
	r.off += n
	return s, true
}

func (r *reader) u8() (uint8, bool) {
	s, ok := r.take(1)
	if !ok {
		return 0, false
	}
	return s[0], true
}

func (r *reader) u16() (uint16, bool) {
	s, ok := r.take(2)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint16(s), true
}

func (r *reader) i16() (int16, bool) {
	v, ok := r.u16()
	return int16(v), ok
}

func (r *reader) record() (Record, bool) {
	var rec Record
	n, ok := r.u16()
	if !ok {
		return rec, false
	}
	id, ok := r.take(int(n))
	if !ok {
		return rec, false
	}
	rec.EntityID = string(id)
	f, ok := r.u8()
	if !ok {
		return rec, false
	}
	rec.Flags = Flags(f)

	if rec.Flags.Has(FlagPosition) {
		var v [3]int16
		for i := range v {
			if v[i], ok = r.i16(); !ok {
				return rec, false
			}
		}
		rec.Position = Vec3{X: float64(v[0]), Y: float64(v[1]), Z: float64(v[2])}
	}
	if rec.Flags.Has(FlagRotation) {
		var v [4]int16
		for i := range v {
			if v[i], ok = r.i16(); !ok {
				return rec, false
			}
		}
		rec.Rotation = Quat{
			X: float64(v[0]) / RotationScale,
			Y: float64(v[1]) / RotationScale,
			Z: float64(v[2]) / RotationScale,
			W: float64(v[3]) / RotationScale,
		}
	}
	if rec.Flags.Has(FlagHealth) {
		cur, ok := r.u16()
		if !ok {
			return rec, false
		}
		max, ok := r.u16()
		if !ok {
			return rec, false
		}
		rec.Health = Health{Current: int(cur), Max: int(max)}
	}
	if rec.Flags.Has(FlagState) {
		s, ok := r.u8()
		if !ok {
			return rec, false
		}
		rec.State = int(s)
	}
	return rec, true
}
