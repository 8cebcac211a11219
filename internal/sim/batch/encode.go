package batch

import (
	"encoding/binary"
	"math"
)

const (
	// DefaultBatchCap is the most entities a single flush emits.
	DefaultBatchCap = 256
	// MaxBatchCap is bounded by the uint16 count header.
	MaxBatchCap = math.MaxUint16
	// MaxEntityIDLen is bounded by the uint16 length prefix; longer ids are
	// cut to this many bytes.
	MaxEntityIDLen = math.MaxUint16

	// RotationScale maps a unit quaternion component onto int16.
	RotationScale = 32767

	headerSize = 2
	// idPrefix + flags + position + rotation + health + state
	maxRecordOverhead = 2 + 1 + 3*2 + 4*2 + 2*2 + 1
)

// encoder owns the reusable output buffer. Capacity only ever grows.
type encoder struct {
	buf []byte
}

func (e *encoder) ensure(n int) {
	if cap(e.buf) >= n {
		return
	}
	grow := 2 * cap(e.buf)
	if grow < n {
		grow = n
	}
	e.buf = make([]byte, 0, grow)
}

func (e *encoder) capacity() int { return cap(e.buf) }

// encode writes the given records and returns a view sized to the bytes
// written. The view aliases e.buf and is overwritten by the next call.
func (e *encoder) encode(recs []*pending) []byte {
	need := headerSize
	for _, p := range recs {
		need += maxRecordOverhead + idLen(p.id)
	}
	e.ensure(need)

	b := e.buf[:0]
	b = binary.LittleEndian.AppendUint16(b, uint16(len(recs)))
	for _, p := range recs {
		b = appendRecord(b, p)
	}
	e.buf = b
	return b
}

func appendRecord(b []byte, p *pending) []byte {
	n := idLen(p.id)
	b = binary.LittleEndian.AppendUint16(b, uint16(n))
	b = append(b, p.id[:n]...)
	b = append(b, byte(p.flags))
	if p.flags.Has(FlagPosition) {
		b = appendInt16(b, quantizePosition(p.pos.X))
		b = appendInt16(b, quantizePosition(p.pos.Y))
		b = appendInt16(b, quantizePosition(p.pos.Z))
	}
	if p.flags.Has(FlagRotation) {
		b = appendInt16(b, quantizeRotation(p.rot.X))
		b = appendInt16(b, quantizeRotation(p.rot.Y))
		b = appendInt16(b, quantizeRotation(p.rot.Z))
		b = appendInt16(b, quantizeRotation(p.rot.W))
	}
	if p.flags.Has(FlagHealth) {
		b = binary.LittleEndian.AppendUint16(b, uint16(p.hp.Current))
		b = binary.LittleEndian.AppendUint16(b, uint16(p.hp.Max))
	}
	if p.flags.Has(FlagState) {
		b = append(b, byte(p.state&0xFF))
	}
	return b
}

func idLen(id string) int {
	if len(id) > MaxEntityIDLen {
		return MaxEntityIDLen
	}
	return len(id)
}

func appendInt16(b []byte, v int16) []byte {
	return binary.LittleEndian.AppendUint16(b, uint16(v))
}

// quantizePosition keeps whole units only. Out-of-range values saturate.
func quantizePosition(v float64) int16 {
	return saturate16(math.RoundToEven(v))
}

func quantizeRotation(v float64) int16 {
	return saturate16(math.RoundToEven(v * RotationScale))
}

func saturate16(v float64) int16 {
	switch {
	case math.IsNaN(v):
		return 0
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
