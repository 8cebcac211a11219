package batch

import "strings"

// Flags marks which optional fields a record carries.
type Flags uint8

const (
	FlagPosition Flags = 1 << iota
	FlagRotation
	FlagHealth
	FlagState

	flagMask = FlagPosition | FlagRotation | FlagHealth | FlagState
)

func (f Flags) Has(m Flags) bool { return f&m == m }

func (f Flags) String() string {
	if f&flagMask == 0 {
		return "NONE"
	}
	parts := make([]string, 0, 4)
	if f.Has(FlagPosition) {
		parts = append(parts, "POSITION")
	}
	if f.Has(FlagRotation) {
		parts = append(parts, "ROTATION")
	}
	if f.Has(FlagHealth) {
		parts = append(parts, "HEALTH")
	}
	if f.Has(FlagState) {
		parts = append(parts, "STATE")
	}
	return strings.Join(parts, "|")
}
