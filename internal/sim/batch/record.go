package batch

type Vec3 struct {
	X, Y, Z float64
}

// Quat is expected to be unit length; nothing normalizes it.
type Quat struct {
	X, Y, Z, W float64
}

// Health values outside 0..65535 wrap on the wire.
type Health struct {
	Current int
	Max     int
}

// Record is one entity's coalesced update. A field is only meaningful when
// its bit is set in Flags.
type Record struct {
	EntityID string
	Flags    Flags
	Position Vec3
	Rotation Quat
	Health   Health
	State    int
}

func (r Record) PositionValue() (Vec3, bool) { return r.Position, r.Flags.Has(FlagPosition) }
func (r Record) RotationValue() (Quat, bool) { return r.Rotation, r.Flags.Has(FlagRotation) }
func (r Record) HealthValue() (Health, bool) { return r.Health, r.Flags.Has(FlagHealth) }
func (r Record) StateValue() (int, bool)     { return r.State, r.Flags.Has(FlagState) }
