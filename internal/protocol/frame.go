package protocol

import (
	"github.com/invopop/jsonschema"

	"tickbatch.ai/internal/sim/batch"
)

// FrameJSON is the human-readable form of one binary frame, used by the
// observer endpoint and the inspect tool. Optional fields are present only
// when the matching flag is set.
type FrameJSON struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	Tick            uint64       `json:"tick"`
	Count           int          `json:"count"`
	Bytes           int          `json:"bytes"`
	Records         []RecordJSON `json:"records"`
}

type RecordJSON struct {
	EntityID string      `json:"entity_id"`
	Flags    []string    `json:"flags"`
	Position *[3]float64 `json:"position,omitempty"`
	Rotation *[4]float64 `json:"rotation,omitempty"`
	Health   *HealthJSON `json:"health,omitempty"`
	State    *int        `json:"state,omitempty"`
}

type HealthJSON struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

func RecordFromBatch(r batch.Record) RecordJSON {
	out := RecordJSON{EntityID: r.EntityID, Flags: flagNames(r.Flags)}
	if p, ok := r.PositionValue(); ok {
		out.Position = &[3]float64{p.X, p.Y, p.Z}
	}
	if q, ok := r.RotationValue(); ok {
		out.Rotation = &[4]float64{q.X, q.Y, q.Z, q.W}
	}
	if h, ok := r.HealthValue(); ok {
		out.Health = &HealthJSON{Current: h.Current, Max: h.Max}
	}
	if s, ok := r.StateValue(); ok {
		out.State = &s
	}
	return out
}

// DecodeFrame parses a binary frame into its JSON view.
func DecodeFrame(tick uint64, frame []byte) (FrameJSON, error) {
	recs, err := batch.Parse(frame)
	if err != nil {
		return FrameJSON{}, err
	}
	out := FrameJSON{
		Type:            TypeFrame,
		ProtocolVersion: Version,
		Tick:            tick,
		Count:           len(recs),
		Bytes:           len(frame),
		Records:         make([]RecordJSON, 0, len(recs)),
	}
	for _, r := range recs {
		out.Records = append(out.Records, RecordFromBatch(r))
	}
	return out, nil
}

func flagNames(f batch.Flags) []string {
	names := make([]string, 0, 4)
	if f.Has(batch.FlagPosition) {
		names = append(names, "POSITION")
	}
	if f.Has(batch.FlagRotation) {
		names = append(names, "ROTATION")
	}
	if f.Has(batch.FlagHealth) {
		names = append(names, "HEALTH")
	}
	if f.Has(batch.FlagState) {
		names = append(names, "STATE")
	}
	return names
}

// FrameSchema describes FrameJSON.
func FrameSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
	}
	schema := reflector.Reflect(new(FrameJSON))
	schema.Title = "Entity state frame"
	schema.Description = "Decoded view of one binary entity-state batch"
	return schema
}
