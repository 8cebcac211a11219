package protocol_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"tickbatch.ai/internal/protocol"
	"tickbatch.ai/internal/sim/batch"
)

func compileFrameSchema(t *testing.T) *jsonschema.Schema {
	t.Helper()
	raw, err := json.Marshal(protocol.FrameSchema())
	if err != nil {
		t.Fatalf("marshal schema: %v", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("frame.schema.json", bytes.NewReader(raw)); err != nil {
		t.Fatalf("add resource: %v", err)
	}
	s, err := c.Compile("frame.schema.json")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return s
}

func TestSchemas_ValidateDecodedFrame(t *testing.T) {
	s := compileFrameSchema(t)

	b := batch.New(batch.DefaultConfig())
	b.QueueTransform("e1", batch.Vec3{X: 1, Y: 2, Z: 3}, batch.Quat{W: 1})
	b.QueueHealth("e2", 5, 10)
	b.QueueState("e2", 3)
	frame, _ := b.Flush()

	fj, err := protocol.DecodeFrame(7, frame)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	raw, _ := json.Marshal(fj)
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := s.Validate(v); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestSchemas_RejectsMissingEntityID(t *testing.T) {
	s := compileFrameSchema(t)
	var v any
	_ = json.Unmarshal([]byte(`{
	  "type":"FRAME",
	  "protocol_version":"1.0",
	  "tick":1,
	  "count":1,
	  "bytes":6,
	  "records":[{"flags":[]}]
	}`), &v)
	if err := s.Validate(v); err == nil {
		t.Fatalf("expected validation error")
	}
}
