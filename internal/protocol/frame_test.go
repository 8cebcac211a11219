package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"tickbatch.ai/internal/sim/batch"
)

func TestDecodeFrame_OnlyFlaggedFields(t *testing.T) {
	b := batch.New(batch.DefaultConfig())
	b.QueuePosition("e1", 1, 2, 3)
	b.QueueState("e2", 0)
	frame, _ := b.Flush()

	fj, err := DecodeFrame(3, frame)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if fj.Count != 2 || fj.Tick != 3 || fj.Bytes != len(frame) {
		t.Fatalf("frame: %+v", fj)
	}
	raw, _ := json.Marshal(fj.Records[0])
	if strings.Contains(string(raw), "rotation") || strings.Contains(string(raw), "state") {
		t.Fatalf("unflagged fields leaked: %s", raw)
	}
	// State 0 is present because its flag is set.
	if fj.Records[1].State == nil || *fj.Records[1].State != 0 {
		t.Fatalf("state: %+v", fj.Records[1])
	}
	if len(fj.Records[1].Flags) != 1 || fj.Records[1].Flags[0] != "STATE" {
		t.Fatalf("flags: %v", fj.Records[1].Flags)
	}
}

func TestDecodeFrame_Truncated(t *testing.T) {
	if _, err := DecodeFrame(1, []byte{1}); err == nil {
		t.Fatalf("expected error")
	}
}
