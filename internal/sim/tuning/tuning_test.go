package tuning

import (
	"os"
	"path/filepath"
	"testing"

	"tickbatch.ai/internal/sim/batch"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoad_OverridesDefaults(t *testing.T) {
	p := writeFile(t, `
tick_rate_hz: 30
batch:
  cap: 128
  overflow_policy: RETAIN
demo:
  entities: 10
`)
	tu, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tu.TickRateHz != 30 || tu.Batch.Cap != 128 || tu.Demo.Entities != 10 {
		t.Fatalf("unexpected tuning: %+v", tu)
	}
	if tu.Batch.PoolSize != 1024 {
		t.Fatalf("pool_size default lost: %d", tu.Batch.PoolSize)
	}
	cfg := tu.BatchConfig()
	if cfg.Overflow != batch.OverflowRetain || cfg.BatchCap != 128 {
		t.Fatalf("batch config: %+v", cfg)
	}
}

func TestLoad_RejectsBadPolicy(t *testing.T) {
	p := writeFile(t, "batch:\n  overflow_policy: random\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoad_RejectsOversizedCap(t *testing.T) {
	p := writeFile(t, "batch:\n  cap: 70000\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !os.IsNotExist(err) {
		t.Fatalf("err=%v want not-exist", err)
	}
}

func TestNormalize_Clamps(t *testing.T) {
	tu := Tuning{Batch: BatchTuning{PoolSize: 4, Prewarm: 10}, Net: NetTuning{ClientQueue: 1000}, Demo: DemoTuning{ActivePermille: 5000}}
	tu.Normalize()
	if tu.TickRateHz != 20 || tu.Batch.Cap != batch.DefaultBatchCap || tu.Batch.Prewarm != 4 {
		t.Fatalf("normalize: %+v", tu)
	}
	if tu.Net.ClientQueue != 64 || tu.Demo.ActivePermille != 1000 || tu.Batch.OverflowPolicy != "drop" {
		t.Fatalf("normalize: %+v", tu)
	}
}
