package tuning

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"tickbatch.ai/internal/sim/batch"
)

type Tuning struct {
	TickRateHz int `yaml:"tick_rate_hz"`

	Batch BatchTuning `yaml:"batch"`
	Demo  DemoTuning  `yaml:"demo"`
	Net   NetTuning   `yaml:"net"`
	Store StoreTuning `yaml:"store"`
}

type BatchTuning struct {
	Cap            int    `yaml:"cap"`
	PoolSize       int    `yaml:"pool_size"`
	Prewarm        int    `yaml:"prewarm"`
	OverflowPolicy string `yaml:"overflow_policy"`
}

type DemoTuning struct {
	Entities int   `yaml:"entities"`
	Seed     int64 `yaml:"seed"`
	// Share of entities touched per tick, in permille.
	ActivePermille int `yaml:"active_permille"`
}

type NetTuning struct {
	WSListen       string `yaml:"ws_listen"`
	QUICListen     string `yaml:"quic_listen"`
	ObserverListen string `yaml:"observer_listen"`
	ClientQueue    int    `yaml:"client_queue"`
}

type StoreTuning struct {
	DataDir string `yaml:"data_dir"`
	TickLog bool   `yaml:"tick_log"`
	IndexDB bool   `yaml:"index_db"`
}

func Defaults() Tuning {
	return Tuning{
		TickRateHz: 20,
		Batch: BatchTuning{
			Cap:            batch.DefaultBatchCap,
			PoolSize:       1024,
			Prewarm:        batch.DefaultBatchCap,
			OverflowPolicy: "drop",
		},
		Demo: DemoTuning{
			Entities:       200,
			Seed:           1337,
			ActivePermille: 500,
		},
		Net: NetTuning{
			WSListen:       ":8080",
			ObserverListen: "127.0.0.1:8081",
			ClientQueue:    8,
		},
		Store: StoreTuning{
			DataDir: "./data",
			TickLog: true,
			IndexDB: true,
		},
	}
}

// Load reads path over Defaults. A missing file is an error; callers decide
// whether to fall back.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	if t.TickRateHz <= 0 {
		t.TickRateHz = 20
	}
	if t.Batch.Cap <= 0 {
		t.Batch.Cap = batch.DefaultBatchCap
	}
	if t.Batch.PoolSize < 0 {
		t.Batch.PoolSize = 0
	}
	if t.Batch.Prewarm > t.Batch.PoolSize {
		t.Batch.Prewarm = t.Batch.PoolSize
	}
	t.Batch.OverflowPolicy = strings.ToLower(strings.TrimSpace(t.Batch.OverflowPolicy))
	if t.Batch.OverflowPolicy == "" {
		t.Batch.OverflowPolicy = "drop"
	}
	if t.Demo.ActivePermille < 0 {
		t.Demo.ActivePermille = 0
	}
	if t.Demo.ActivePermille > 1000 {
		t.Demo.ActivePermille = 1000
	}
	if t.Net.ClientQueue <= 0 {
		t.Net.ClientQueue = 8
	}
	if t.Net.ClientQueue > 64 {
		t.Net.ClientQueue = 64
	}
}

func (t Tuning) Validate() error {
	if t.TickRateHz > 1000 {
		return fmt.Errorf("tick_rate_hz too high: %d", t.TickRateHz)
	}
	if t.Batch.Cap > batch.MaxBatchCap {
		return fmt.Errorf("batch.cap must be <= %d: %d", batch.MaxBatchCap, t.Batch.Cap)
	}
	if _, err := batch.ParseOverflow(t.Batch.OverflowPolicy); err != nil {
		return fmt.Errorf("batch.overflow_policy: %w", err)
	}
	if t.Demo.Entities < 0 {
		return fmt.Errorf("demo.entities must not be negative: %d", t.Demo.Entities)
	}
	return nil
}

// BatchConfig converts the batch section. Validate must have passed.
func (t Tuning) BatchConfig() batch.Config {
	ov, _ := batch.ParseOverflow(t.Batch.OverflowPolicy)
	return batch.Config{
		BatchCap: t.Batch.Cap,
		PoolSize: t.Batch.PoolSize,
		Prewarm:  t.Batch.Prewarm,
		Overflow: ov,
	}
}
