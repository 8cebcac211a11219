// Package demo is a small deterministic simulation used to drive the batch
// pipeline when no real world is attached.
package demo

import (
	"fmt"
	"math"
	"math/rand"

	"tickbatch.ai/internal/sim/batch"
	"tickbatch.ai/internal/sim/loop"
)

const (
	StateIdle = iota
	StateMoving
	StateHurt
	StateDead
)

const (
	boundary   = 500.0
	maxHP      = 100
	hurtPeriod = 20
	respawnTTL = 40
)

type Entity struct {
	ID    string
	Pos   batch.Vec3
	Yaw   float64
	HP    int
	MaxHP int
	State int

	deadUntil uint64
}

type World struct {
	ents           []Entity
	rng            *rand.Rand
	activePermille int
}

func New(n int, seed int64, activePermille int) *World {
	w := &World{
		ents:           make([]Entity, n),
		rng:            rand.New(rand.NewSource(seed)),
		activePermille: activePermille,
	}
	for i := range w.ents {
		w.ents[i] = Entity{
			ID:    fmt.Sprintf("ent_%d", i),
			Pos:   batch.Vec3{X: w.coord(), Z: w.coord()},
			Yaw:   w.rng.Float64() * 2 * math.Pi,
			HP:    maxHP,
			MaxHP: maxHP,
		}
	}
	return w
}

func (w *World) Entities() []Entity { return w.ents }

// Step advances every entity and queues what changed. On tick 1 every
// entity is queued in full.
func (w *World) Step(tick uint64, q loop.Queuer) {
	for i := range w.ents {
		e := &w.ents[i]
		if tick == 1 {
			q.QueueTransform(e.ID, e.Pos, yawQuat(e.Yaw))
			q.QueueHealth(e.ID, e.HP, e.MaxHP)
			q.QueueState(e.ID, e.State)
			continue
		}
		w.stepEntity(tick, i, e, q)
	}
}

func (w *World) stepEntity(tick uint64, i int, e *Entity, q loop.Queuer) {
	if e.State == StateDead {
		if tick < e.deadUntil {
			return
		}
		e.HP = e.MaxHP
		e.Pos = batch.Vec3{X: w.coord(), Z: w.coord()}
		w.setState(e, StateIdle, q)
		q.QueueHealth(e.ID, e.HP, e.MaxHP)
		q.QueuePosition(e.ID, e.Pos.X, e.Pos.Y, e.Pos.Z)
		return
	}

	if w.rng.Intn(1000) < w.activePermille {
		e.Yaw = math.Mod(e.Yaw+(w.rng.Float64()-0.5)*0.6+2*math.Pi, 2*math.Pi)
		step := 1 + w.rng.Float64()*2
		e.Pos.X = clamp(e.Pos.X+math.Cos(e.Yaw)*step, -boundary, boundary)
		e.Pos.Z = clamp(e.Pos.Z+math.Sin(e.Yaw)*step, -boundary, boundary)
		q.QueueTransform(e.ID, e.Pos, yawQuat(e.Yaw))
		w.setState(e, StateMoving, q)
	} else if e.State == StateMoving {
		w.setState(e, StateIdle, q)
	}

	if (tick+uint64(i))%hurtPeriod == 0 {
		dmg := w.rng.Intn(30)
		e.HP -= dmg
		if e.HP <= 0 {
			e.HP = 0
			e.deadUntil = tick + respawnTTL
			w.setState(e, StateDead, q)
		} else if dmg > 0 {
			w.setState(e, StateHurt, q)
		}
		q.QueueHealth(e.ID, e.HP, e.MaxHP)
	}
}

func (w *World) setState(e *Entity, s int, q loop.Queuer) {
	if e.State == s {
		return
	}
	e.State = s
	q.QueueState(e.ID, s)
}

func (w *World) coord() float64 {
	return (w.rng.Float64()*2 - 1) * boundary
}

// yawQuat is a rotation about +Y.
func yawQuat(yaw float64) batch.Quat {
	s, c := math.Sincos(yaw / 2)
	return batch.Quat{Y: s, W: c}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
