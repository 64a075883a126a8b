package traffic

import (
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"racesim-server/config"
	"racesim-server/spline"
)

const (
	gravity            = 9.81
	kmhToMs            = 1 / 3.6
	stoppedSpeed       = 0.5 // m/s
	minObserverSpeedSq = 1.0 // (m/s)², below this an observer counts as standing
)

// Env is the shared, tick-scoped environment of slots and states.
type Env struct {
	index *spline.Index
	cfg   *config.Config
	rng   *rand.Rand
	log   *zap.Logger
	now   time.Time
}

// Frame carries one tick's inputs to State.Update and State.DetectObstacles.
type Frame struct {
	Now     time.Time
	DT      float32 // seconds
	Players []Observer
	States  []*State
}

func (w *Env) randDuration(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(w.rng.Int64N(int64(hi-lo)+1))
}

func (w *Env) randRange(lo, hi float32) float32 {
	return lo + (hi-lo)*w.rng.Float32()
}

func clampf(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
