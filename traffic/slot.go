package traffic

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"racesim-server/config"
)

type cachedState struct {
	state        *State
	spawnCounter uint32
	color        uint32
}

// Slot is one network-visible car. An AI-controlled slot owns any number of
// states; each observer is shown the one that suits it best.
type Slot struct {
	ID    uint8
	Model string
	Skin  string
	Name  string
	Mode  string

	AIControlled bool
	occupied     bool
	draining     bool

	w        *Env
	newState StateFactory
	params   config.SlotParams
	target   int
	states   []*State

	observerCache     map[uint8]cachedState
	lastSent          map[uint8]time.Time
	pendingDisconnect bool
}

// SlotFactory creates the slot for one entry-list car.
type SlotFactory func(id uint8, car config.EntryCar, w *Env, newState StateFactory) *Slot

// NewSlot is the default SlotFactory.
func NewSlot(id uint8, car config.EntryCar, w *Env, newState StateFactory) *Slot {
	mode := car.AiMode
	if mode == "" {
		mode = config.AiModeNone
	}
	s := &Slot{
		ID:            id,
		Model:         car.Model,
		Skin:          car.Skin,
		Mode:          mode,
		AIControlled:  mode != config.AiModeNone,
		w:             w,
		newState:      newState,
		observerCache: make(map[uint8]cachedState),
		lastSent:      make(map[uint8]time.Time),
	}
	s.ApplyConfig(w.cfg)
	return s
}

// ApplyConfig merges the global AI parameters with the override for the slot's model.
func (s *Slot) ApplyConfig(cfg *config.Config) {
	s.params = cfg.SlotParams(s.Model)
	s.Name = fmt.Sprintf("%s %d", cfg.Ai.NamePrefix, s.ID)
	if s.target > s.params.MaxOverbooking {
		s.SetOverbooking(s.target)
	}
}

// Occupied reports whether a human holds the slot.
func (s *Slot) Occupied() bool { return s.occupied }

// Draining reports whether the slot is handing over from AI to a human.
func (s *Slot) Draining() bool { return s.draining }

func (s *Slot) Params() config.SlotParams { return s.params }

// Target is the clamped number of states the slot maintains.
func (s *Slot) Target() int { return s.target }

// States returns the owned states. The slice must not be modified.
func (s *Slot) States() []*State { return s.states }

// SetOverbooking sets the number of states the slot maintains, clamped to
// [0, MaxOverbooking]. Unplaced states above the new target are disposed at once,
// placed ones are despawned gracefully.
func (s *Slot) SetOverbooking(n int) int {
	n = max(0, min(n, s.params.MaxOverbooking))
	s.target = n
	for len(s.states) < n {
		s.states = append(s.states, s.newState(s))
	}
	s.disposeExcess()
	for i := 0; i < n && i < len(s.states); i++ {
		s.states[i].resume()
	}
	for i := n; i < len(s.states); i++ {
		s.states[i].MarkDespawning(s.w.now)
	}
	return n
}

// CanSpawnState reports whether state may be placed at point. A state beyond the
// target count is disposed instead.
func (s *Slot) CanSpawnState(point int32, state *State) bool {
	i := s.indexOf(state)
	if i < 0 {
		return false
	}
	if i >= s.target {
		s.remove(i)
		return false
	}
	minSep := s.w.cfg.Ai.MinStateDistance
	pos := s.w.index.Position(point)
	for _, other := range s.states {
		if other == state || !other.Initialized() {
			continue
		}
		if other.Position().DistanceSquared(pos) < minSep*minSep {
			return false
		}
	}
	return true
}

// disposeExcess drops uninitialized states beyond the target.
func (s *Slot) disposeExcess() int {
	n := 0
	for i := len(s.states) - 1; i >= s.target; i-- {
		if !s.states[i].Initialized() {
			s.remove(i)
			n++
		}
	}
	return n
}

func (s *Slot) remove(i int) {
	st := s.states[i]
	st.Dispose()
	s.states = append(s.states[:i], s.states[i+1:]...)
	for id, c := range s.observerCache {
		if c.state == st {
			delete(s.observerCache, id)
		}
	}
	if len(s.states) == 0 {
		s.pendingDisconnect = true
		s.w.log.Debug("Slot: emptied", zap.Uint8("slot", s.ID))
	}
}

func (s *Slot) indexOf(state *State) int {
	for i, st := range s.states {
		if st == state {
			return i
		}
	}
	return -1
}

// RemoveUnsafeStates despawns one of every pair of states closer than the minimum
// separation. Without two-way traffic only same-direction pairs count. Spawn
// protected states are never removed; when neither is protected the later one goes.
func (s *Slot) RemoveUnsafeStates() int {
	ai := &s.w.cfg.Ai
	minSepSq := ai.MinStateDistance * ai.MinStateDistance
	now := s.w.now
	removed := 0
	for i := 0; i < len(s.states); i++ {
		a := s.states[i]
		if !a.Initialized() {
			continue
		}
		for j := i + 1; j < len(s.states); j++ {
			b := s.states[j]
			if !b.Initialized() {
				continue
			}
			if a.Position().DistanceSquared(b.Position()) >= minSepSq {
				continue
			}
			if !ai.TwoWayTraffic && !s.w.index.IsSameDirection(a.CurrentPoint, b.CurrentPoint) {
				continue
			}
			aProt, bProt := a.Protected(now), b.Protected(now)
			if aProt && bProt {
				continue
			}
			victim := b
			if bProt {
				victim = a
			}
			victim.Despawn()
			removed++
			if victim == a {
				break
			}
		}
	}
	return removed
}

// BestStateFor picks the state observer should see. With two-way traffic it is the
// nearest one. Otherwise, when the best so far and a candidate are both within the
// minimum separation of a moving observer, a same-direction state wins over an
// oncoming one.
func (s *Slot) BestStateFor(observer Observer) *State {
	ai := &s.w.cfg.Ai
	minSepSq := ai.MinStateDistance * ai.MinStateDistance
	playerFast := observer.Velocity.LengthSquared() > minObserverSpeedSq

	var best *State
	minDist := float32(math.Inf(1))
	bestSame := false
	for _, st := range s.states {
		if !st.Initialized() {
			continue
		}
		dist := st.Position().DistanceSquared(observer.Position)
		if ai.TwoWayTraffic {
			if dist < minDist {
				best, minDist = st, dist
			}
			continue
		}
		same := st.Forward().Dot(observer.Velocity) > 0
		tieBreak := minDist < minSepSq && dist < minSepSq && playerFast
		if (!tieBreak && dist < minDist) || (tieBreak && !bestSame && same) {
			best, minDist, bestSame = st, dist, same
		}
	}
	return best
}

// IsPositionSafe reports whether no state of the slot travelling in the same
// direction is within its safety distance of point.
func (s *Slot) IsPositionSafe(point int32) bool {
	idx := s.w.index
	pos := idx.Position(point)
	for _, st := range s.states {
		if !st.Initialized() {
			continue
		}
		if st.Position().DistanceSquared(pos) < st.SafetyDistanceSquared &&
			idx.IsSameDirection(st.CurrentPoint, point) {
			return false
		}
	}
	return true
}

// forgetObserver clears the per-observer bookkeeping.
func (s *Slot) forgetObserver(id uint8) {
	delete(s.observerCache, id)
	delete(s.lastSent, id)
}
