package traffic

import (
	"time"

	"go.uber.org/zap"

	"racesim-server/config"
)

// spawn places uninitialized states of AI slots. The number of spawn-point searches
// per tick is bounded by MaxSpawnAttemptsPerTick across all slots.
func (s *Scheduler) spawn(now time.Time, cfg *config.Config, observers, active []Observer) {
	if s.env.index.PointCount() == 0 {
		return
	}
	budget := cfg.Ai.MaxSpawnAttemptsPerTick
	for _, slot := range s.slots {
		if !slot.AIControlled || slot.draining {
			continue
		}
		s.scratch = append(s.scratch[:0], slot.states...)
		for _, st := range s.scratch {
			if st.phase != PhaseUninitialized {
				continue
			}
			if budget <= 0 {
				return
			}
			budget--
			s.guard("spawn", slot.ID, noObserver, func() {
				point, ok := s.findSpawnPoint(slot, cfg, observers, active)
				if !ok || !slot.CanSpawnState(point, st) {
					return
				}
				if st.Teleport(point, now) {
					s.cur.Spawns++
					s.log.Debug("Traffic: state spawned",
						zap.Uint8("slot", slot.ID), zap.String("state", st.ID.String()),
						zap.Int32("point", point), zap.Uint32("spawn_counter", st.SpawnCounter))
				}
			})
		}
	}
}

// findSpawnPoint walks a random distance ahead of a random active player (or from a
// random point when nobody is active) and picks a lane the slot may use.
func (s *Scheduler) findSpawnPoint(slot *Slot, cfg *config.Config, observers, active []Observer) (int32, bool) {
	idx := s.env.index
	rng := s.env.rng
	ai := &cfg.Ai

	var start int32
	backward := false
	if len(active) == 0 {
		start = int32(rng.IntN(idx.PointCount()))
	} else {
		p := active[rng.IntN(len(active))]
		start, _ = idx.Nearest(p.Position)
		if start < 0 {
			return -1, false
		}
		if ai.WrongWayTraffic && idx.ForwardVector(start).Dot(p.Velocity) < 0 {
			backward = true
		}
	}

	steps := ai.MinSpawnDistancePoints
	if span := ai.MaxSpawnDistancePoints - ai.MinSpawnDistancePoints; span > 0 {
		steps += rng.IntN(span + 1)
	}
	id := start
	for i := 0; i < steps; i++ {
		p, _ := idx.Point(id)
		next := p.NextID
		if backward {
			next = p.PreviousID
		}
		if next < 0 {
			return -1, false
		}
		id = next
	}

	lanes := s.allowedLanes(slot, id, ai.TwoWayTraffic)
	if len(lanes) == 0 {
		return -1, false
	}
	point := lanes[rng.IntN(len(lanes))]
	pos := idx.Position(point)

	minDist := ai.MinSpawnProtectionDistance
	for _, o := range observers {
		if o.Position.DistanceSquared(pos) < minDist*minDist {
			return -1, false
		}
	}
	if len(active) > 0 && !anyWithin(pos, active, ai.PlayerRadius*ai.PlayerRadius) {
		return -1, false
	}
	for _, other := range s.slots {
		if !other.IsPositionSafe(point) {
			return -1, false
		}
	}
	return point, true
}

// allowedLanes filters the lane group of ref by the slot's lane restrictions.
// AllowedLanes counts lanes from the configured side (right when any). Oncoming
// lanes are only offered with two-way traffic and are counted from their own side.
func (s *Scheduler) allowedLanes(slot *Slot, ref int32, twoWay bool) []int32 {
	idx := s.env.index
	var same, oncoming []int32
	for _, id := range idx.LanesFor(ref) {
		if idx.IsSameDirection(id, ref) {
			same = append(same, id)
		} else if twoWay {
			oncoming = append(oncoming, id)
		}
	}
	// Oncoming lanes are listed right-to-left from their driver's view.
	for i, j := 0, len(oncoming)-1; i < j; i, j = i+1, j-1 {
		oncoming[i], oncoming[j] = oncoming[j], oncoming[i]
	}
	p := slot.params
	return append(restrictLanes(same, p.AllowedLanes, p.LaneSide), restrictLanes(oncoming, p.AllowedLanes, p.LaneSide)...)
}

// restrictLanes keeps n lanes from one side of a left-to-right list. n <= 0 keeps all.
func restrictLanes(lanes []int32, n int, side string) []int32 {
	if n <= 0 || n >= len(lanes) {
		return lanes
	}
	if side == config.LaneSideLeft {
		return lanes[:n]
	}
	return lanes[len(lanes)-n:]
}
