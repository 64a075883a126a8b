package traffic

import (
	"math"

	"racesim-server/spline"
)

// collisionDistance is the gap below which an obstacle triggers a collision stop.
const collisionDistance = 4

// DetectObstacles looks for states and players ahead within braking range and
// limits the target speed of the next Update accordingly.
func (s *State) DetectObstacles(f *Frame) {
	s.obstacleSpeed = -1
	if !s.Initialized() || f.Now.Before(s.ignoreObstaclesEnds) {
		return
	}
	fwd := s.Forward().Normalize()
	if fwd == (spline.Vec3{}) {
		return
	}

	p := &s.slot.params
	safety := float32(math.Sqrt(float64(s.SafetyDistanceSquared)))
	v := s.currentSpeed
	horizon := v*v/(2*p.Deceleration) + safety
	halfLane := s.w.cfg.Ai.LaneWidth * 0.5
	pos := s.status.Position

	nearest := float32(math.MaxFloat32)
	var nearestSpeed float32
	consider := func(other, vel spline.Vec3) {
		d := other.Sub(pos)
		ahead := d.Dot(fwd)
		if ahead <= 0 || ahead > horizon {
			return
		}
		if d.Sub(fwd.Scale(ahead)).LengthSquared() > halfLane*halfLane {
			return
		}
		if ahead < nearest {
			nearest = ahead
			nearestSpeed = max(0, vel.Dot(fwd))
		}
	}
	for _, o := range f.States {
		if o == s || !o.Initialized() {
			continue
		}
		consider(o.status.Position, o.status.Velocity)
	}
	for _, pl := range f.Players {
		consider(pl.Position, pl.Velocity)
	}
	if nearest == math.MaxFloat32 {
		return
	}

	if nearest < collisionDistance {
		if !s.CollisionStopped(f.Now) {
			ai := &s.w.cfg.Ai
			s.collisionStopEnds = f.Now.Add(s.w.randDuration(ai.MinCollisionStopTime, ai.MaxCollisionStopTime))
		}
		s.obstacleSpeed = 0
		return
	}

	gap := nearest - safety
	if gap <= 0 {
		// Inside the safety distance: fall back behind the obstacle.
		s.obstacleSpeed = nearestSpeed * clampf(nearest/max(safety, 1), 0, 1) * 0.9
		return
	}
	s.obstacleSpeed = float32(math.Sqrt(float64(nearestSpeed*nearestSpeed + 2*p.Deceleration*gap)))
}
