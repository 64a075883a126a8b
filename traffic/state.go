package traffic

import (
	"math"
	"time"

	"github.com/google/uuid"

	"racesim-server/spline"
)

// Phase is the lifecycle position of a State.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseSpawned
	PhaseDespawning
	PhaseDisposed
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseSpawned:
		return "spawned"
	case PhaseDespawning:
		return "despawning"
	case PhaseDisposed:
		return "disposed"
	}
	return "unknown"
}

const (
	gearCount          = 6
	minLookahead       = 30 // meters
	maxLookaheadPoints = 200
	maxAdvanceSteps    = 1000
)

// State is one simulated vehicle moving along the spline. A State belongs to
// exactly one Slot and is only touched by the scheduler goroutine.
type State struct {
	ID   uuid.UUID
	slot *Slot
	w    *Env

	phase         Phase
	CurrentPoint  int32
	NextPoint     int32
	progress      float32 // meters travelled on the current segment
	segmentLength float32

	status        PositionUpdate
	currentSpeed  float32 // m/s
	targetSpeed   float32
	maxSpeed      float32
	laneOffset    float32
	variance      float32
	obstacleSpeed float32 // negative when nothing is ahead
	accelerating  bool

	// SafetyDistanceSquared grows with speed between the configured min and max.
	SafetyDistanceSquared float32

	spawnProtectionEnds time.Time
	collisionStopEnds   time.Time
	ignoreObstaclesEnds time.Time
	stoppedSince        time.Time
	despawningSince     time.Time

	// SpawnCounter changes whenever the state is placed somewhere new.
	SpawnCounter uint32
	Color        uint32

	pendingJunction    int32
	pendingTaken       bool
	indicator          uint32
	indicatorRemaining float32
	sequence           uint8
}

// StateFactory creates the states of a slot.
type StateFactory func(slot *Slot) *State

// NewState is the default StateFactory.
func NewState(slot *Slot) *State {
	return &State{
		ID:              uuid.New(),
		slot:            slot,
		w:               slot.w,
		CurrentPoint:    -1,
		NextPoint:       -1,
		obstacleSpeed:   -1,
		pendingJunction: -1,
	}
}

func (s *State) Phase() Phase { return s.phase }

func (s *State) Slot() *Slot { return s.slot }

// Initialized reports whether the state occupies a place on the spline.
func (s *State) Initialized() bool {
	return s.phase == PhaseSpawned || s.phase == PhaseDespawning
}

func (s *State) Position() spline.Vec3 { return s.status.Position }

func (s *State) Velocity() spline.Vec3 { return s.status.Velocity }

// Speed is the current speed in m/s.
func (s *State) Speed() float32 { return s.currentSpeed }

func (s *State) Status() PositionUpdate { return s.status }

// Forward returns the direction of the current spline segment.
func (s *State) Forward() spline.Vec3 {
	if s.NextPoint < 0 {
		return s.w.index.ForwardVector(s.CurrentPoint)
	}
	return s.w.index.Position(s.NextPoint).Sub(s.w.index.Position(s.CurrentPoint))
}

// Protected reports whether the spawn-protection window is still open.
func (s *State) Protected(now time.Time) bool {
	return now.Before(s.spawnProtectionEnds)
}

// CollisionStopped reports whether a collision stop is in effect.
func (s *State) CollisionStopped(now time.Time) bool {
	return now.Before(s.collisionStopEnds)
}

// Teleport places the state at point. It returns false for disposed states and
// invalid points.
func (s *State) Teleport(point int32, now time.Time) bool {
	if s.phase == PhaseDisposed {
		return false
	}
	idx := s.w.index
	if _, ok := idx.Point(point); !ok {
		return false
	}
	ai := &s.w.cfg.Ai

	s.phase = PhaseSpawned
	s.CurrentPoint = point
	s.pendingJunction = -1
	s.indicator = 0
	s.indicatorRemaining = 0
	s.setSegment(point, s.chooseNext(point))
	s.SpawnCounter++

	s.spawnProtectionEnds = now.Add(s.w.randDuration(ai.MinSpawnProtectionTime, ai.MaxSpawnProtectionTime))
	s.collisionStopEnds = time.Time{}
	s.ignoreObstaclesEnds = time.Time{}
	s.stoppedSince = time.Time{}
	s.despawningSince = time.Time{}

	s.variance = s.w.randRange(-ai.MaxSpeedVariation, ai.MaxSpeedVariation)
	s.laneOffset = float32(s.laneIndex(point)) * ai.RightLaneOffset * kmhToMs
	s.maxSpeed = (ai.MaxSpeed*kmhToMs + s.laneOffset) * (1 + s.variance)
	s.currentSpeed = s.maxSpeed
	s.targetSpeed = s.maxSpeed
	s.obstacleSpeed = -1
	s.Color = s.w.rng.Uint32() | 0xFF000000

	s.updateKinematics()
	s.updateSafetyDistance()
	return true
}

// laneIndex counts the same-direction lanes left of point.
func (s *State) laneIndex(point int32) int {
	n := 0
	for _, id := range s.w.index.LanesFor(point) {
		if id == point {
			return n
		}
		if s.w.index.IsSameDirection(id, point) {
			n++
		}
	}
	return 0
}

// MarkDespawning starts a graceful despawn.
func (s *State) MarkDespawning(now time.Time) {
	if s.phase == PhaseSpawned {
		s.phase = PhaseDespawning
		s.despawningSince = now
	}
}

// resume cancels a graceful despawn.
func (s *State) resume() {
	if s.phase == PhaseDespawning {
		s.phase = PhaseSpawned
		s.despawningSince = time.Time{}
	}
}

// Despawn removes the state from the spline. It may be placed again later.
func (s *State) Despawn() {
	if !s.Initialized() {
		return
	}
	s.phase = PhaseUninitialized
	s.currentSpeed = 0
	s.targetSpeed = 0
	s.obstacleSpeed = -1
	s.indicator = 0
	s.pendingJunction = -1
}

// Dispose retires the state for good.
func (s *State) Dispose() {
	s.phase = PhaseDisposed
	s.currentSpeed = 0
	s.slot = nil
}

// Update advances the state by one tick.
func (s *State) Update(f *Frame) {
	if !s.Initialized() {
		return
	}
	if s.NextPoint < 0 {
		s.Despawn()
		return
	}
	p := &s.slot.params
	ai := &s.w.cfg.Ai

	target := s.maxSpeed
	if c := s.corneringLimit(); c < target {
		target = c
	}
	if s.obstacleSpeed >= 0 && s.obstacleSpeed < target {
		target = s.obstacleSpeed
	}
	if s.CollisionStopped(f.Now) {
		target = 0
	}
	s.targetSpeed = target

	if s.currentSpeed < target {
		s.currentSpeed = min(target, s.currentSpeed+p.Acceleration*f.DT)
		s.accelerating = true
	} else {
		s.currentSpeed = max(target, s.currentSpeed-p.Deceleration*f.DT)
		s.accelerating = false
	}
	if s.currentSpeed < 0 {
		s.currentSpeed = 0
	}

	if s.currentSpeed < stoppedSpeed {
		switch {
		case s.stoppedSince.IsZero():
			s.stoppedSince = f.Now
		case ai.IgnoreObstaclesAfter > 0 && f.Now.Sub(s.stoppedSince) > ai.IgnoreObstaclesAfter:
			s.ignoreObstaclesEnds = f.Now.Add(ai.IgnoreObstaclesDuration)
			s.stoppedSince = time.Time{}
		}
	} else {
		s.stoppedSince = time.Time{}
	}

	moved := s.currentSpeed * f.DT
	s.advance(moved)
	if !s.Initialized() {
		return
	}
	if s.indicatorRemaining -= moved; s.indicatorRemaining <= 0 {
		s.indicator = 0
	}
	s.updateKinematics()
	s.updateSafetyDistance()
}

// advance moves dist meters forward, following junction decisions. Running off
// a terminal point despawns the state.
func (s *State) advance(dist float32) {
	for i := 0; dist > 0 && i < maxAdvanceSteps; i++ {
		if s.NextPoint < 0 {
			s.Despawn()
			return
		}
		remaining := s.segmentLength - s.progress
		if dist < remaining {
			s.progress += dist
			return
		}
		dist -= remaining
		s.CurrentPoint = s.NextPoint
		s.setSegment(s.CurrentPoint, s.chooseNext(s.CurrentPoint))
	}
	if s.NextPoint < 0 {
		s.Despawn()
	}
}

func (s *State) setSegment(cur, next int32) {
	s.CurrentPoint = cur
	s.NextPoint = next
	s.progress = 0
	s.segmentLength = 0
	if next >= 0 {
		s.segmentLength = s.w.index.Position(next).Sub(s.w.index.Position(cur)).Length()
	}
}

// chooseNext returns the successor of point, resolving a junction that starts there.
func (s *State) chooseNext(point int32) int32 {
	p, ok := s.w.index.Point(point)
	if !ok {
		return -1
	}
	if p.JunctionStartID < 0 {
		return p.NextID
	}
	j, _ := s.w.index.Junction(p.JunctionStartID)
	var taken bool
	if s.pendingJunction == j.ID {
		taken = s.pendingTaken
	} else {
		taken = s.w.rng.Float32() < j.Probability
		s.signal(j, taken, 0)
	}
	s.pendingJunction = -1
	if taken {
		return j.EndID
	}
	return p.NextID
}

func (s *State) signal(j spline.Junction, taken bool, ahead float32) {
	indicate := j.IndicateWhenNotTaken
	if taken {
		indicate = j.IndicateWhenTaken
	}
	s.indicator = indicatorFlag(indicate)
	s.indicatorRemaining = ahead + j.IndicateDistancePost
}

// corneringLimit is the highest speed from which every corner within braking range
// can still be taken at v = sqrt(r * g * corneringSpeedFactor).
func (s *State) corneringLimit() float32 {
	idx := s.w.index
	p := &s.slot.params
	decel := p.Deceleration * p.CorneringBrakeForceFactor
	if decel <= 0 {
		decel = p.Deceleration
	}
	v := s.currentSpeed
	horizon := v*v/(2*decel)*p.CorneringBrakeDistanceFactor + minLookahead

	limit := float32(math.MaxFloat32)
	cornerSpeed := func(radius, dist float32) {
		vmax2 := radius * gravity * p.CorneringSpeedFactor
		allowed := float32(math.Sqrt(float64(vmax2 + 2*decel*dist)))
		limit = min(limit, allowed)
	}

	if cur, ok := idx.Point(s.CurrentPoint); ok {
		cornerSpeed(cur.Radius, 0)
	}
	dist := s.segmentLength - s.progress
	id := s.NextPoint
	for steps := 0; id >= 0 && dist <= horizon && steps < maxLookaheadPoints; steps++ {
		pt, ok := idx.Point(id)
		if !ok {
			break
		}
		cornerSpeed(pt.Radius, dist)

		next := pt.NextID
		if pt.JunctionStartID >= 0 {
			j, _ := idx.Junction(pt.JunctionStartID)
			if s.pendingJunction < 0 && dist <= j.IndicateDistancePre {
				s.pendingJunction = j.ID
				s.pendingTaken = s.w.rng.Float32() < j.Probability
				s.signal(j, s.pendingTaken, dist)
			}
			if s.pendingJunction == j.ID && s.pendingTaken {
				next = j.EndID
			}
		}
		if next < 0 {
			break
		}
		dist += idx.Position(next).Sub(pt.Position).Length()
		id = next
	}
	return limit
}

func (s *State) updateKinematics() {
	idx := s.w.index
	p := &s.slot.params
	a := idx.Position(s.CurrentPoint)
	b := a
	if s.NextPoint >= 0 {
		b = idx.Position(s.NextPoint)
	}
	var t float32
	if s.segmentLength > 0 {
		t = clampf(s.progress/s.segmentLength, 0, 1)
	}
	fwd := b.Sub(a).Normalize()
	if fwd == (spline.Vec3{}) {
		fwd = idx.ForwardVector(s.CurrentPoint).Normalize()
	}

	st := &s.status
	st.Position = a.Lerp(b, t)
	st.Rotation = spline.Vec3{
		X: float32(math.Atan2(float64(fwd.X), float64(fwd.Z))),
		Y: float32(math.Asin(float64(clampf(fwd.Y, -1, 1)))),
		Z: idx.Camber(s.CurrentPoint, t),
	}
	st.Velocity = fwd.Scale(s.currentSpeed)

	omega := s.currentSpeed / (p.TyreDiameter / 2)
	wheel := uint8(clampf(omega, 0, 255))
	st.TyreAngularSpeed = [4]uint8{wheel, wheel, wheel, wheel}
	st.SteerAngle = 127
	st.WheelAngle = 127

	span := max(s.maxSpeed, 1) / gearCount
	gear := int(s.currentSpeed / span)
	gear = min(max(gear, 0), gearCount-1)
	ratio := clampf((s.currentSpeed-float32(gear)*span)/span, 0, 1)
	st.EngineRpm = uint16(float32(p.EngineIdleRpm) + float32(p.EngineMaxRpm-p.EngineIdleRpm)*ratio)
	st.Gear = uint8(gear + 2)

	st.Gas = 0
	if s.accelerating {
		st.Gas = 255
	}
	st.StatusFlag = StatusLightsOn | StatusHighBeamsOff | s.indicator
	if s.CollisionStopped(s.w.now) {
		st.StatusFlag |= StatusHazardsOn
	}
}

func (s *State) updateSafetyDistance() {
	cfg := s.w.cfg
	minD, maxD := cfg.SafetyDistance(s.slot.params, len(s.w.index.LanesFor(s.CurrentPoint)))
	ratio := float32(0)
	if top := cfg.Ai.MaxSpeed * kmhToMs; top > 0 {
		ratio = clampf(s.currentSpeed/top, 0, 1)
	}
	d := minD + (maxD-minD)*ratio
	s.SafetyDistanceSquared = d * d
}

// PositionUpdate renders the state for the wire as car slotID, echoing the
// receiving observer's latency.
func (s *State) PositionUpdate(slotID uint8, timestamp uint32, ping uint16) PositionUpdate {
	s.sequence++
	u := s.status
	u.SessionID = slotID
	u.PingUpdate = ping
	u.PakSequenceID = s.sequence
	u.Timestamp = timestamp
	return u
}
