package config

// SlotParams are the fully merged physical parameters of one traffic slot.
type SlotParams struct {
	Acceleration                 float32
	Deceleration                 float32
	CorneringSpeedFactor         float32
	CorneringBrakeDistanceFactor float32
	CorneringBrakeForceFactor    float32
	EngineIdleRpm                int
	EngineMaxRpm                 int
	TyreDiameter                 float32
	AllowedLanes                 int // 0 allows every lane
	LaneSide                     string
	MinSafetyDistance            float32
	MaxSafetyDistance            float32
	MaxOverbooking               int
}

const (
	defaultEngineIdleRpm = 800
	defaultEngineMaxRpm  = 3000
	defaultTyreDiameter  = 0.65
)

// SlotParams merges the global AI parameters with the override matching model.
// The first override whose model matches wins.
func (c *Config) SlotParams(model string) SlotParams {
	ai := &c.Ai
	p := SlotParams{
		Acceleration:                 ai.DefaultAcceleration,
		Deceleration:                 ai.DefaultDeceleration,
		CorneringSpeedFactor:         ai.CorneringSpeedFactor,
		CorneringBrakeDistanceFactor: ai.CorneringBrakeDistanceFactor,
		CorneringBrakeForceFactor:    ai.CorneringBrakeForceFactor,
		EngineIdleRpm:                defaultEngineIdleRpm,
		EngineMaxRpm:                 defaultEngineMaxRpm,
		TyreDiameter:                 defaultTyreDiameter,
		LaneSide:                     LaneSideAny,
		MinSafetyDistance:            ai.MinAiSafetyDistance,
		MaxSafetyDistance:            ai.MaxAiSafetyDistance,
		MaxOverbooking:               ai.MaxOverbooking,
	}

	for i := range ai.CarSpecificOverrides {
		o := &ai.CarSpecificOverrides[i]
		if o.Model != model {
			continue
		}
		setF(&p.Acceleration, o.Acceleration)
		setF(&p.Deceleration, o.Deceleration)
		setF(&p.CorneringSpeedFactor, o.CorneringSpeedFactor)
		setF(&p.CorneringBrakeDistanceFactor, o.CorneringBrakeDistanceFactor)
		setF(&p.CorneringBrakeForceFactor, o.CorneringBrakeForceFactor)
		setI(&p.EngineIdleRpm, o.EngineIdleRpm)
		setI(&p.EngineMaxRpm, o.EngineMaxRpm)
		setF(&p.TyreDiameter, o.TyreDiameter)
		setI(&p.AllowedLanes, o.AllowedLanes)
		if o.LaneSide != nil && *o.LaneSide != "" {
			p.LaneSide = *o.LaneSide
		}
		setF(&p.MinSafetyDistance, o.MinSafetyDistance)
		setF(&p.MaxSafetyDistance, o.MaxSafetyDistance)
		setI(&p.MaxOverbooking, o.MaxOverbooking)
		break
	}

	if p.MaxSafetyDistance < p.MinSafetyDistance {
		p.MaxSafetyDistance = p.MinSafetyDistance
	}
	if p.EngineMaxRpm <= p.EngineIdleRpm {
		p.EngineMaxRpm = p.EngineIdleRpm + 1
	}
	if p.TyreDiameter <= 0 {
		p.TyreDiameter = defaultTyreDiameter
	}
	return p
}

// SafetyDistance returns the AI-to-AI safety distance bounds for a road with laneCount lanes.
func (c *Config) SafetyDistance(p SlotParams, laneCount int) (minDist, maxDist float32) {
	for _, lc := range c.Ai.LaneCountSafetyDistance {
		if lc.LaneCount == laneCount {
			return lc.Min, lc.Max
		}
	}
	return p.MinSafetyDistance, p.MaxSafetyDistance
}

func setF(dst *float32, v *float32) {
	if v != nil {
		*dst = *v
	}
}

func setI(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
