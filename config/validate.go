package config

import (
	"errors"
	"fmt"
)

var (
	// ErrZeroTimeMultiplier is returned when hourly density is enabled but simulated time does not advance.
	ErrZeroTimeMultiplier = errors.New("hourly traffic density requires a non-zero time_of_day_multiplier")
	// ErrInvalidConfig wraps every other validation failure.
	ErrInvalidConfig = errors.New("invalid traffic configuration")
)

// Validate checks a snapshot for values the simulation cannot run with.
func (c *Config) Validate() error {
	ai := &c.Ai

	if len(ai.HourlyTrafficDensity) > 0 {
		if len(ai.HourlyTrafficDensity) != 24 {
			return fmt.Errorf("%w: hourly_traffic_density needs 24 entries, got %d", ErrInvalidConfig, len(ai.HourlyTrafficDensity))
		}
		if ai.TimeOfDayMultiplier == 0 {
			return ErrZeroTimeMultiplier
		}
	}
	if ai.LaneWidth <= 0 {
		return fmt.Errorf("%w: lane_width must be positive", ErrInvalidConfig)
	}
	if ai.MaxSpeed <= 0 {
		return fmt.Errorf("%w: max_speed must be positive", ErrInvalidConfig)
	}
	if ai.DefaultAcceleration <= 0 || ai.DefaultDeceleration <= 0 {
		return fmt.Errorf("%w: default acceleration and deceleration must be positive", ErrInvalidConfig)
	}
	if ai.CorneringSpeedFactor <= 0 || ai.CorneringBrakeDistanceFactor < 0 || ai.CorneringBrakeForceFactor < 0 {
		return fmt.Errorf("%w: cornering factors out of range", ErrInvalidConfig)
	}
	if ai.MinAiSafetyDistance < 0 || ai.MinAiSafetyDistance > ai.MaxAiSafetyDistance {
		return fmt.Errorf("%w: min_ai_safety_distance > max_ai_safety_distance", ErrInvalidConfig)
	}
	for _, lc := range ai.LaneCountSafetyDistance {
		if lc.LaneCount <= 0 || lc.Min > lc.Max {
			return fmt.Errorf("%w: bad lane_count_safety_distance entry for %d lanes", ErrInvalidConfig, lc.LaneCount)
		}
	}
	if ai.MinSpawnProtectionTime > ai.MaxSpawnProtectionTime {
		return fmt.Errorf("%w: min_spawn_protection_time > max_spawn_protection_time", ErrInvalidConfig)
	}
	if ai.MinCollisionStopTime > ai.MaxCollisionStopTime {
		return fmt.Errorf("%w: min_collision_stop_time > max_collision_stop_time", ErrInvalidConfig)
	}
	if ai.MinSpawnDistancePoints < 0 || ai.MinSpawnDistancePoints > ai.MaxSpawnDistancePoints {
		return fmt.Errorf("%w: spawn distance points out of order", ErrInvalidConfig)
	}
	if ai.MaxOverbooking < 0 || ai.MaxSpawnAttemptsPerTick < 0 {
		return fmt.Errorf("%w: negative max_overbooking or max_spawn_attempts_per_tick", ErrInvalidConfig)
	}
	if ai.OutsideNetworkBubbleRefreshRate < 0 {
		return fmt.Errorf("%w: outside_network_bubble_refresh_rate must not be negative", ErrInvalidConfig)
	}
	for i, car := range c.EntryList {
		switch car.AiMode {
		case "", AiModeNone, AiModeAuto, AiModeFixed:
		default:
			return fmt.Errorf("%w: entry_list[%d] has unknown ai mode %q", ErrInvalidConfig, i, car.AiMode)
		}
	}
	for i := range ai.CarSpecificOverrides {
		if err := ai.CarSpecificOverrides[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

// validate rejects override values that would leave a merged slot unable to drive.
func (o *CarOverride) validate() error {
	bad := func(field string) error {
		return fmt.Errorf("%w: override for %s has invalid %s", ErrInvalidConfig, o.Model, field)
	}
	positive := func(v *float32) bool { return v == nil || *v > 0 }
	nonNegative := func(v *float32) bool { return v == nil || *v >= 0 }

	switch {
	case !positive(o.Acceleration):
		return bad("acceleration")
	case !positive(o.Deceleration):
		return bad("deceleration")
	case !positive(o.CorneringSpeedFactor):
		return bad("cornering_speed_factor")
	case !nonNegative(o.CorneringBrakeDistanceFactor):
		return bad("cornering_brake_distance_factor")
	case !nonNegative(o.CorneringBrakeForceFactor):
		return bad("cornering_brake_force_factor")
	case !positive(o.TyreDiameter):
		return bad("tyre_diameter")
	case !nonNegative(o.MinSafetyDistance), !nonNegative(o.MaxSafetyDistance):
		return bad("safety distance")
	case o.MinSafetyDistance != nil && o.MaxSafetyDistance != nil && *o.MinSafetyDistance > *o.MaxSafetyDistance:
		return bad("safety distance order")
	case o.EngineIdleRpm != nil && *o.EngineIdleRpm <= 0, o.EngineMaxRpm != nil && *o.EngineMaxRpm <= 0:
		return bad("engine rpm")
	case o.AllowedLanes != nil && *o.AllowedLanes < 0:
		return bad("allowed_lanes")
	case o.MaxOverbooking != nil && *o.MaxOverbooking < 0:
		return bad("max_overbooking")
	}
	if o.LaneSide != nil {
		switch *o.LaneSide {
		case LaneSideAny, LaneSideLeft, LaneSideRight:
		default:
			return fmt.Errorf("%w: override for %s has unknown lane_side %q", ErrInvalidConfig, o.Model, *o.LaneSide)
		}
	}
	return nil
}
