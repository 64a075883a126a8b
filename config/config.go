package config

import (
	"time"
)

// Loop intervals
const (
	TRAFFIC_TICK_INTERVAL = 50 * time.Millisecond // Traffic simulation tick (20 frames per second)
	OVERBOOKING_INTERVAL  = 1 * time.Second       // Per-slot target count recomputation
	DENSITY_INTERVAL      = 5 * time.Second       // Hourly density re-evaluation
)

// AI modes of an entry-list car.
const (
	AiModeNone  = "none"  // human only
	AiModeAuto  = "auto"  // AI until a human takes the slot
	AiModeFixed = "fixed" // AI only, never admits humans
)

// Lane sides a slot may be restricted to.
const (
	LaneSideAny   = "any"
	LaneSideLeft  = "left"
	LaneSideRight = "right"
)

// Config is one immutable snapshot of the traffic configuration.
// Snapshots are never mutated after they are published to a Store.
type Config struct {
	Ai        AiParams   `mapstructure:"ai"`
	EntryList []EntryCar `mapstructure:"entry_list"`

	// Density is the effective traffic density, computed from Ai.TrafficDensity or
	// Ai.HourlyTrafficDensity by the density controller.
	Density float64 `mapstructure:"-"`
	// Version increases every time a new snapshot is published.
	Version uint64 `mapstructure:"-"`
}

// EntryCar is one network-visible vehicle slot.
type EntryCar struct {
	Model  string `mapstructure:"model"`
	Skin   string `mapstructure:"skin"`
	AiMode string `mapstructure:"ai"`
}

// AiParams holds the global AI traffic parameters.
type AiParams struct {
	TwoWayTraffic   bool    `mapstructure:"two_way_traffic"`
	WrongWayTraffic bool    `mapstructure:"wrong_way_traffic"`
	LaneWidth       float32 `mapstructure:"lane_width"`

	MaxSpeed          float32 `mapstructure:"max_speed"`         // km/h
	RightLaneOffset   float32 `mapstructure:"right_lane_offset"` // km/h per lane to the right
	MaxSpeedVariation float32 `mapstructure:"max_speed_variation"`

	DefaultAcceleration          float32 `mapstructure:"default_acceleration"` // m/s²
	DefaultDeceleration          float32 `mapstructure:"default_deceleration"` // m/s²
	CorneringSpeedFactor         float32 `mapstructure:"cornering_speed_factor"`
	CorneringBrakeDistanceFactor float32 `mapstructure:"cornering_brake_distance_factor"`
	CorneringBrakeForceFactor    float32 `mapstructure:"cornering_brake_force_factor"`

	MinAiSafetyDistance     float32                   `mapstructure:"min_ai_safety_distance"`
	MaxAiSafetyDistance     float32                   `mapstructure:"max_ai_safety_distance"`
	LaneCountSafetyDistance []LaneCountSafetyDistance `mapstructure:"lane_count_safety_distance"`
	MinStateDistance        float32                   `mapstructure:"min_state_distance"`

	MinSpawnProtectionTime  time.Duration `mapstructure:"min_spawn_protection_time"`
	MaxSpawnProtectionTime  time.Duration `mapstructure:"max_spawn_protection_time"`
	MinCollisionStopTime    time.Duration `mapstructure:"min_collision_stop_time"`
	MaxCollisionStopTime    time.Duration `mapstructure:"max_collision_stop_time"`
	IgnoreObstaclesAfter    time.Duration `mapstructure:"ignore_obstacles_after"`
	IgnoreObstaclesDuration time.Duration `mapstructure:"ignore_obstacles_duration"`
	DespawnGracePeriod      time.Duration `mapstructure:"despawn_grace_period"`

	PlayerRadius               float32       `mapstructure:"player_radius"`
	PlayerAfkTimeout           time.Duration `mapstructure:"player_afk_timeout"`
	MinSpawnDistancePoints     int           `mapstructure:"min_spawn_distance_points"`
	MaxSpawnDistancePoints     int           `mapstructure:"max_spawn_distance_points"`
	MinSpawnProtectionDistance float32       `mapstructure:"min_spawn_protection_distance"`
	MaxSpawnAttemptsPerTick    int           `mapstructure:"max_spawn_attempts_per_tick"`

	NetworkBubbleDistance           float32 `mapstructure:"network_bubble_distance"`
	OutsideNetworkBubbleRefreshRate float32 `mapstructure:"outside_network_bubble_refresh_rate"` // Hz

	TrafficDensity         float64   `mapstructure:"traffic_density"`
	HourlyTrafficDensity   []float64 `mapstructure:"hourly_traffic_density"`
	TimeOfDayMultiplier    float64   `mapstructure:"time_of_day_multiplier"`
	StartHour              float64   `mapstructure:"start_hour"`
	AiPerPlayerTargetCount int       `mapstructure:"ai_per_player_target_count"`
	MaxAiTargetCount       int       `mapstructure:"max_ai_target_count"`
	MaxOverbooking         int       `mapstructure:"max_overbooking"`
	MaxPlayerCount         int       `mapstructure:"max_player_count"` // soft cap, 0 disables

	NamePrefix string `mapstructure:"name_prefix"`
	Debug      bool   `mapstructure:"debug"`

	CarSpecificOverrides []CarOverride `mapstructure:"car_specific_overrides"`
}

// LaneCountSafetyDistance overrides the AI-to-AI safety distance on roads with a given lane count.
type LaneCountSafetyDistance struct {
	LaneCount int     `mapstructure:"lane_count"`
	Min       float32 `mapstructure:"min"`
	Max       float32 `mapstructure:"max"`
}

// CarOverride holds optional per-model parameters. Nil fields fall back to the global values.
type CarOverride struct {
	Model                        string   `mapstructure:"model"`
	Acceleration                 *float32 `mapstructure:"acceleration"`
	Deceleration                 *float32 `mapstructure:"deceleration"`
	CorneringSpeedFactor         *float32 `mapstructure:"cornering_speed_factor"`
	CorneringBrakeDistanceFactor *float32 `mapstructure:"cornering_brake_distance_factor"`
	CorneringBrakeForceFactor    *float32 `mapstructure:"cornering_brake_force_factor"`
	EngineIdleRpm                *int     `mapstructure:"engine_idle_rpm"`
	EngineMaxRpm                 *int     `mapstructure:"engine_max_rpm"`
	TyreDiameter                 *float32 `mapstructure:"tyre_diameter"`
	AllowedLanes                 *int     `mapstructure:"allowed_lanes"`
	LaneSide                     *string  `mapstructure:"lane_side"`
	MinSafetyDistance            *float32 `mapstructure:"min_safety_distance"`
	MaxSafetyDistance            *float32 `mapstructure:"max_safety_distance"`
	MaxOverbooking               *int     `mapstructure:"max_overbooking"`
}

// Default returns a configuration with every required field set.
func Default() *Config {
	return &Config{
		Ai: AiParams{
			LaneWidth:                       3.0,
			MaxSpeed:                        80,
			RightLaneOffset:                 10,
			MaxSpeedVariation:               0.15,
			DefaultAcceleration:             2.5,
			DefaultDeceleration:             8.5,
			CorneringSpeedFactor:            0.65,
			CorneringBrakeDistanceFactor:    3,
			CorneringBrakeForceFactor:       0.5,
			MinAiSafetyDistance:             20,
			MaxAiSafetyDistance:             70,
			MinStateDistance:                200,
			MinSpawnProtectionTime:          4 * time.Second,
			MaxSpawnProtectionTime:          8 * time.Second,
			MinCollisionStopTime:            1 * time.Second,
			MaxCollisionStopTime:            3 * time.Second,
			IgnoreObstaclesAfter:            10 * time.Second,
			IgnoreObstaclesDuration:         2 * time.Second,
			DespawnGracePeriod:              30 * time.Second,
			PlayerRadius:                    400,
			PlayerAfkTimeout:                10 * time.Second,
			MinSpawnDistancePoints:          40,
			MaxSpawnDistancePoints:          120,
			MinSpawnProtectionDistance:      100,
			MaxSpawnAttemptsPerTick:         20,
			NetworkBubbleDistance:           500,
			OutsideNetworkBubbleRefreshRate: 4,
			TrafficDensity:                  1,
			TimeOfDayMultiplier:             1,
			StartHour:                       12,
			AiPerPlayerTargetCount:          10,
			MaxAiTargetCount:                300,
			MaxOverbooking:                  4,
			NamePrefix:                      "Traffic",
		},
		Density: 1,
	}
}

// Clone returns a shallow copy. Slices are shared; snapshots never modify them in place.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}
