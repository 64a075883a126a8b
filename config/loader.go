package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Loader reads the traffic configuration file through viper.
type Loader struct {
	v   *viper.Viper
	log *zap.Logger
}

// NewLoader prepares a loader for the YAML file at path. Environment variables
// prefixed with RACESIM_ override file values (RACESIM_AI_MAX_SPEED=90).
func NewLoader(path string, log *zap.Logger) *Loader {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RACESIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())
	return &Loader{v: v, log: log}
}

// Load reads, decodes and validates the file.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.v.ConfigFileUsed(), err)
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	cfg := Default()
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// Density at session start; the density controller takes over from here.
	cfg.Density = cfg.Ai.DensityAt(0)
	return cfg, nil
}

// Watch publishes a new snapshot to store every time the file changes.
// Invalid files are logged and the previous snapshot stays active.
func (l *Loader) Watch(store *Store) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			l.log.Warn("Config: ignoring invalid reload", zap.String("file", e.Name), zap.Error(err))
			return
		}
		next := store.Replace(cfg)
		l.log.Info("Config: reloaded", zap.String("file", e.Name), zap.Uint64("version", next.Version))
	})
	l.v.WatchConfig()
}

// setDefaults registers scalar defaults so env overrides apply to keys absent from the file.
func setDefaults(v *viper.Viper, d *Config) {
	ai := d.Ai
	v.SetDefault("ai.two_way_traffic", ai.TwoWayTraffic)
	v.SetDefault("ai.wrong_way_traffic", ai.WrongWayTraffic)
	v.SetDefault("ai.lane_width", ai.LaneWidth)
	v.SetDefault("ai.max_speed", ai.MaxSpeed)
	v.SetDefault("ai.right_lane_offset", ai.RightLaneOffset)
	v.SetDefault("ai.max_speed_variation", ai.MaxSpeedVariation)
	v.SetDefault("ai.default_acceleration", ai.DefaultAcceleration)
	v.SetDefault("ai.default_deceleration", ai.DefaultDeceleration)
	v.SetDefault("ai.cornering_speed_factor", ai.CorneringSpeedFactor)
	v.SetDefault("ai.cornering_brake_distance_factor", ai.CorneringBrakeDistanceFactor)
	v.SetDefault("ai.cornering_brake_force_factor", ai.CorneringBrakeForceFactor)
	v.SetDefault("ai.min_ai_safety_distance", ai.MinAiSafetyDistance)
	v.SetDefault("ai.max_ai_safety_distance", ai.MaxAiSafetyDistance)
	v.SetDefault("ai.min_state_distance", ai.MinStateDistance)
	v.SetDefault("ai.min_spawn_protection_time", ai.MinSpawnProtectionTime)
	v.SetDefault("ai.max_spawn_protection_time", ai.MaxSpawnProtectionTime)
	v.SetDefault("ai.min_collision_stop_time", ai.MinCollisionStopTime)
	v.SetDefault("ai.max_collision_stop_time", ai.MaxCollisionStopTime)
	v.SetDefault("ai.ignore_obstacles_after", ai.IgnoreObstaclesAfter)
	v.SetDefault("ai.ignore_obstacles_duration", ai.IgnoreObstaclesDuration)
	v.SetDefault("ai.despawn_grace_period", ai.DespawnGracePeriod)
	v.SetDefault("ai.player_radius", ai.PlayerRadius)
	v.SetDefault("ai.player_afk_timeout", ai.PlayerAfkTimeout)
	v.SetDefault("ai.min_spawn_distance_points", ai.MinSpawnDistancePoints)
	v.SetDefault("ai.max_spawn_distance_points", ai.MaxSpawnDistancePoints)
	v.SetDefault("ai.min_spawn_protection_distance", ai.MinSpawnProtectionDistance)
	v.SetDefault("ai.max_spawn_attempts_per_tick", ai.MaxSpawnAttemptsPerTick)
	v.SetDefault("ai.network_bubble_distance", ai.NetworkBubbleDistance)
	v.SetDefault("ai.outside_network_bubble_refresh_rate", ai.OutsideNetworkBubbleRefreshRate)
	v.SetDefault("ai.traffic_density", ai.TrafficDensity)
	v.SetDefault("ai.time_of_day_multiplier", ai.TimeOfDayMultiplier)
	v.SetDefault("ai.start_hour", ai.StartHour)
	v.SetDefault("ai.ai_per_player_target_count", ai.AiPerPlayerTargetCount)
	v.SetDefault("ai.max_ai_target_count", ai.MaxAiTargetCount)
	v.SetDefault("ai.max_overbooking", ai.MaxOverbooking)
	v.SetDefault("ai.max_player_count", ai.MaxPlayerCount)
	v.SetDefault("ai.name_prefix", ai.NamePrefix)
	v.SetDefault("ai.debug", ai.Debug)
}
