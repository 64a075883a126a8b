package traffic

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"racesim-server/config"
	"racesim-server/spline"
)

// positionBatchSize is the number of position updates per transport call.
const positionBatchSize = 20

const noObserver = -1

// Stats describes the last completed tick.
type Stats struct {
	Tick          uint64        `json:"tick"`
	At            time.Time     `json:"at"`
	Duration      time.Duration `json:"duration_ns"`
	ConfigVersion uint64        `json:"config_version"`
	Density       float64       `json:"density"`
	Slots         int           `json:"slots"`
	AISlots       int           `json:"ai_slots"`
	States        int           `json:"states"`
	Spawned       int           `json:"spawned"`
	Despawning    int           `json:"despawning"`
	Observers     int           `json:"observers"`
	ActivePlayers int           `json:"active_players"`
	Spawns        int           `json:"spawns"`
	Despawns      int           `json:"despawns"`
	Updates       int           `json:"updates"`
	Errors        int           `json:"errors"`
}

// SlotInfo is a read-only view of a slot published after every tick.
type SlotInfo struct {
	ID           uint8       `json:"id"`
	Name         string      `json:"name"`
	Model        string      `json:"model"`
	Mode         string      `json:"mode"`
	AIControlled bool        `json:"ai_controlled"`
	Occupied     bool        `json:"occupied"`
	Target       int         `json:"target"`
	States       []StateInfo `json:"states,omitempty"`
}

// StateInfo is listed per slot when the debug overlay is enabled.
type StateInfo struct {
	ID           string      `json:"id"`
	Phase        string      `json:"phase"`
	Point        int32       `json:"point"`
	Position     spline.Vec3 `json:"position"`
	SpeedKmh     float32     `json:"speed_kmh"`
	SpawnCounter uint32      `json:"spawn_counter"`
	Protected    bool        `json:"protected"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithStateFactory(f StateFactory) Option {
	return func(s *Scheduler) { s.newState = f }
}

func WithSlotFactory(f SlotFactory) Option {
	return func(s *Scheduler) { s.newSlot = f }
}

// WithRand sets the random source used for spawning, variance and junctions.
func WithRand(r *rand.Rand) Option {
	return func(s *Scheduler) { s.env.rng = r }
}

// Scheduler drives the traffic simulation. Tick, AdjustOverbooking, ObserverLeft and
// the Slot accessors must be called from one goroutine; Stats and SlotInfos may be
// called from anywhere.
type Scheduler struct {
	env       *Env
	store     *config.Store
	version   uint64
	slots     []*Slot
	observers ObserverSource
	transport Transport
	log       *zap.Logger
	errLog    *rate.Limiter

	newSlot  SlotFactory
	newState StateFactory

	start    time.Time
	lastTick time.Time
	tick     uint64
	cur      *Stats

	frame   Frame
	batch   []PositionUpdate
	scratch []*State

	stats     atomic.Pointer[Stats]
	slotInfos atomic.Pointer[[]SlotInfo]
}

// NewScheduler creates one slot per entry-list car of the store's current snapshot.
func NewScheduler(index *spline.Index, store *config.Store, observers ObserverSource, transport Transport, log *zap.Logger, opts ...Option) *Scheduler {
	cfg := store.Load()
	s := &Scheduler{
		env: &Env{
			index: index,
			cfg:   cfg,
			rng:   rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
			log:   log,
		},
		store:     store,
		version:   cfg.Version,
		observers: observers,
		transport: transport,
		log:       log,
		errLog:    rate.NewLimiter(rate.Every(time.Second), 5),
		newSlot:   NewSlot,
		newState:  NewState,
	}
	for _, opt := range opts {
		opt(s)
	}

	entries := cfg.EntryList
	if len(entries) > math.MaxUint8+1 {
		log.Warn("Traffic: entry list truncated", zap.Int("entries", len(entries)), zap.Int("max", math.MaxUint8+1))
		entries = entries[:math.MaxUint8+1]
	}
	for i, car := range entries {
		s.slots = append(s.slots, s.newSlot(uint8(i), car, s.env, s.newState))
	}
	s.stats.Store(&Stats{ConfigVersion: cfg.Version, Density: cfg.Density, Slots: len(s.slots)})
	empty := []SlotInfo{}
	s.slotInfos.Store(&empty)
	return s
}

func (s *Scheduler) Slots() []*Slot { return s.slots }

// Slot returns the slot with the given id, or nil.
func (s *Scheduler) Slot(id uint8) *Slot {
	if int(id) >= len(s.slots) {
		return nil
	}
	return s.slots[id]
}

// Stats returns the statistics of the last tick.
func (s *Scheduler) Stats() Stats { return *s.stats.Load() }

// SlotInfos returns the slot list published by the last tick.
func (s *Scheduler) SlotInfos() []SlotInfo { return *s.slotInfos.Load() }

// ObserverLeft drops every cache entry kept for observer id.
func (s *Scheduler) ObserverLeft(id uint8) {
	for _, slot := range s.slots {
		slot.forgetObserver(id)
	}
}

// AdjustOverbooking recomputes the per-slot state count from the number of
// connected players and the current density.
func (s *Scheduler) AdjustOverbooking(players int) int {
	cfg := s.store.Load()
	aiSlots := 0
	for _, slot := range s.slots {
		if slot.AIControlled && !slot.draining {
			aiSlots++
		}
	}
	if aiSlots == 0 {
		return 0
	}
	target := players * int(math.Round(float64(cfg.Ai.AiPerPlayerTargetCount)*cfg.Density))
	target = max(0, min(target, cfg.Ai.MaxAiTargetCount))
	perSlot := (target + aiSlots - 1) / aiSlots
	for _, slot := range s.slots {
		if slot.AIControlled && !slot.draining {
			slot.SetOverbooking(perSlot)
		}
	}
	s.log.Debug("Traffic: overbooking adjusted",
		zap.Int("players", players), zap.Int("target", target), zap.Int("per_slot", perSlot))
	return perSlot
}

// Tick runs one simulation step at now.
func (s *Scheduler) Tick(now time.Time) {
	started := time.Now()
	cfg := s.store.Load()
	s.env.cfg = cfg
	s.env.now = now
	if cfg.Version != s.version {
		for _, slot := range s.slots {
			slot.ApplyConfig(cfg)
		}
		s.version = cfg.Version
		s.log.Info("Traffic: configuration applied", zap.Uint64("version", cfg.Version))
	}

	dt := config.TRAFFIC_TICK_INTERVAL
	if !s.lastTick.IsZero() {
		if d := now.Sub(s.lastTick); d > 0 && d < time.Second {
			dt = d
		}
	}
	if s.start.IsZero() {
		s.start = now
	}
	s.lastTick = now
	s.tick++

	observers := s.observers.Observers()
	active := make([]Observer, 0, len(observers))
	for _, o := range observers {
		if o.Active(now, cfg.Ai.PlayerAfkTimeout) {
			active = append(active, o)
		}
	}
	s.cur = &Stats{
		Tick:          s.tick,
		At:            now,
		ConfigVersion: cfg.Version,
		Density:       cfg.Density,
		Slots:         len(s.slots),
		Observers:     len(observers),
		ActivePlayers: len(active),
	}

	s.simulate(now, float32(dt.Seconds()), observers)
	s.maintain(now, cfg, observers, active)
	s.distribute(now, cfg, observers)

	s.cur.Duration = time.Since(started)
	s.publish(cfg, now)
}

func (s *Scheduler) simulate(now time.Time, dt float32, observers []Observer) {
	s.frame.Now = now
	s.frame.DT = dt
	s.frame.Players = observers
	s.frame.States = s.frame.States[:0]
	for _, slot := range s.slots {
		for _, st := range slot.states {
			if st.Initialized() {
				s.frame.States = append(s.frame.States, st)
			}
		}
	}
	for _, slot := range s.slots {
		for _, st := range slot.states {
			s.guard("simulate", slot.ID, noObserver, func() {
				st.Update(&s.frame)
				st.DetectObstacles(&s.frame)
			})
		}
	}
}

func (s *Scheduler) maintain(now time.Time, cfg *config.Config, observers, active []Observer) {
	ai := &cfg.Ai
	radiusSq := ai.PlayerRadius * ai.PlayerRadius
	for _, slot := range s.slots {
		s.guard("maintain", slot.ID, noObserver, func() {
			s.cur.Despawns += slot.RemoveUnsafeStates()
			for _, st := range slot.states {
				if !st.Initialized() {
					continue
				}
				if len(active) > 0 && !anyWithin(st.Position(), active, radiusSq) {
					st.Despawn()
					s.cur.Despawns++
					continue
				}
				if st.phase == PhaseDespawning &&
					(outsideBubbles(st.Position(), observers, ai.NetworkBubbleDistance) ||
						now.Sub(st.despawningSince) >= ai.DespawnGracePeriod) {
					st.Despawn()
					s.cur.Despawns++
				}
			}
			slot.disposeExcess()
			if slot.draining && len(slot.states) == 0 {
				slot.draining = false
				slot.AIControlled = false
				s.log.Info("Traffic: slot handed over", zap.Uint8("slot", slot.ID))
			}
		})
	}
	s.spawn(now, cfg, observers, active)
}

func anyWithin(pos spline.Vec3, players []Observer, radiusSq float32) bool {
	for _, p := range players {
		if p.Position.DistanceSquared(pos) <= radiusSq {
			return true
		}
	}
	return false
}

func outsideBubbles(pos spline.Vec3, observers []Observer, bubble float32) bool {
	return !anyWithin(pos, observers, bubble*bubble)
}

func (s *Scheduler) distribute(now time.Time, cfg *config.Config, observers []Observer) {
	timestamp := uint32(now.Sub(s.start).Milliseconds())
	for _, obs := range observers {
		batch := s.batch[:0]
		for _, slot := range s.slots {
			if !slot.AIControlled || slot.ID == obs.SessionID {
				continue
			}
			s.guard("distribute", slot.ID, int(obs.SessionID), func() {
				if u, ok := s.resolve(slot, obs, now, timestamp, cfg); ok {
					batch = append(batch, u)
					if len(batch) == positionBatchSize {
						s.sendBatch(obs.SessionID, batch)
						batch = batch[:0]
					}
				}
			})
		}
		if len(batch) > 0 {
			s.sendBatch(obs.SessionID, batch)
		}
		s.batch = batch
	}

	for _, slot := range s.slots {
		if !slot.pendingDisconnect {
			continue
		}
		slot.pendingDisconnect = false
		s.guard("disconnect", slot.ID, noObserver, func() {
			if err := s.transport.SendSlotDisconnect(slot.ID); err != nil {
				s.logError("disconnect", slot.ID, noObserver, err)
			}
		})
	}
}

// resolve picks the state obs sees for slot and decides whether it is due an update.
func (s *Scheduler) resolve(slot *Slot, obs Observer, now time.Time, timestamp uint32, cfg *config.Config) (PositionUpdate, bool) {
	st := slot.BestStateFor(obs)
	if st == nil {
		return PositionUpdate{}, false
	}
	color := st.Color
	if cfg.Ai.Debug {
		color = debugColor(st, now)
	}

	c, seen := slot.observerCache[obs.SessionID]
	handoff := !seen || c.state != st || c.spawnCounter != st.SpawnCounter
	if handoff || c.color != color {
		slot.observerCache[obs.SessionID] = cachedState{state: st, spawnCounter: st.SpawnCounter, color: color}
		if err := s.transport.SendCosmetic(obs.SessionID, slot.ID, color); err != nil {
			s.logError("cosmetic", slot.ID, int(obs.SessionID), err)
		}
	}
	if handoff {
		delete(slot.lastSent, obs.SessionID)
	}
	if !s.due(slot, obs, st, now, cfg) {
		return PositionUpdate{}, false
	}
	slot.lastSent[obs.SessionID] = now
	return st.PositionUpdate(slot.ID, timestamp, obs.Ping), true
}

// due applies the reduced refresh rate to states outside the network bubble and to
// observers spectating a different car.
func (s *Scheduler) due(slot *Slot, obs Observer, st *State, now time.Time, cfg *config.Config) bool {
	var reduced bool
	if obs.Spectating() {
		reduced = obs.SpectateTarget != int(slot.ID)
	} else {
		bubble := cfg.Ai.NetworkBubbleDistance
		reduced = bubble > 0 && st.Position().DistanceSquared(obs.Position) > bubble*bubble
	}
	if !reduced {
		return true
	}
	hz := cfg.Ai.OutsideNetworkBubbleRefreshRate
	if hz <= 0 {
		return false
	}
	last, ok := slot.lastSent[obs.SessionID]
	if !ok {
		return true
	}
	return now.Sub(last) >= time.Duration(float64(time.Second)/float64(hz))
}

func (s *Scheduler) sendBatch(observer uint8, batch []PositionUpdate) {
	s.guard("send", noSlot, int(observer), func() {
		if err := s.transport.SendPositionUpdates(observer, batch); err != nil {
			s.logError("send", noSlot, int(observer), err)
			return
		}
		s.cur.Updates += len(batch)
	})
}

const noSlot = math.MaxUint8

// guard runs fn and turns a panic into a logged error for the slot/observer pair.
func (s *Scheduler) guard(stage string, slot uint8, observer int, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logError(stage, slot, observer, fmt.Errorf("panic: %v", r))
		}
	}()
	fn()
}

func (s *Scheduler) logError(stage string, slot uint8, observer int, err error) {
	s.cur.Errors++
	if s.errLog.Allow() {
		s.log.Error("Traffic: "+stage+" failed",
			zap.Uint64("tick", s.tick), zap.Uint8("slot", slot), zap.Int("observer", observer), zap.Error(err))
	}
}

func (s *Scheduler) publish(cfg *config.Config, now time.Time) {
	infos := make([]SlotInfo, 0, len(s.slots))
	for _, slot := range s.slots {
		info := SlotInfo{
			ID:           slot.ID,
			Name:         slot.Name,
			Model:        slot.Model,
			Mode:         slot.Mode,
			AIControlled: slot.AIControlled,
			Occupied:     slot.occupied,
			Target:       slot.target,
		}
		if slot.AIControlled {
			s.cur.AISlots++
		}
		for _, st := range slot.states {
			s.cur.States++
			switch st.phase {
			case PhaseSpawned:
				s.cur.Spawned++
			case PhaseDespawning:
				s.cur.Despawning++
			}
			if cfg.Ai.Debug {
				info.States = append(info.States, StateInfo{
					ID:           st.ID.String(),
					Phase:        st.phase.String(),
					Point:        st.CurrentPoint,
					Position:     st.Position(),
					SpeedKmh:     st.currentSpeed / kmhToMs,
					SpawnCounter: st.SpawnCounter,
					Protected:    st.Protected(now),
				})
			}
		}
		infos = append(infos, info)
	}
	s.slotInfos.Store(&infos)
	s.stats.Store(s.cur)
}

// Debug overlay colours, ARGB.
const (
	colorSpawned       uint32 = 0xFF20C020
	colorProtected     uint32 = 0xFF2080FF
	colorDespawning    uint32 = 0xFFE02020
	colorCollisionStop uint32 = 0xFFFFD000
)

func debugColor(st *State, now time.Time) uint32 {
	switch {
	case st.phase == PhaseDespawning:
		return colorDespawning
	case st.CollisionStopped(now):
		return colorCollisionStop
	case st.Protected(now):
		return colorProtected
	}
	return colorSpawned
}
