package traffic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"racesim-server/config"
	"racesim-server/spline"
)

func TestSchedulerFillsSlotWithoutPlayers(t *testing.T) {
	idx := circleIndex(t)
	cfg := testConfig(0)
	cfg.Ai.MinStateDistance = 50
	sched := newScheduler(t, idx, cfg, &fakeSource{}, &fakeTransport{})
	slot := sched.Slot(0)
	require.Equal(t, 3, slot.SetOverbooking(3))

	now := t0
	reached := false
	for i := 0; i < 200 && !reached; i++ {
		sched.Tick(now)
		now = now.Add(tick)
		reached = len(initialized(slot)) == 3
	}
	require.True(t, reached, "slot never reached 3 initialized states")

	states := initialized(slot)
	for i := range states {
		for j := i + 1; j < len(states); j++ {
			d := states[i].Position().DistanceSquared(states[j].Position())
			assert.GreaterOrEqual(t, d, cfg.Ai.MinStateDistance*cfg.Ai.MinStateDistance)
		}
	}
	assert.Equal(t, 3, sched.Stats().Spawned)
}

func TestSchedulerObserversSeeDifferentInstances(t *testing.T) {
	idx := circleIndex(t)
	cfg := testConfig(2)
	cfg.Ai.PlayerRadius = 2000
	src := &fakeSource{}
	tr := &fakeTransport{}
	sched := newScheduler(t, idx, cfg, src, tr)
	slot := sched.Slot(0)
	slot.SetOverbooking(2)

	east := pointNear(t, idx, spline.Vec3{X: 300})
	west := pointNear(t, idx, spline.Vec3{X: -300})
	require.True(t, slot.States()[0].Teleport(east, t0))
	require.True(t, slot.States()[1].Teleport(west, t0))

	src.observers = []Observer{
		{SessionID: 1, Position: spline.Vec3{X: 310, Z: 5}, SpectateTarget: NoSpectateTarget, LastActive: t0},
		{SessionID: 2, Position: spline.Vec3{X: -310, Z: -5}, SpectateTarget: NoSpectateTarget, LastActive: t0},
	}
	sched.Tick(t0)

	u1 := tr.updatesFor(1, 0)
	u2 := tr.updatesFor(2, 0)
	require.Len(t, u1, 1)
	require.Len(t, u2, 1)
	assert.Greater(t, u1[0].Position.X, float32(250))
	assert.Less(t, u2[0].Position.X, float32(-250))

	c1, c2 := slot.observerCache[1], slot.observerCache[2]
	assert.NotSame(t, c1.state, c2.state)
	assert.Same(t, slot.States()[0], c1.state)
	assert.Same(t, slot.States()[1], c2.state)

	// The cosmetic update precedes the first position update of each observer.
	for _, obs := range []uint8{1, 2} {
		for _, e := range tr.events {
			if e.observer != obs {
				continue
			}
			assert.Equal(t, "cosmetic", e.kind)
			break
		}
	}
}

func TestSchedulerOverbookingReductionDisposes(t *testing.T) {
	idx := circleIndex(t)
	cfg := testConfig(0)
	cfg.Ai.MinStateDistance = 50
	var created []*State
	tr := &fakeTransport{}
	sched := newScheduler(t, idx, cfg, &fakeSource{}, tr, WithStateFactory(func(slot *Slot) *State {
		st := NewState(slot)
		created = append(created, st)
		return st
	}))
	slot := sched.Slot(0)
	slot.SetOverbooking(3)

	now := t0
	for i := 0; i < 200 && len(initialized(slot)) < 3; i++ {
		sched.Tick(now)
		now = now.Add(tick)
	}
	require.Len(t, initialized(slot), 3)

	disposed := func() int {
		n := 0
		for _, st := range created {
			if st.Phase() == PhaseDisposed {
				n++
			}
		}
		return n
	}

	assert.Equal(t, 1, slot.SetOverbooking(1))
	sched.Tick(now)
	now = now.Add(tick)
	assert.Equal(t, 2, disposed())
	assert.Len(t, slot.States(), 1)
	assert.Zero(t, tr.count("disconnect"))

	slot.SetOverbooking(0)
	for i := 0; i < 5; i++ {
		sched.Tick(now)
		now = now.Add(tick)
	}
	assert.Equal(t, 3, disposed())
	assert.Empty(t, slot.States())
	assert.Equal(t, 1, tr.count("disconnect"))
}

func TestSchedulerReducedRateOutsideBubble(t *testing.T) {
	idx := circleIndex(t)
	cfg := testConfig(2)
	cfg.Ai.PlayerRadius = 2000
	cfg.Ai.NetworkBubbleDistance = 100
	cfg.Ai.OutsideNetworkBubbleRefreshRate = 4
	src := &fakeSource{}
	tr := &fakeTransport{}
	sched := newScheduler(t, idx, cfg, src, tr)
	slot := sched.Slot(0)
	slot.SetOverbooking(1)
	start := pointNear(t, idx, spline.Vec3{X: 300})
	require.True(t, slot.States()[0].Teleport(start, t0))

	now := t0
	for i := 0; i < 40; i++ {
		src.observers = []Observer{
			{SessionID: 1, Position: spline.Vec3{X: -300}, SpectateTarget: NoSpectateTarget, LastActive: now},
			{SessionID: 2, Position: spline.Vec3{X: 320, Z: 20}, SpectateTarget: NoSpectateTarget, LastActive: now},
		}
		sched.Tick(now)
		now = now.Add(tick)
	}

	far := tr.updatesFor(1, 0)
	require.Len(t, far, 8)
	for i := 1; i < len(far); i++ {
		assert.Equal(t, uint32(250), far[i].Timestamp-far[i-1].Timestamp)
	}

	near := tr.updatesFor(2, 0)
	require.Len(t, near, 40)
	for i := 1; i < len(near); i++ {
		assert.Equal(t, uint32(50), near[i].Timestamp-near[i-1].Timestamp)
	}
}

func TestSchedulerSpectatorRate(t *testing.T) {
	idx := circleIndex(t)
	cfg := testConfig(1)
	cfg.EntryList = append(cfg.EntryList, cfg.EntryList[0])
	cfg.Ai.PlayerRadius = 2000
	cfg.Ai.OutsideNetworkBubbleRefreshRate = 2
	src := &fakeSource{}
	tr := &fakeTransport{}
	sched := newScheduler(t, idx, cfg, src, tr)

	// Slot 0 and slot 2 are AI; the observer in slot 1 spectates slot 2.
	a, b := sched.Slot(0), sched.Slot(2)
	a.SetOverbooking(1)
	b.SetOverbooking(1)
	require.True(t, a.States()[0].Teleport(pointNear(t, idx, spline.Vec3{X: 300}), t0))
	require.True(t, b.States()[0].Teleport(pointNear(t, idx, spline.Vec3{X: -300}), t0))

	now := t0
	for i := 0; i < 20; i++ {
		src.observers = []Observer{{SessionID: 1, Position: spline.Vec3{X: 290, Z: 40}, SpectateTarget: 2, LastActive: now}}
		sched.Tick(now)
		now = now.Add(tick)
	}
	assert.Len(t, tr.updatesFor(1, 2), 20, "spectated car is sent every tick")
	assert.Len(t, tr.updatesFor(1, 0), 2, "other cars drop to the reduced rate")
}

func TestSchedulerBatchesUpdates(t *testing.T) {
	idx := circleIndex(t)
	cfg := testConfig(0)
	cfg.EntryList = nil
	for i := 0; i < 25; i++ {
		cfg.EntryList = append(cfg.EntryList, testConfig(0).EntryList[0])
	}
	cfg.EntryList = append(cfg.EntryList, testConfig(1).EntryList[1])
	cfg.Ai.PlayerRadius = 5000
	cfg.Ai.NetworkBubbleDistance = 5000
	cfg.Ai.MinStateDistance = 1
	src := &fakeSource{observers: []Observer{{SessionID: 25, Ping: 87, SpectateTarget: NoSpectateTarget, LastActive: t0}}}
	tr := &fakeTransport{}
	sched := newScheduler(t, idx, cfg, src, tr)
	for i := 0; i < 25; i++ {
		slot := sched.Slot(uint8(i))
		slot.SetOverbooking(1)
		require.True(t, slot.States()[0].Teleport(int32(i*16), t0))
	}

	sched.Tick(t0)
	var sizes []int
	for _, e := range tr.events {
		if e.kind == "position" {
			sizes = append(sizes, len(e.updates))
			for _, u := range e.updates {
				assert.Equal(t, uint16(87), u.PingUpdate, "slot %d", u.SessionID)
			}
		}
	}
	assert.Equal(t, []int{20, 5}, sizes)
	assert.Equal(t, 25, sched.Stats().Updates)
}

func TestSchedulerRecoversFromFailures(t *testing.T) {
	idx := circleIndex(t)
	cfg := testConfig(2)
	cfg.Ai.PlayerRadius = 2000
	src := &fakeSource{observers: []Observer{
		{SessionID: 1, Position: spline.Vec3{X: 290}, SpectateTarget: NoSpectateTarget, LastActive: t0},
		{SessionID: 2, Position: spline.Vec3{X: 290, Z: 10}, SpectateTarget: NoSpectateTarget, LastActive: t0},
	}}
	tr := &fakeTransport{failCosmetic: map[uint8]bool{1: true}, panicPosition: map[uint8]bool{1: true}}
	sched := newScheduler(t, idx, cfg, src, tr)
	slot := sched.Slot(0)
	slot.SetOverbooking(1)
	require.True(t, slot.States()[0].Teleport(pointNear(t, idx, spline.Vec3{X: 300, Z: -60}), t0))

	assert.NotPanics(t, func() { sched.Tick(t0) })
	assert.Len(t, tr.updatesFor(2, 0), 1)
	assert.Equal(t, 2, sched.Stats().Errors)
}

func TestSchedulerSkipsOwnSlotAndHumanSlots(t *testing.T) {
	idx := circleIndex(t)
	cfg := testConfig(1)
	cfg.Ai.PlayerRadius = 2000
	src := &fakeSource{observers: []Observer{{SessionID: 0, Position: spline.Vec3{X: 300}, SpectateTarget: NoSpectateTarget, LastActive: t0}}}
	tr := &fakeTransport{}
	sched := newScheduler(t, idx, cfg, src, tr)
	slot := sched.Slot(0)
	slot.SetOverbooking(1)
	require.True(t, slot.States()[0].Teleport(pointNear(t, idx, spline.Vec3{X: -300}), t0))

	sched.Tick(t0)
	assert.Empty(t, tr.updatesFor(0, 0))
	assert.Empty(t, tr.updatesFor(0, 1))
}

func TestSchedulerDespawnsOutsidePlayerRadius(t *testing.T) {
	idx := circleIndex(t)
	cfg := testConfig(1)
	cfg.Ai.PlayerRadius = 100
	cfg.Ai.MaxSpawnAttemptsPerTick = 0
	src := &fakeSource{observers: []Observer{{SessionID: 1, Position: spline.Vec3{X: 300}, SpectateTarget: NoSpectateTarget, LastActive: t0}}}
	sched := newScheduler(t, idx, cfg, src, &fakeTransport{})
	slot := sched.Slot(0)
	slot.SetOverbooking(2)
	require.True(t, slot.States()[0].Teleport(pointNear(t, idx, spline.Vec3{X: 300, Z: 30}), t0))
	require.True(t, slot.States()[1].Teleport(pointNear(t, idx, spline.Vec3{X: -300}), t0))

	sched.Tick(t0)
	assert.True(t, slot.States()[0].Initialized())
	assert.False(t, slot.States()[1].Initialized())

	// AFK players no longer keep traffic alive, nor do they remove it.
	src.observers[0].LastActive = t0.Add(-time.Hour)
	require.True(t, slot.States()[1].Teleport(pointNear(t, idx, spline.Vec3{X: -300}), t0))
	sched.Tick(t0.Add(tick))
	assert.True(t, slot.States()[1].Initialized())
}

func TestSchedulerSpawnsNearPlayers(t *testing.T) {
	idx := circleIndex(t)
	cfg := testConfig(1)
	cfg.Ai.PlayerRadius = 400
	cfg.Ai.MinSpawnDistancePoints = 20
	cfg.Ai.MaxSpawnDistancePoints = 40
	cfg.Ai.MinSpawnProtectionDistance = 50
	player := spline.Vec3{X: 300}
	src := &fakeSource{observers: []Observer{{SessionID: 1, Position: player, SpectateTarget: NoSpectateTarget, LastActive: t0}}}
	sched := newScheduler(t, idx, cfg, src, &fakeTransport{})
	slot := sched.Slot(0)
	slot.SetOverbooking(1)

	now := t0
	for i := 0; i < 20 && len(initialized(slot)) == 0; i++ {
		src.observers[0].LastActive = now
		sched.Tick(now)
		now = now.Add(tick)
	}
	states := initialized(slot)
	require.Len(t, states, 1)
	d := states[0].Position().DistanceSquared(player)
	assert.GreaterOrEqual(t, d, float32(50*50))
	assert.LessOrEqual(t, d, float32(400*400))
	assert.Equal(t, uint32(1), states[0].SpawnCounter)
}

func TestSchedulerSpawnBudget(t *testing.T) {
	idx := circleIndex(t)
	cfg := testConfig(0)
	cfg.Ai.MaxSpawnAttemptsPerTick = 1
	cfg.Ai.MinStateDistance = 10
	sched := newScheduler(t, idx, cfg, &fakeSource{}, &fakeTransport{})
	slot := sched.Slot(0)
	slot.SetOverbooking(4)

	sched.Tick(t0)
	assert.LessOrEqual(t, len(initialized(slot)), 1)
}

func TestAdjustOverbooking(t *testing.T) {
	idx := circleIndex(t)
	cfg := testConfig(1)
	cfg.EntryList = append(cfg.EntryList, cfg.EntryList[0])
	cfg.Ai.AiPerPlayerTargetCount = 3
	cfg.Ai.MaxOverbooking = 10
	cfg.Ai.MaxAiTargetCount = 100
	cfg.Density = 0.5
	sched := newScheduler(t, idx, cfg, &fakeSource{}, &fakeTransport{})

	// round(3*0.5)=2 per player, 3 players -> 6 over 2 AI slots.
	assert.Equal(t, 3, sched.AdjustOverbooking(3))
	assert.Equal(t, 3, sched.Slot(0).Target())
	assert.Equal(t, 0, sched.Slot(1).Target())
	assert.Equal(t, 3, sched.Slot(2).Target())

	assert.Equal(t, 0, sched.AdjustOverbooking(0))
	assert.Equal(t, 0, sched.Slot(0).Target())
}

func TestObserverLeftClearsCaches(t *testing.T) {
	idx := circleIndex(t)
	cfg := testConfig(1)
	cfg.Ai.PlayerRadius = 2000
	src := &fakeSource{observers: []Observer{{SessionID: 1, Position: spline.Vec3{X: 300}, SpectateTarget: NoSpectateTarget, LastActive: t0}}}
	tr := &fakeTransport{}
	sched := newScheduler(t, idx, cfg, src, tr)
	slot := sched.Slot(0)
	slot.SetOverbooking(1)
	require.True(t, slot.States()[0].Teleport(pointNear(t, idx, spline.Vec3{X: 0, Z: 300}), t0))

	sched.Tick(t0)
	require.Contains(t, slot.observerCache, uint8(1))
	sched.ObserverLeft(1)
	assert.NotContains(t, slot.observerCache, uint8(1))
	assert.NotContains(t, slot.lastSent, uint8(1))

	// Rejoining resends the cosmetic state.
	before := tr.count("cosmetic")
	sched.Tick(t0.Add(tick))
	assert.Equal(t, before+1, tr.count("cosmetic"))
}

func TestSchedulerAppliesConfigVersion(t *testing.T) {
	idx := circleIndex(t)
	cfg := testConfig(0)
	store := config.NewStore(cfg)
	sched := NewScheduler(idx, store, &fakeSource{}, &fakeTransport{}, zap.NewNop())
	slot := sched.Slot(0)
	slot.SetOverbooking(4)

	store.Update(func(c *config.Config) { c.Ai.MaxOverbooking = 2 })
	sched.Tick(t0)
	assert.Equal(t, 2, slot.Params().MaxOverbooking)
	assert.Equal(t, 2, slot.Target())
	assert.Equal(t, store.Load().Version, sched.Stats().ConfigVersion)
}

func TestSchedulerDebugOverlay(t *testing.T) {
	idx := circleIndex(t)
	cfg := testConfig(0)
	cfg.Ai.Debug = true
	sched := newScheduler(t, idx, cfg, &fakeSource{}, &fakeTransport{})
	slot := sched.Slot(0)
	slot.SetOverbooking(1)
	require.True(t, slot.States()[0].Teleport(0, t0))

	sched.Tick(t0)
	infos := sched.SlotInfos()
	require.Len(t, infos, 1)
	require.Len(t, infos[0].States, 1)
	assert.Equal(t, "spawned", infos[0].States[0].Phase)
	assert.True(t, infos[0].States[0].Protected)
	assert.Equal(t, colorProtected, debugColor(slot.States()[0], t0))
}
