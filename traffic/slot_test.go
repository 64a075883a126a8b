package traffic

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"racesim-server/config"
	"racesim-server/spline"
)

// roadIndex is a 198 m two-lane road: lane "a" at x=0 toward +Z and the oncoming
// lane "b" at x=4.
func roadIndex(t *testing.T, twoWay bool) *spline.Index {
	return buildIndex(t, twoWay, spline.LaneFile{
		LaneWidth: 3,
		Lanes: []spline.LaneDef{
			straightLane("a", 0, 100, 2, false),
			straightLane("b", 4, 100, 2, true),
		},
	})
}

func roadSlot(t *testing.T, cfg *config.Config) (*Scheduler, *Slot, *spline.Index) {
	t.Helper()
	idx := roadIndex(t, cfg.Ai.TwoWayTraffic)
	sched := newScheduler(t, idx, cfg, &fakeSource{}, &fakeTransport{})
	return sched, sched.Slot(0), idx
}

func laneA(z float32) spline.Vec3 { return spline.Vec3{X: 0, Z: z} }
func laneB(z float32) spline.Vec3 { return spline.Vec3{X: 4, Z: z} }

func TestSetOverbookingClamps(t *testing.T) {
	cfg := testConfig(0)
	_, slot, _ := roadSlot(t, cfg)

	assert.Equal(t, 4, slot.SetOverbooking(10))
	assert.Len(t, slot.States(), 4)
	assert.Equal(t, 0, slot.SetOverbooking(-3))
	assert.Empty(t, slot.States())

	for _, tc := range []struct{ n, m, want int }{{3, 1, 1}, {4, 2, 2}, {4, 0, 0}, {2, 7, 4}, {9, 3, 3}} {
		slot.SetOverbooking(tc.n)
		slot.SetOverbooking(tc.m)
		assert.Len(t, slot.States(), tc.want, "n=%d m=%d", tc.n, tc.m)
		assert.Equal(t, tc.want, slot.Target())
	}
}

func TestSetOverbookingModelOverride(t *testing.T) {
	cfg := testConfig(0)
	one := 1
	cfg.Ai.CarSpecificOverrides = []config.CarOverride{{Model: "hatch", MaxOverbooking: &one}}
	_, slot, _ := roadSlot(t, cfg)

	assert.Equal(t, 1, slot.SetOverbooking(3))
	assert.Len(t, slot.States(), 1)
}

func TestSetOverbookingDespawnsGracefully(t *testing.T) {
	cfg := testConfig(0)
	_, slot, idx := roadSlot(t, cfg)
	slot.SetOverbooking(2)
	require.True(t, slot.States()[0].Teleport(pointNear(t, idx, laneA(20)), t0))
	require.True(t, slot.States()[1].Teleport(pointNear(t, idx, laneA(150)), t0))

	slot.SetOverbooking(1)
	require.Len(t, slot.States(), 2)
	assert.Equal(t, PhaseSpawned, slot.States()[0].Phase())
	assert.Equal(t, PhaseDespawning, slot.States()[1].Phase())

	slot.SetOverbooking(2)
	assert.Equal(t, PhaseSpawned, slot.States()[1].Phase())
}

func TestCanSpawnState(t *testing.T) {
	cfg := testConfig(0)
	cfg.Ai.MinStateDistance = 30
	_, slot, idx := roadSlot(t, cfg)
	slot.SetOverbooking(2)
	s0, s1 := slot.States()[0], slot.States()[1]
	require.True(t, s0.Teleport(pointNear(t, idx, laneA(100)), t0))

	assert.False(t, slot.CanSpawnState(pointNear(t, idx, laneA(120)), s1))
	assert.True(t, slot.CanSpawnState(pointNear(t, idx, laneA(150)), s1))
	assert.False(t, slot.CanSpawnState(0, &State{}), "foreign state")

	t.Run("beyond target is disposed", func(t *testing.T) {
		require.True(t, s1.Teleport(pointNear(t, idx, laneA(180)), t0))
		slot.SetOverbooking(1)
		s1.Despawn()

		assert.False(t, slot.CanSpawnState(pointNear(t, idx, laneA(150)), s1))
		assert.Equal(t, PhaseDisposed, s1.Phase())
		assert.Len(t, slot.States(), 1)
		assert.False(t, slot.pendingDisconnect)

		slot.SetOverbooking(0)
		s0.Despawn()
		assert.False(t, slot.CanSpawnState(pointNear(t, idx, laneA(150)), s0))
		assert.Empty(t, slot.States())
		assert.True(t, slot.pendingDisconnect)
	})
}

func TestRemoveUnsafeStates(t *testing.T) {
	setup := func(t *testing.T, twoWay bool) (*Scheduler, *Slot, *spline.Index) {
		cfg := testConfig(0)
		cfg.Ai.TwoWayTraffic = twoWay
		cfg.Ai.MinStateDistance = 50
		sched, slot, idx := roadSlot(t, cfg)
		slot.SetOverbooking(2)
		return sched, slot, idx
	}

	t.Run("later unprotected state goes", func(t *testing.T) {
		sched, slot, idx := setup(t, false)
		s0, s1 := slot.States()[0], slot.States()[1]
		require.True(t, s0.Teleport(pointNear(t, idx, laneA(100)), t0))
		require.True(t, s1.Teleport(pointNear(t, idx, laneA(120)), t0))
		sched.env.now = t0.Add(10 * time.Second)

		assert.Equal(t, 1, slot.RemoveUnsafeStates())
		assert.True(t, s0.Initialized())
		assert.False(t, s1.Initialized())
	})

	t.Run("protected state survives", func(t *testing.T) {
		sched, slot, idx := setup(t, false)
		s0, s1 := slot.States()[0], slot.States()[1]
		require.True(t, s0.Teleport(pointNear(t, idx, laneA(100)), t0))
		require.True(t, s1.Teleport(pointNear(t, idx, laneA(120)), t0.Add(9*time.Second)))
		sched.env.now = t0.Add(10 * time.Second)

		slot.RemoveUnsafeStates()
		assert.False(t, s0.Initialized())
		assert.True(t, s1.Initialized())
	})

	t.Run("protected pair survives", func(t *testing.T) {
		sched, slot, idx := setup(t, false)
		s0, s1 := slot.States()[0], slot.States()[1]
		require.True(t, s0.Teleport(pointNear(t, idx, laneA(100)), t0))
		require.True(t, s1.Teleport(pointNear(t, idx, laneA(120)), t0))
		sched.env.now = t0.Add(time.Second)
		require.True(t, s0.Protected(sched.env.now))
		require.True(t, s1.Protected(sched.env.now))

		assert.Zero(t, slot.RemoveUnsafeStates())
		assert.True(t, s0.Initialized())
		assert.True(t, s1.Initialized())

		sched.env.now = t0.Add(10 * time.Second)
		assert.Equal(t, 1, slot.RemoveUnsafeStates(), "pruned once protection ends")
		assert.False(t, s1.Initialized())
	})

	t.Run("oncoming pair is kept one-way", func(t *testing.T) {
		_, slot, idx := setup(t, false)
		s0, s1 := slot.States()[0], slot.States()[1]
		require.True(t, s0.Teleport(pointNear(t, idx, laneA(100)), t0))
		require.True(t, s1.Teleport(pointNear(t, idx, laneB(110)), t0))

		assert.Zero(t, slot.RemoveUnsafeStates())
		assert.True(t, s1.Initialized())
	})

	t.Run("oncoming pair is removed two-way", func(t *testing.T) {
		sched, slot, idx := setup(t, true)
		s0, s1 := slot.States()[0], slot.States()[1]
		require.True(t, s0.Teleport(pointNear(t, idx, laneA(100)), t0))
		require.True(t, s1.Teleport(pointNear(t, idx, laneB(110)), t0))
		sched.env.now = t0.Add(10 * time.Second)

		assert.Equal(t, 1, slot.RemoveUnsafeStates())
	})
}

func TestIsPositionSafe(t *testing.T) {
	cfg := testConfig(0)
	_, slot, idx := roadSlot(t, cfg)
	slot.SetOverbooking(1)
	require.True(t, slot.States()[0].Teleport(pointNear(t, idx, laneA(100)), t0))
	require.InDelta(t, 70*70, slot.States()[0].SafetyDistanceSquared, 1)

	assert.False(t, slot.IsPositionSafe(pointNear(t, idx, laneA(150))))
	assert.True(t, slot.IsPositionSafe(pointNear(t, idx, laneB(150))), "oncoming lane")
	assert.True(t, slot.IsPositionSafe(pointNear(t, idx, laneA(190))), "beyond safety distance")
}

func TestBestStateForTieBreak(t *testing.T) {
	cfg := testConfig(0)
	_, slot, idx := roadSlot(t, cfg)
	slot.SetOverbooking(2)
	oncoming, same := slot.States()[0], slot.States()[1]
	require.True(t, oncoming.Teleport(pointNear(t, idx, laneB(96)), t0))
	require.True(t, same.Teleport(pointNear(t, idx, laneA(100)), t0))

	fast := Observer{SessionID: 1, Position: spline.Vec3{X: 2, Z: 96}, Velocity: spline.Vec3{Z: 20}}
	slow := fast
	slow.Velocity = spline.Vec3{}

	assert.Same(t, same, slot.BestStateFor(fast))
	assert.Same(t, oncoming, slot.BestStateFor(slow), "standing observers get the nearest state")

	slot.states[0], slot.states[1] = slot.states[1], slot.states[0]
	assert.Same(t, same, slot.BestStateFor(fast), "independent of state order")

	t.Run("outside tie radius", func(t *testing.T) {
		cfg := testConfig(0)
		cfg.Ai.MinStateDistance = 1
		_, slot, idx := roadSlot(t, cfg)
		slot.SetOverbooking(2)
		require.True(t, slot.States()[0].Teleport(pointNear(t, idx, laneB(96)), t0))
		require.True(t, slot.States()[1].Teleport(pointNear(t, idx, laneA(100)), t0))
		assert.Same(t, slot.States()[0], slot.BestStateFor(fast))
	})

	t.Run("two-way picks nearest", func(t *testing.T) {
		cfg := testConfig(0)
		cfg.Ai.TwoWayTraffic = true
		_, slot, idx := roadSlot(t, cfg)
		slot.SetOverbooking(2)
		require.True(t, slot.States()[0].Teleport(pointNear(t, idx, laneB(96)), t0))
		require.True(t, slot.States()[1].Teleport(pointNear(t, idx, laneA(100)), t0))
		assert.Same(t, slot.States()[0], slot.BestStateFor(fast))
	})

	t.Run("none initialized", func(t *testing.T) {
		_, slot, _ := roadSlot(t, testConfig(0))
		slot.SetOverbooking(2)
		assert.Nil(t, slot.BestStateFor(fast))
	})
}

func TestBestStateForNeverOncomingWithinTieRadius(t *testing.T) {
	cfg := testConfig(0)
	_, slot, idx := roadSlot(t, cfg)
	slot.SetOverbooking(4)
	rng := rand.New(rand.NewPCG(3, 5))

	for round := 0; round < 200; round++ {
		hasSame := false
		for _, st := range slot.States() {
			z := 5 + rng.Float32()*185
			pos := laneA(z)
			if rng.IntN(2) == 0 {
				pos = laneB(z)
			}
			require.True(t, st.Teleport(pointNear(t, idx, pos), t0))
			if pos.X == 0 {
				hasSame = true
			}
		}
		obs := Observer{Position: spline.Vec3{X: 2, Z: rng.Float32() * 190}, Velocity: spline.Vec3{Z: 15}}
		best := slot.BestStateFor(obs)
		require.NotNil(t, best)
		if hasSame {
			assert.Positive(t, best.Forward().Dot(obs.Velocity), "round %d returned an oncoming state", round)
		}
	}
}

func TestApplyConfigNamesSlot(t *testing.T) {
	cfg := testConfig(0)
	cfg.Ai.NamePrefix = "Bot"
	_, slot, _ := roadSlot(t, cfg)
	assert.Equal(t, "Bot 0", slot.Name)
	assert.True(t, slot.AIControlled)
	assert.Equal(t, config.AiModeAuto, slot.Mode)
}
