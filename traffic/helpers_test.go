package traffic

import (
	"bytes"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"racesim-server/config"
	"racesim-server/spline"
)

const tick = 50 * time.Millisecond

var t0 = time.Unix(1_700_000_000, 0)

// circleLane is a closed counter-clockwise loop in the X/Z plane.
func circleLane(name string, radius float32, n int) spline.LaneDef {
	l := spline.LaneDef{Name: name, Closed: true}
	for i := 0; i < n; i++ {
		a := 2 * math.Pi * float64(i) / float64(n)
		l.Points = append(l.Points, [3]float32{radius * float32(math.Cos(a)), 0, radius * float32(math.Sin(a))})
	}
	return l
}

// straightLane runs along Z at x, toward +Z unless descending.
func straightLane(name string, x float32, n int, spacing float32, descending bool) spline.LaneDef {
	l := spline.LaneDef{Name: name}
	for i := 0; i < n; i++ {
		z := float32(i) * spacing
		if descending {
			z = float32(n-1-i) * spacing
		}
		l.Points = append(l.Points, [3]float32{x, 0, z})
	}
	return l
}

func buildIndex(t *testing.T, twoWay bool, f spline.LaneFile) *spline.Index {
	t.Helper()
	b := spline.NewBuilder(spline.BuildOptions{TwoWay: twoWay})
	require.NoError(t, b.Add(f))
	s, err := b.Build()
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, spline.Write(&buf, s))
	idx, err := spline.Open(buf.Bytes(), nil)
	require.NoError(t, err)
	return idx
}

// circleIndex is a single 300 m radius loop with ~4.7 m point spacing.
func circleIndex(t *testing.T) *spline.Index {
	return buildIndex(t, false, spline.LaneFile{LaneWidth: 3, Lanes: []spline.LaneDef{circleLane("loop", 300, 400)}})
}

// testConfig has one auto slot followed by human slots.
func testConfig(humans int) *config.Config {
	cfg := config.Default()
	cfg.Ai.MaxSpeedVariation = 0
	cfg.EntryList = []config.EntryCar{{Model: "hatch", Skin: "red", AiMode: config.AiModeAuto}}
	for i := 0; i < humans; i++ {
		cfg.EntryList = append(cfg.EntryList, config.EntryCar{Model: "coupe", AiMode: config.AiModeNone})
	}
	return cfg
}

type fakeSource struct {
	observers []Observer
}

func (f *fakeSource) Observers() []Observer {
	return append([]Observer(nil), f.observers...)
}

type sentEvent struct {
	kind     string // "position", "cosmetic" or "disconnect"
	observer uint8
	slot     uint8
	color    uint32
	updates  []PositionUpdate
}

type fakeTransport struct {
	events        []sentEvent
	failCosmetic  map[uint8]bool
	panicPosition map[uint8]bool
}

func (f *fakeTransport) SendPositionUpdates(observer uint8, batch []PositionUpdate) error {
	if f.panicPosition[observer] {
		panic("boom")
	}
	f.events = append(f.events, sentEvent{kind: "position", observer: observer, updates: append([]PositionUpdate(nil), batch...)})
	return nil
}

func (f *fakeTransport) SendCosmetic(observer, slot uint8, color uint32) error {
	if f.failCosmetic[observer] {
		return errCosmetic
	}
	f.events = append(f.events, sentEvent{kind: "cosmetic", observer: observer, slot: slot, color: color})
	return nil
}

func (f *fakeTransport) SendSlotDisconnect(slot uint8) error {
	f.events = append(f.events, sentEvent{kind: "disconnect", slot: slot})
	return nil
}

var errCosmetic = &transportError{"cosmetic rejected"}

type transportError struct{ msg string }

func (e *transportError) Error() string { return e.msg }

// updatesFor returns every position update observer received for slot, in order.
func (f *fakeTransport) updatesFor(observer, slot uint8) []PositionUpdate {
	var out []PositionUpdate
	for _, e := range f.events {
		if e.kind != "position" || e.observer != observer {
			continue
		}
		for _, u := range e.updates {
			if u.SessionID == slot {
				out = append(out, u)
			}
		}
	}
	return out
}

func (f *fakeTransport) count(kind string) int {
	n := 0
	for _, e := range f.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

func newScheduler(t *testing.T, idx *spline.Index, cfg *config.Config, src ObserverSource, tr Transport, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{WithRand(rand.New(rand.NewPCG(7, 11)))}, opts...)
	return NewScheduler(idx, config.NewStore(cfg), src, tr, zap.NewNop(), opts...)
}

func initialized(slot *Slot) []*State {
	var out []*State
	for _, st := range slot.States() {
		if st.Initialized() {
			out = append(out, st)
		}
	}
	return out
}

// pointNear returns the id of the spline point closest to pos.
func pointNear(t *testing.T, idx *spline.Index, pos spline.Vec3) int32 {
	t.Helper()
	id, _ := idx.Nearest(pos)
	require.GreaterOrEqual(t, id, int32(0))
	return id
}
