package spline

import (
	"encoding/json"
	"fmt"
	"io"
	"math"

	"go.uber.org/zap"
)

// straightRadius is the corner radius stored for straight or terminal segments.
const straightRadius = 10000

// LaneFile is the JSON document found in ai/*.lanes.json.
type LaneFile struct {
	LaneWidth float32       `json:"lane_width"`
	Lanes     []LaneDef     `json:"lanes"`
	Junctions []JunctionDef `json:"junctions"`
}

type LaneDef struct {
	Name   string       `json:"name"`
	Closed bool         `json:"closed"`
	Points [][3]float32 `json:"points"`
	Camber []float32    `json:"camber"`
}

type JunctionDef struct {
	From             string  `json:"from"`
	FromIndex        int     `json:"from_index"`
	To               string  `json:"to"`
	ToIndex          int     `json:"to_index"`
	Probability      float32 `json:"probability"`
	IndicateTaken    int32   `json:"indicate_taken"`
	IndicateNotTaken int32   `json:"indicate_not_taken"`
	DistancePre      float32 `json:"distance_pre"`
	DistancePost     float32 `json:"distance_post"`
}

// BuildOptions control asset generation.
type BuildOptions struct {
	TwoWay    bool
	LaneWidth float32 // overrides the files' lane_width when positive
	Log       *zap.Logger
}

// Builder assembles lane definitions into a Spline.
type Builder struct {
	opts      BuildOptions
	laneWidth float32
	lanes     []LaneDef
	junctions []JunctionDef
	names     map[string]int
}

func NewBuilder(opts BuildOptions) *Builder {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Builder{opts: opts, names: make(map[string]int)}
}

// AddFile decodes one lane definition document.
func (b *Builder) AddFile(name string, r io.Reader) error {
	var f LaneFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return b.Add(f)
}

// Add appends lanes and junctions. Lane names must be unique across all calls.
func (b *Builder) Add(f LaneFile) error {
	if f.LaneWidth > 0 && b.laneWidth == 0 {
		b.laneWidth = f.LaneWidth
	}
	for _, l := range f.Lanes {
		if _, dup := b.names[l.Name]; dup {
			return fmt.Errorf("duplicate lane %q", l.Name)
		}
		if len(l.Points) < 2 {
			return fmt.Errorf("lane %q needs at least 2 points, has %d", l.Name, len(l.Points))
		}
		b.names[l.Name] = len(b.lanes)
		b.lanes = append(b.lanes, l)
	}
	b.junctions = append(b.junctions, f.Junctions...)
	return nil
}

// Build resolves links, adjacency, junctions, the KD layout and lane groups.
func (b *Builder) Build() (*Spline, error) {
	width := b.laneWidth
	if b.opts.LaneWidth > 0 {
		width = b.opts.LaneWidth
	}
	if width <= 0 {
		width = 3
	}

	var points []Point
	laneOf := []int{}
	starts := make([]int32, len(b.lanes))
	for li, l := range b.lanes {
		starts[li] = int32(len(points))
		for pi, c := range l.Points {
			p := Point{
				ID:              int32(len(points)),
				Position:        Vec3{c[0], c[1], c[2]},
				PreviousID:      -1,
				NextID:          -1,
				LeftID:          -1,
				RightID:         -1,
				JunctionStartID: -1,
				JunctionEndID:   -1,
			}
			if pi < len(l.Camber) {
				p.Camber = l.Camber[pi]
			}
			points = append(points, p)
			laneOf = append(laneOf, li)
		}
	}

	for li, l := range b.lanes {
		first := starts[li]
		last := first + int32(len(l.Points)) - 1
		for id := first; id <= last; id++ {
			if id > first {
				points[id].PreviousID = id - 1
			}
			if id < last {
				points[id].NextID = id + 1
			}
		}
		if l.Closed {
			points[first].PreviousID = last
			points[last].NextID = first
		}
	}

	for i := range points {
		p := &points[i]
		if p.NextID >= 0 {
			p.Length = points[p.NextID].Position.Sub(p.Position).Length()
		}
		p.Radius = straightRadius
		if p.PreviousID >= 0 && p.NextID >= 0 {
			p.Radius = circumradius(points[p.PreviousID].Position, p.Position, points[p.NextID].Position)
		}
	}

	kdPos, kdIDs := layoutKD(points)
	kd := memKD{pos: kdPos, ids: kdIDs}
	linkLateral(points, laneOf, kd, width)

	junctions, err := b.resolveJunctions(points, starts)
	if err != nil {
		return nil, err
	}

	table := buildLaneTable(points, b.opts.TwoWay, b.opts.Log)
	b.opts.Log.Info("Spline: built",
		zap.Int("points", len(points)), zap.Int("lanes", len(b.lanes)),
		zap.Int("junctions", len(junctions)), zap.Float32("lane_width", width))

	return &Spline{
		Points:    points,
		Junctions: junctions,
		KDPoints:  kdPos,
		KDIDs:     kdIDs,
		LaneTable: table,
	}, nil
}

func (b *Builder) resolveJunctions(points []Point, starts []int32) ([]Junction, error) {
	resolve := func(lane string, index int) (int32, error) {
		li, ok := b.names[lane]
		if !ok {
			return -1, fmt.Errorf("junction references unknown lane %q", lane)
		}
		if index < 0 || index >= len(b.lanes[li].Points) {
			return -1, fmt.Errorf("junction index %d out of range for lane %q", index, lane)
		}
		return starts[li] + int32(index), nil
	}

	out := make([]Junction, 0, len(b.junctions))
	for _, def := range b.junctions {
		start, err := resolve(def.From, def.FromIndex)
		if err != nil {
			return nil, err
		}
		end, err := resolve(def.To, def.ToIndex)
		if err != nil {
			return nil, err
		}
		id := int32(len(out))
		if points[start].JunctionStartID >= 0 {
			b.opts.Log.Warn("Spline: point already starts a junction, replacing",
				zap.Int32("point", start), zap.Int32("junction", id))
		}
		points[start].JunctionStartID = id
		points[end].JunctionEndID = id
		out = append(out, Junction{
			ID:                   id,
			StartID:              start,
			EndID:                end,
			Probability:          clamp01(def.Probability),
			IndicateWhenTaken:    def.IndicateTaken,
			IndicateWhenNotTaken: def.IndicateNotTaken,
			IndicateDistancePre:  def.DistancePre,
			IndicateDistancePost: def.DistancePost,
		})
	}
	return out, nil
}

// linkLateral sets LeftID/RightID to the nearest point of another lane found one
// lane width to either side.
func linkLateral(points []Point, laneOf []int, kd memKD, width float32) {
	tolerance := (width * 0.5) * (width * 0.5)
	for i := range points {
		p := &points[i]
		var fwd Vec3
		switch {
		case p.NextID >= 0:
			fwd = points[p.NextID].Position.Sub(p.Position)
		case p.PreviousID >= 0:
			fwd = p.Position.Sub(points[p.PreviousID].Position)
		}
		right := fwd.Right()
		if right == (Vec3{}) {
			continue
		}
		lane := laneOf[i]
		other := func(id int32) bool { return laneOf[id] != lane }

		if id, d := kdNearest(kd, p.Position.Add(right.Scale(width)), other); id >= 0 && d <= tolerance {
			p.RightID = id
		}
		if id, d := kdNearest(kd, p.Position.Sub(right.Scale(width)), other); id >= 0 && d <= tolerance {
			p.LeftID = id
		}
	}
}

func circumradius(a, b, c Vec3) float32 {
	ab, bc, ca := b.Sub(a).Length(), c.Sub(b).Length(), a.Sub(c).Length()
	u, v := b.Sub(a), c.Sub(a)
	cross := Vec3{u.Y*v.Z - u.Z*v.Y, u.Z*v.X - u.X*v.Z, u.X*v.Y - u.Y*v.X}
	area2 := cross.Length()
	if area2 < 1e-6 {
		return straightRadius
	}
	r := ab * bc * ca / (2 * area2)
	if r > straightRadius || math.IsNaN(float64(r)) {
		return straightRadius
	}
	return r
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
