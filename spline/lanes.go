package spline

import "go.uber.org/zap"

type laneWalker struct {
	points   []Point
	twoWay   bool
	assigned []bool
	log      *zap.Logger
}

func (w *laneWalker) forward(id int32) Vec3 {
	p := w.points[id]
	if p.NextID < 0 {
		return Vec3{}
	}
	return w.points[p.NextID].Position.Sub(p.Position)
}

func (w *laneWalker) sameDirection(a, b int32) bool {
	return w.forward(a).Dot(w.forward(b)) > 0
}

// walk collects neighbours of seed on one side. Same-direction neighbours continue on
// that side; with two-way traffic an oncoming neighbour is kept and continues on its
// opposite side.
func (w *laneWalker) walk(seed int32, left bool) []int32 {
	var out []int32
	visited := map[int32]bool{seed: true}
	cur, curLeft := seed, left
	for hops := 0; ; hops++ {
		var n int32
		if curLeft {
			n = w.points[cur].LeftID
		} else {
			n = w.points[cur].RightID
		}
		if n < 0 || w.assigned[n] {
			return out
		}
		if visited[n] {
			w.log.Warn("Spline: lane traversal cycle",
				zap.Int32("seed", seed), zap.Int32("point", n), zap.Bool("left", left))
			return out
		}
		if hops == MaxLaneHops {
			w.log.Warn("Spline: lane traversal exceeded hop limit",
				zap.Int32("seed", seed), zap.Int("hops", MaxLaneHops), zap.Bool("left", left))
			return out
		}

		same := w.sameDirection(seed, n)
		if !same && !w.twoWay {
			return out
		}
		visited[n] = true
		out = append(out, n)
		// An oncoming lane's own left/right are mirrored relative to the seed.
		nextLeft := left
		if !same {
			nextLeft = !left
		}
		cur, curLeft = n, nextLeft
	}
}

// buildLaneTable computes a lane group for every point and stores it in the table.
// Groups partition the points; each member's LanesOffset references its group.
func buildLaneTable(points []Point, twoWay bool, log *zap.Logger) []int32 {
	w := &laneWalker{points: points, twoWay: twoWay, assigned: make([]bool, len(points)), log: log}
	var table []int32

	for i := range points {
		seed := int32(i)
		if w.assigned[seed] {
			continue
		}
		left := w.walk(seed, true)
		for _, id := range left {
			w.assigned[id] = true
		}
		w.assigned[seed] = true
		right := w.walk(seed, false)

		group := make([]int32, 0, len(left)+1+len(right))
		for k := len(left) - 1; k >= 0; k-- {
			group = append(group, left[k])
		}
		group = append(group, seed)
		group = append(group, right...)

		offset := int32(len(table) * 4)
		table = append(table, int32(len(group)))
		table = append(table, group...)
		for _, id := range group {
			w.assigned[id] = true
			points[id].LanesOffset = offset
		}
	}
	return table
}
