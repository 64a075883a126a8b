package spline

import (
	"math"
	"sort"
)

// kdSource is an implicit balanced KD tree: the node of the range [lo, hi) sits at
// (lo+hi)/2 and splits on axis depth%3.
type kdSource interface {
	kdLen() int
	kdAt(i int) (Vec3, int32)
}

type memKD struct {
	pos []Vec3
	ids []int32
}

func (m memKD) kdLen() int { return len(m.pos) }

func (m memKD) kdAt(i int) (Vec3, int32) { return m.pos[i], m.ids[i] }

func kdNearest(src kdSource, pos Vec3, keep func(int32) bool) (int32, float32) {
	s := kdSearch{src: src, pos: pos, keep: keep, best: -1, bestDist: float32(math.Inf(1))}
	s.visit(0, src.kdLen(), 0)
	return s.best, s.bestDist
}

type kdSearch struct {
	src      kdSource
	pos      Vec3
	keep     func(int32) bool
	best     int32
	bestDist float32
}

func (s *kdSearch) visit(lo, hi, depth int) {
	if lo >= hi {
		return
	}
	mid := (lo + hi) / 2
	p, id := s.src.kdAt(mid)
	if d := p.DistanceSquared(s.pos); d < s.bestDist && (s.keep == nil || s.keep(id)) {
		s.best, s.bestDist = id, d
	}

	axis := depth % 3
	delta := s.pos.axis(axis) - p.axis(axis)
	if delta > 0 {
		s.visit(mid+1, hi, depth+1)
		if delta*delta < s.bestDist {
			s.visit(lo, mid, depth+1)
		}
		return
	}
	s.visit(lo, mid, depth+1)
	if delta*delta < s.bestDist {
		s.visit(mid+1, hi, depth+1)
	}
}

// layoutKD arranges points in KD order.
func layoutKD(points []Point) ([]Vec3, []int32) {
	ids := make([]int32, len(points))
	for i := range ids {
		ids[i] = int32(i)
	}
	buildKD(points, ids, 0)

	pos := make([]Vec3, len(ids))
	for i, id := range ids {
		pos[i] = points[id].Position
	}
	return pos, ids
}

func buildKD(points []Point, ids []int32, depth int) {
	if len(ids) <= 1 {
		return
	}
	axis := depth % 3
	sort.SliceStable(ids, func(a, b int) bool {
		pa, pb := points[ids[a]].Position.axis(axis), points[ids[b]].Position.axis(axis)
		if pa != pb {
			return pa < pb
		}
		return ids[a] < ids[b]
	})
	mid := len(ids) / 2
	buildKD(points, ids[:mid], depth+1)
	buildKD(points, ids[mid+1:], depth+1)
}
