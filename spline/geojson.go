package spline

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// ExportGeoJSON renders the driving line as a plan view (X, Z) for debug overlays:
// one LineString per connected chain of points and one per junction.
func ExportGeoJSON(x *Index) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	n := x.PointCount()
	visited := make([]bool, n)

	// Open chains first so they are emitted from their first point.
	emit := func(start int32) {
		var line orb.LineString
		closed := false
		id := start
		for id >= 0 && !visited[id] {
			visited[id] = true
			p, _ := x.Point(id)
			line = append(line, orb.Point{float64(p.Position.X), float64(p.Position.Z)})
			id = p.NextID
		}
		if id == start {
			closed = true
			line = append(line, line[0])
		}
		if len(line) < 2 {
			return
		}
		f := geojson.NewFeature(line)
		f.Properties["kind"] = "lane"
		f.Properties["start_id"] = start
		f.Properties["closed"] = closed
		f.Properties["lanes"] = len(x.LanesFor(start))
		fc.Append(f)
	}
	for i := 0; i < n; i++ {
		p, _ := x.Point(int32(i))
		if p.PreviousID < 0 {
			emit(int32(i))
		}
	}
	for i := 0; i < n; i++ {
		if !visited[i] {
			emit(int32(i))
		}
	}

	for i := 0; i < x.JunctionCount(); i++ {
		j, _ := x.Junction(int32(i))
		a, b := x.Position(j.StartID), x.Position(j.EndID)
		f := geojson.NewFeature(orb.LineString{
			{float64(a.X), float64(a.Z)},
			{float64(b.X), float64(b.Z)},
		})
		f.Properties["kind"] = "junction"
		f.Properties["id"] = j.ID
		f.Properties["probability"] = j.Probability
		fc.Append(f)
	}
	return fc
}
