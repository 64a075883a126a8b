package spline

import "fmt"

// view is a bounds-checked window of fixed-size records over the asset bytes.
type view struct {
	data   []byte
	count  int
	stride int
}

func (v view) record(i int) ([]byte, bool) {
	if i < 0 || i >= v.count {
		return nil, false
	}
	off := i * v.stride
	return v.data[off : off+v.stride], true
}

// Index is a read-only spatial index over a loaded spline asset.
// It is safe for concurrent use.
type Index struct {
	data    []byte
	release func() error

	points    view
	junctions view
	kdPoints  view
	kdIDs     view
	lanes     []byte
}

// Open validates data and wraps it in an Index without copying.
// release, when non-nil, is called by Close.
func Open(data []byte, release func() error) (*Index, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorruptAsset, len(data))
	}
	if v := le.Uint32(data[0:]); v != FormatVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, v, FormatVersion)
	}
	pointCount := int(le.Uint32(data[4:]))
	junctionCount := int(le.Uint32(data[8:]))
	kdCount := int(le.Uint32(data[12:]))

	pointsEnd := headerSize + pointCount*pointSize
	junctionsEnd := pointsEnd + junctionCount*junctionSize
	kdPointsEnd := junctionsEnd + kdCount*kdPointSize
	kdIDsEnd := kdPointsEnd + kdCount*kdIDSize
	if pointCount < 0 || junctionCount < 0 || kdCount < 0 || kdIDsEnd > len(data) || kdIDsEnd < headerSize {
		return nil, fmt.Errorf("%w: sections exceed %d bytes", ErrCorruptAsset, len(data))
	}
	if kdCount != pointCount {
		return nil, fmt.Errorf("%w: %d kd entries for %d points", ErrCorruptAsset, kdCount, pointCount)
	}

	x := &Index{
		data:      data,
		release:   release,
		points:    view{data: data[headerSize:pointsEnd], count: pointCount, stride: pointSize},
		junctions: view{data: data[pointsEnd:junctionsEnd], count: junctionCount, stride: junctionSize},
		kdPoints:  view{data: data[junctionsEnd:kdPointsEnd], count: kdCount, stride: kdPointSize},
		kdIDs:     view{data: data[kdPointsEnd:kdIDsEnd], count: kdCount, stride: kdIDSize},
		lanes:     data[kdIDsEnd:],
	}
	if err := x.checkLinks(); err != nil {
		return nil, err
	}
	return x, nil
}

// checkLinks rejects ids and offsets that would index outside the asset.
func (x *Index) checkLinks() error {
	n := int32(x.points.count)
	valid := func(id int32) bool { return id >= -1 && id < n }
	for i := 0; i < x.points.count; i++ {
		p, _ := x.Point(int32(i))
		if p.ID != int32(i) {
			return fmt.Errorf("%w: point %d carries id %d", ErrCorruptAsset, i, p.ID)
		}
		if !valid(p.PreviousID) || !valid(p.NextID) || !valid(p.LeftID) || !valid(p.RightID) {
			return fmt.Errorf("%w: point %d links outside the index", ErrCorruptAsset, i)
		}
		if p.JunctionStartID < -1 || int(p.JunctionStartID) >= x.junctions.count ||
			p.JunctionEndID < -1 || int(p.JunctionEndID) >= x.junctions.count {
			return fmt.Errorf("%w: point %d references a missing junction", ErrCorruptAsset, i)
		}
		if _, ok := x.laneEntry(p.LanesOffset); !ok {
			return fmt.Errorf("%w: point %d lane offset %d out of range", ErrCorruptAsset, i, p.LanesOffset)
		}
	}
	for i := 0; i < x.junctions.count; i++ {
		j, _ := x.Junction(int32(i))
		if j.StartID < 0 || j.StartID >= n || j.EndID < 0 || j.EndID >= n {
			return fmt.Errorf("%w: junction %d links outside the index", ErrCorruptAsset, i)
		}
	}
	return nil
}

// Close releases the underlying mapping. The Index must not be used afterwards.
func (x *Index) Close() error {
	if x.release == nil {
		return nil
	}
	release := x.release
	x.release = nil
	return release()
}

// Bytes returns the raw asset.
func (x *Index) Bytes() []byte { return x.data }

func (x *Index) PointCount() int { return x.points.count }

func (x *Index) JunctionCount() int { return x.junctions.count }

// Point decodes the point with the given id.
func (x *Index) Point(id int32) (Point, bool) {
	b, ok := x.points.record(int(id))
	if !ok {
		return Point{}, false
	}
	return decodePoint(b), true
}

// Position returns the world position of a point, or the zero vector for an invalid id.
func (x *Index) Position(id int32) Vec3 {
	b, ok := x.points.record(int(id))
	if !ok {
		return Vec3{}
	}
	return getVec3(b[4:])
}

// Next returns the id following id, or -1.
func (x *Index) Next(id int32) int32 {
	b, ok := x.points.record(int(id))
	if !ok {
		return -1
	}
	return getI32(b[32:])
}

func (x *Index) Junction(id int32) (Junction, bool) {
	b, ok := x.junctions.record(int(id))
	if !ok {
		return Junction{}, false
	}
	return decodeJunction(b), true
}

// ForwardVector returns the vector from a point to its successor.
// It is zero for terminal or invalid points.
func (x *Index) ForwardVector(id int32) Vec3 {
	p, ok := x.Point(id)
	if !ok || p.NextID < 0 {
		return Vec3{}
	}
	return x.Position(p.NextID).Sub(p.Position)
}

// IsSameDirection reports whether the forward vectors of a and b point the same way.
func (x *Index) IsSameDirection(a, b int32) bool {
	fa, fb := x.ForwardVector(a), x.ForwardVector(b)
	return fa.Dot(fb) > 0
}

// Camber returns the camber at id, blended toward the next point by blend in [0, 1].
func (x *Index) Camber(id int32, blend float32) float32 {
	p, ok := x.Point(id)
	if !ok {
		return 0
	}
	if blend == 0 || p.NextID < 0 {
		return p.Camber
	}
	next, _ := x.Point(p.NextID)
	return p.Camber + (next.Camber-p.Camber)*blend
}

// LanesFor returns the lane group of id ordered left to right. Every member of a
// group resolves to the same table entry.
func (x *Index) LanesFor(id int32) []int32 {
	p, ok := x.Point(id)
	if !ok {
		return nil
	}
	entry, _ := x.laneEntry(p.LanesOffset)
	return entry
}

// LaneOffset returns the lane table offset of id, or -1.
func (x *Index) LaneOffset(id int32) int32 {
	p, ok := x.Point(id)
	if !ok {
		return -1
	}
	return p.LanesOffset
}

func (x *Index) laneEntry(offset int32) ([]int32, bool) {
	off := int(offset)
	if off < 0 || off+4 > len(x.lanes) {
		return nil, false
	}
	count := int(getI32(x.lanes[off:]))
	end := off + 4 + count*4
	if count < 0 || end > len(x.lanes) {
		return nil, false
	}
	ids := make([]int32, count)
	for i := range ids {
		ids[i] = getI32(x.lanes[off+4+i*4:])
	}
	return ids, true
}

// Nearest returns the point closest to pos and its squared distance,
// or (-1, +Inf) on an empty index.
func (x *Index) Nearest(pos Vec3) (int32, float32) {
	return kdNearest(x, pos, nil)
}

// NearestWhere is Nearest restricted to points accepted by keep.
func (x *Index) NearestWhere(pos Vec3, keep func(id int32) bool) (int32, float32) {
	return kdNearest(x, pos, keep)
}

func (x *Index) kdLen() int { return x.kdPoints.count }

func (x *Index) kdAt(i int) (Vec3, int32) {
	pb, _ := x.kdPoints.record(i)
	ib, _ := x.kdIDs.record(i)
	return getVec3(pb), getI32(ib)
}

// Export decodes the whole index into an in-memory Spline.
func (x *Index) Export() *Spline {
	s := &Spline{
		Points:    make([]Point, x.points.count),
		Junctions: make([]Junction, x.junctions.count),
		KDPoints:  make([]Vec3, x.kdPoints.count),
		KDIDs:     make([]int32, x.kdIDs.count),
		LaneTable: make([]int32, len(x.lanes)/4),
	}
	for i := range s.Points {
		s.Points[i], _ = x.Point(int32(i))
	}
	for i := range s.Junctions {
		s.Junctions[i], _ = x.Junction(int32(i))
	}
	for i := range s.KDPoints {
		s.KDPoints[i], s.KDIDs[i] = x.kdAt(i)
	}
	for i := range s.LaneTable {
		s.LaneTable[i] = getI32(x.lanes[i*4:])
	}
	return s
}
