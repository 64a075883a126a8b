package spline

import (
	"encoding/binary"
	"errors"
	"math"
)

// FormatVersion is the only asset version this package reads and writes.
const FormatVersion = 3

const (
	headerSize   = 16
	pointSize    = 56
	junctionSize = 32
	kdPointSize  = 12
	kdIDSize     = 4

	// MaxLaneHops bounds the lateral walk on each side of a seed point.
	MaxLaneHops = 10
)

var (
	ErrUnsupportedVersion = errors.New("unsupported spline asset version")
	ErrCorruptAsset       = errors.New("corrupt spline asset")
	ErrTrackNotFound      = errors.New("track directory not found")
)

var le = binary.LittleEndian

// Point is one node of the driving line.
type Point struct {
	ID              int32
	Position        Vec3
	Radius          float32
	Camber          float32
	Length          float32
	PreviousID      int32
	NextID          int32
	LeftID          int32
	RightID         int32
	JunctionStartID int32
	JunctionEndID   int32
	LanesOffset     int32
}

// Junction is a branch from one lane onto another.
type Junction struct {
	ID                   int32
	StartID              int32
	EndID                int32
	Probability          float32
	IndicateWhenTaken    int32
	IndicateWhenNotTaken int32
	IndicateDistancePre  float32
	IndicateDistancePost float32
}

// Indicator flags used by junctions.
const (
	IndicateLeft  = 1
	IndicateRight = 2
)

func getF32(b []byte) float32    { return math.Float32frombits(le.Uint32(b)) }
func putF32(b []byte, v float32) { le.PutUint32(b, math.Float32bits(v)) }
func getI32(b []byte) int32      { return int32(le.Uint32(b)) }
func putI32(b []byte, v int32)   { le.PutUint32(b, uint32(v)) }

func getVec3(b []byte) Vec3 {
	return Vec3{getF32(b[0:]), getF32(b[4:]), getF32(b[8:])}
}

func putVec3(b []byte, v Vec3) {
	putF32(b[0:], v.X)
	putF32(b[4:], v.Y)
	putF32(b[8:], v.Z)
}

func decodePoint(b []byte) Point {
	return Point{
		ID:              getI32(b[0:]),
		Position:        getVec3(b[4:]),
		Radius:          getF32(b[16:]),
		Camber:          getF32(b[20:]),
		Length:          getF32(b[24:]),
		PreviousID:      getI32(b[28:]),
		NextID:          getI32(b[32:]),
		LeftID:          getI32(b[36:]),
		RightID:         getI32(b[40:]),
		JunctionStartID: getI32(b[44:]),
		JunctionEndID:   getI32(b[48:]),
		LanesOffset:     getI32(b[52:]),
	}
}

func encodePoint(b []byte, p Point) {
	putI32(b[0:], p.ID)
	putVec3(b[4:], p.Position)
	putF32(b[16:], p.Radius)
	putF32(b[20:], p.Camber)
	putF32(b[24:], p.Length)
	putI32(b[28:], p.PreviousID)
	putI32(b[32:], p.NextID)
	putI32(b[36:], p.LeftID)
	putI32(b[40:], p.RightID)
	putI32(b[44:], p.JunctionStartID)
	putI32(b[48:], p.JunctionEndID)
	putI32(b[52:], p.LanesOffset)
}

func decodeJunction(b []byte) Junction {
	return Junction{
		ID:                   getI32(b[0:]),
		StartID:              getI32(b[4:]),
		EndID:                getI32(b[8:]),
		Probability:          getF32(b[12:]),
		IndicateWhenTaken:    getI32(b[16:]),
		IndicateWhenNotTaken: getI32(b[20:]),
		IndicateDistancePre:  getF32(b[24:]),
		IndicateDistancePost: getF32(b[28:]),
	}
}

func encodeJunction(b []byte, j Junction) {
	putI32(b[0:], j.ID)
	putI32(b[4:], j.StartID)
	putI32(b[8:], j.EndID)
	putF32(b[12:], j.Probability)
	putI32(b[16:], j.IndicateWhenTaken)
	putI32(b[20:], j.IndicateWhenNotTaken)
	putF32(b[24:], j.IndicateDistancePre)
	putF32(b[28:], j.IndicateDistancePost)
}
