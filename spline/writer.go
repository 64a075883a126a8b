package spline

import (
	"bufio"
	"fmt"
	"io"
)

// Spline is the in-memory form of an asset, produced by Builder or Index.Export.
type Spline struct {
	Points    []Point
	Junctions []Junction
	KDPoints  []Vec3
	KDIDs     []int32
	// LaneTable holds consecutive {count, ids...} entries. Point.LanesOffset is a
	// byte offset into it.
	LaneTable []int32
}

// Write serializes s in the asset format.
func Write(w io.Writer, s *Spline) error {
	if len(s.KDPoints) != len(s.KDIDs) {
		return fmt.Errorf("%w: %d kd points, %d kd ids", ErrCorruptAsset, len(s.KDPoints), len(s.KDIDs))
	}
	bw := bufio.NewWriter(w)

	var hdr [headerSize]byte
	le.PutUint32(hdr[0:], FormatVersion)
	le.PutUint32(hdr[4:], uint32(len(s.Points)))
	le.PutUint32(hdr[8:], uint32(len(s.Junctions)))
	le.PutUint32(hdr[12:], uint32(len(s.KDPoints)))
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}

	var pb [pointSize]byte
	for _, p := range s.Points {
		encodePoint(pb[:], p)
		if _, err := bw.Write(pb[:]); err != nil {
			return err
		}
	}
	var jb [junctionSize]byte
	for _, j := range s.Junctions {
		encodeJunction(jb[:], j)
		if _, err := bw.Write(jb[:]); err != nil {
			return err
		}
	}
	var kb [kdPointSize]byte
	for _, v := range s.KDPoints {
		putVec3(kb[:], v)
		if _, err := bw.Write(kb[:]); err != nil {
			return err
		}
	}
	var ib [4]byte
	for _, id := range s.KDIDs {
		putI32(ib[:], id)
		if _, err := bw.Write(ib[:]); err != nil {
			return err
		}
	}
	for _, v := range s.LaneTable {
		putI32(ib[:], v)
		if _, err := bw.Write(ib[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}
