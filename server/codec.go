package server

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"racesim-server/spline"
	"racesim-server/traffic"
)

// ErrMalformedFrame is returned for binary frames that do not decode to a batch.
var ErrMalformedFrame = errors.New("malformed position frame")

// Field numbers of the binary position batch. A batch is a sequence of field 1
// (length-delimited update records); unknown fields are skipped.
const (
	fieldUpdate protowire.Number = 1

	fieldSessionID        protowire.Number = 1
	fieldPakSequenceID    protowire.Number = 2
	fieldTimestamp        protowire.Number = 3
	fieldPing             protowire.Number = 4
	fieldPosition         protowire.Number = 5
	fieldRotation         protowire.Number = 6
	fieldVelocity         protowire.Number = 7
	fieldTyreAngularSpeed protowire.Number = 8
	fieldSteerAngle       protowire.Number = 9
	fieldWheelAngle       protowire.Number = 10
	fieldEngineRpm        protowire.Number = 11
	fieldGear             protowire.Number = 12
	fieldStatusFlag       protowire.Number = 13
	fieldPerformanceDelta protowire.Number = 14
	fieldGas              protowire.Number = 15
)

// EncodePositionBatch appends the wire form of batch to dst.
func EncodePositionBatch(dst []byte, batch []traffic.PositionUpdate) []byte {
	var rec []byte
	for i := range batch {
		rec = appendUpdate(rec[:0], &batch[i])
		dst = protowire.AppendTag(dst, fieldUpdate, protowire.BytesType)
		dst = protowire.AppendBytes(dst, rec)
	}
	return dst
}

func appendUpdate(b []byte, u *traffic.PositionUpdate) []byte {
	varint := func(num protowire.Number, v uint64) {
		b = protowire.AppendTag(b, num, protowire.VarintType)
		b = protowire.AppendVarint(b, v)
	}
	vec := func(num protowire.Number, v spline.Vec3) {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendVarint(b, 12)
		b = protowire.AppendFixed32(b, math.Float32bits(v.X))
		b = protowire.AppendFixed32(b, math.Float32bits(v.Y))
		b = protowire.AppendFixed32(b, math.Float32bits(v.Z))
	}

	varint(fieldSessionID, uint64(u.SessionID))
	varint(fieldPakSequenceID, uint64(u.PakSequenceID))
	varint(fieldTimestamp, uint64(u.Timestamp))
	varint(fieldPing, uint64(u.PingUpdate))
	vec(fieldPosition, u.Position)
	vec(fieldRotation, u.Rotation)
	vec(fieldVelocity, u.Velocity)
	b = protowire.AppendTag(b, fieldTyreAngularSpeed, protowire.BytesType)
	b = protowire.AppendBytes(b, u.TyreAngularSpeed[:])
	varint(fieldSteerAngle, uint64(u.SteerAngle))
	varint(fieldWheelAngle, uint64(u.WheelAngle))
	varint(fieldEngineRpm, uint64(u.EngineRpm))
	varint(fieldGear, uint64(u.Gear))
	varint(fieldStatusFlag, uint64(u.StatusFlag))
	varint(fieldPerformanceDelta, protowire.EncodeZigZag(int64(u.PerformanceDelta)))
	varint(fieldGas, uint64(u.Gas))
	return b
}

// DecodePositionBatch parses a frame produced by EncodePositionBatch.
func DecodePositionBatch(b []byte) ([]traffic.PositionUpdate, error) {
	var out []traffic.PositionUpdate
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldUpdate || typ != protowire.BytesType {
			if n = protowire.ConsumeFieldValue(num, typ, b); n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		rec, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		u, err := decodeUpdate(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func decodeUpdate(b []byte) (traffic.PositionUpdate, error) {
	var u traffic.PositionUpdate
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return u, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return u, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			b = b[n:]
			setVarint(&u, num, v)
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return u, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			b = b[n:]
			if err := setBytes(&u, num, v); err != nil {
				return u, err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return u, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return u, nil
}

func setVarint(u *traffic.PositionUpdate, num protowire.Number, v uint64) {
	switch num {
	case fieldSessionID:
		u.SessionID = uint8(v)
	case fieldPakSequenceID:
		u.PakSequenceID = uint8(v)
	case fieldTimestamp:
		u.Timestamp = uint32(v)
	case fieldPing:
		u.PingUpdate = uint16(v)
	case fieldSteerAngle:
		u.SteerAngle = uint8(v)
	case fieldWheelAngle:
		u.WheelAngle = uint8(v)
	case fieldEngineRpm:
		u.EngineRpm = uint16(v)
	case fieldGear:
		u.Gear = uint8(v)
	case fieldStatusFlag:
		u.StatusFlag = uint32(v)
	case fieldPerformanceDelta:
		u.PerformanceDelta = int16(protowire.DecodeZigZag(v))
	case fieldGas:
		u.Gas = uint8(v)
	}
}

func setBytes(u *traffic.PositionUpdate, num protowire.Number, v []byte) error {
	var dst *spline.Vec3
	switch num {
	case fieldPosition:
		dst = &u.Position
	case fieldRotation:
		dst = &u.Rotation
	case fieldVelocity:
		dst = &u.Velocity
	case fieldTyreAngularSpeed:
		if len(v) != len(u.TyreAngularSpeed) {
			return fmt.Errorf("%w: tyre speeds have %d bytes", ErrMalformedFrame, len(v))
		}
		copy(u.TyreAngularSpeed[:], v)
		return nil
	default:
		return nil
	}
	if len(v) != 12 {
		return fmt.Errorf("%w: vector field %d has %d bytes", ErrMalformedFrame, num, len(v))
	}
	var f [3]float32
	for i := range f {
		x, _ := protowire.ConsumeFixed32(v[i*4:])
		f[i] = math.Float32frombits(x)
	}
	*dst = spline.Vec3{X: f[0], Y: f[1], Z: f[2]}
	return nil
}
