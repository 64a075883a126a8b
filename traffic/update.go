package traffic

import "racesim-server/spline"

// Status flag bits carried in PositionUpdate.StatusFlag.
const (
	StatusLightsOn       uint32 = 1 << 5
	StatusHorn           uint32 = 1 << 6
	StatusHazardsOn      uint32 = 1 << 13
	StatusIndicateLeft   uint32 = 1 << 14
	StatusIndicateRight  uint32 = 1 << 15
	StatusHighBeamsOff   uint32 = 1 << 16
	indicatorStatusFlags        = StatusIndicateLeft | StatusIndicateRight
)

// PositionUpdate is the per-car status record sent to observers. Humans and
// traffic states produce the same shape.
type PositionUpdate struct {
	SessionID        uint8
	PakSequenceID    uint8
	Timestamp        uint32
	PingUpdate       uint16
	Position         spline.Vec3
	Rotation         spline.Vec3
	Velocity         spline.Vec3
	TyreAngularSpeed [4]uint8
	SteerAngle       uint8
	WheelAngle       uint8
	EngineRpm        uint16
	Gear             uint8
	StatusFlag       uint32
	PerformanceDelta int16
	Gas              uint8
}

// indicatorFlag converts junction indicator values into status bits.
func indicatorFlag(indicate int32) uint32 {
	switch indicate {
	case spline.IndicateLeft:
		return StatusIndicateLeft
	case spline.IndicateRight:
		return StatusIndicateRight
	}
	return 0
}
