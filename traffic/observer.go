package traffic

import (
	"time"

	"racesim-server/spline"
)

// NoSpectateTarget marks an observer that follows its own car.
const NoSpectateTarget = -1

// Observer is a connected human as seen by the scheduler. SessionID is also the
// id of the slot the human occupies.
type Observer struct {
	SessionID      uint8
	Position       spline.Vec3
	Velocity       spline.Vec3
	Rotation       spline.Vec3
	Ping           uint16
	SpectateTarget int
	LastActive     time.Time
}

// Active reports whether the observer moved or sent input within timeout.
func (o Observer) Active(now time.Time, timeout time.Duration) bool {
	return timeout <= 0 || now.Sub(o.LastActive) <= timeout
}

// Spectating reports whether the observer is watching a car other than its own.
func (o Observer) Spectating() bool {
	return o.SpectateTarget != NoSpectateTarget && o.SpectateTarget != int(o.SessionID)
}

// ObserverSource lists the observers connected at the start of a tick.
type ObserverSource interface {
	Observers() []Observer
}

// Transport delivers traffic output. Implementations must not block.
type Transport interface {
	SendPositionUpdates(observer uint8, batch []PositionUpdate) error
	SendCosmetic(observer uint8, slot uint8, color uint32) error
	SendSlotDisconnect(slot uint8) error
}
