package config

import (
	"math"
	"time"
)

// DensityAt returns the traffic density elapsed into the session. With an hourly
// table the simulated hour is StartHour + elapsed*TimeOfDayMultiplier, wrapped at
// 24h, and the two bracketing entries are interpolated linearly.
func (ai AiParams) DensityAt(elapsed time.Duration) float64 {
	if len(ai.HourlyTrafficDensity) != 24 {
		return ai.TrafficDensity
	}
	hour := math.Mod(ai.StartHour+elapsed.Hours()*ai.TimeOfDayMultiplier, 24)
	if hour < 0 {
		hour += 24
	}
	lo := int(math.Floor(hour)) % 24
	hi := (lo + 1) % 24
	frac := hour - math.Floor(hour)
	a, b := ai.HourlyTrafficDensity[lo], ai.HourlyTrafficDensity[hi]
	return a + (b-a)*frac
}
