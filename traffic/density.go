package traffic

import (
	"context"
	"time"

	"go.uber.org/zap"

	"racesim-server/config"
)

// DensityAt returns the traffic density elapsed into the session.
func DensityAt(ai config.AiParams, elapsed time.Duration) float64 {
	return ai.DensityAt(elapsed)
}

// DensityController periodically publishes the effective density to the store.
type DensityController struct {
	store *config.Store
	log   *zap.Logger
	start time.Time
	clock func() time.Time
}

func NewDensityController(store *config.Store, log *zap.Logger) *DensityController {
	return &DensityController{store: store, log: log, start: time.Now(), clock: time.Now}
}

// Refresh computes the density for the current time and publishes a new snapshot
// when it changed.
func (d *DensityController) Refresh() float64 {
	cfg := d.store.Load()
	density := DensityAt(cfg.Ai, d.clock().Sub(d.start))
	if density == cfg.Density {
		return density
	}
	next := d.store.Update(func(c *config.Config) { c.Density = density })
	d.log.Debug("Density: updated", zap.Float64("density", density), zap.Uint64("version", next.Version))
	return density
}

// Run refreshes every DENSITY_INTERVAL until ctx is cancelled.
func (d *DensityController) Run(ctx context.Context) {
	ticker := time.NewTicker(config.DENSITY_INTERVAL)
	defer ticker.Stop()
	d.Refresh()
	for {
		select {
		case <-ticker.C:
			d.Refresh()
		case <-ctx.Done():
			d.log.Info("Density: controller stopped")
			return
		}
	}
}
