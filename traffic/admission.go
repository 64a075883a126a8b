package traffic

import (
	"errors"

	"go.uber.org/zap"

	"racesim-server/config"
)

var (
	ErrUnknownSlot  = errors.New("unknown slot")
	ErrSlotFixed    = errors.New("slot is reserved for traffic")
	ErrSlotOccupied = errors.New("slot is occupied")
	ErrServerFull   = errors.New("player limit reached")
)

// Admission decides whether a human may take a slot. It shares the scheduler's
// goroutine.
type Admission struct {
	sched *Scheduler
	log   *zap.Logger
}

func NewAdmission(sched *Scheduler, log *zap.Logger) *Admission {
	return &Admission{sched: sched, log: log}
}

// TryAcquire hands slotID to a human. An AI slot is drained gracefully: its states
// despawn normally and the slot stops being AI-controlled once it is empty.
func (a *Admission) TryAcquire(slotID uint8, connectedHumans int) error {
	slot := a.sched.Slot(slotID)
	if slot == nil {
		return ErrUnknownSlot
	}
	if slot.Mode == config.AiModeFixed {
		return ErrSlotFixed
	}
	if slot.occupied {
		return ErrSlotOccupied
	}
	if limit := a.sched.store.Load().Ai.MaxPlayerCount; limit > 0 && connectedHumans >= limit {
		return ErrServerFull
	}

	slot.occupied = true
	if slot.AIControlled {
		slot.draining = true
		slot.SetOverbooking(0)
	}
	a.log.Info("Admission: slot acquired", zap.Uint8("slot", slotID), zap.String("mode", slot.Mode), zap.Bool("draining", slot.draining))
	return nil
}

// Release frees slotID. An auto slot returns to AI control.
func (a *Admission) Release(slotID uint8) {
	slot := a.sched.Slot(slotID)
	if slot == nil || !slot.occupied {
		return
	}
	slot.occupied = false
	slot.draining = false
	slot.AIControlled = slot.Mode == config.AiModeAuto
	a.sched.ObserverLeft(slotID)
	a.log.Info("Admission: slot released", zap.Uint8("slot", slotID), zap.Bool("ai", slot.AIControlled))
}
