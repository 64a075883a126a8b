package server

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"racesim-server/config"
	"racesim-server/traffic"
)

type command struct {
	client *WebSocketClient
	msg    inbound
}

// Loop is the single goroutine that owns the registry, the scheduler and slot
// admission. Connections talk to it through channels; changes they request are
// applied between ticks.
type Loop struct {
	sched     *traffic.Scheduler
	admission *traffic.Admission
	registry  *Registry
	log       *zap.Logger
	clock     func() time.Time

	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	inbound    chan command
	done       chan struct{}

	connections atomic.Int64
	humans      atomic.Int64
}

// NewLoop wires a loop around a scheduler that uses registry as its observer
// source and transport.
func NewLoop(sched *traffic.Scheduler, registry *Registry, log *zap.Logger) *Loop {
	return &Loop{
		sched:      sched,
		admission:  traffic.NewAdmission(sched, log),
		registry:   registry,
		log:        log,
		clock:      time.Now,
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		inbound:    make(chan command, 256),
		done:       make(chan struct{}),
	}
}

// Connections is the number of open WebSocket connections.
func (l *Loop) Connections() int { return int(l.connections.Load()) }

// Humans is the number of clients driving a slot.
func (l *Loop) Humans() int { return int(l.humans.Load()) }

// Register hands a new client to the loop. It reports false once the loop stopped.
func (l *Loop) Register(c *WebSocketClient) bool {
	select {
	case l.register <- c:
		return true
	case <-l.done:
		return false
	}
}

// Unregister removes a client. It is safe to call after the loop stopped.
func (l *Loop) Unregister(c *WebSocketClient) {
	select {
	case l.unregister <- c:
	case <-l.done:
	}
}

// Submit queues a client message for the next loop iteration.
func (l *Loop) Submit(c *WebSocketClient, msg inbound) bool {
	select {
	case l.inbound <- command{client: c, msg: msg}:
		return true
	case <-l.done:
		return false
	}
}

// Run ticks the scheduler every TRAFFIC_TICK_INTERVAL and recomputes overbooking
// every OVERBOOKING_INTERVAL until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	l.log.Info("Loop: starting", zap.Duration("tick", config.TRAFFIC_TICK_INTERVAL))
	tick := time.NewTicker(config.TRAFFIC_TICK_INTERVAL)
	overbooking := time.NewTicker(config.OVERBOOKING_INTERVAL)
	defer func() {
		tick.Stop()
		overbooking.Stop()
		close(l.done)
		l.shutdown()
		l.log.Info("Loop: stopped")
	}()

	l.adjustOverbooking()
	for {
		select {
		case c := <-l.register:
			l.handleRegister(c)
		case c := <-l.unregister:
			l.handleUnregister(c)
		case cmd := <-l.inbound:
			l.handleCommand(cmd)
		case <-tick.C:
			l.step()
		case <-overbooking.C:
			l.adjustOverbooking()
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loop) step() {
	l.sched.Tick(l.clock())
	l.registry.relayStatuses()
}

func (l *Loop) adjustOverbooking() {
	l.sched.AdjustOverbooking(l.registry.Humans())
}

func (l *Loop) shutdown() {
	for c := range l.registry.clients {
		if c.slot != noSlot {
			l.admission.Release(uint8(c.slot))
		}
		l.registry.remove(c)
	}
	l.syncCounters()
}

func (l *Loop) syncCounters() {
	l.connections.Store(int64(l.registry.Clients()))
	l.humans.Store(int64(l.registry.Humans()))
}

func (l *Loop) slotViews() []slotView {
	slots := l.sched.Slots()
	out := make([]slotView, 0, len(slots))
	for _, s := range slots {
		out = append(out, viewOf(s))
	}
	return out
}

func viewOf(s *traffic.Slot) slotView {
	return slotView{
		ID:        s.ID,
		Name:      s.Name,
		Model:     s.Model,
		Skin:      s.Skin,
		AiMode:    s.Mode,
		Available: s.Mode != config.AiModeFixed && !s.Occupied(),
	}
}

func (l *Loop) handleRegister(c *WebSocketClient) {
	l.registry.add(c)
	l.syncCounters()
	c.enqueue(frame{data: welcomeMessage(c.ID, l.slotViews())})
	c.log.Info("Loop: client registered", zap.Int("connections", l.registry.Clients()))
}

func (l *Loop) handleUnregister(c *WebSocketClient) {
	slot := c.slot
	if !l.registry.remove(c) {
		return
	}
	if slot != noSlot {
		l.releaseSlot(uint8(slot))
	}
	l.syncCounters()
	c.log.Info("Loop: client unregistered", zap.Int("slot", slot), zap.Int("connections", l.registry.Clients()))
}

// releaseSlot returns slot to admission and tells everyone the human left.
func (l *Loop) releaseSlot(slot uint8) {
	l.admission.Release(slot)
	if err := l.registry.SendSlotDisconnect(slot); err != nil {
		l.log.Warn("Loop: slot disconnect not delivered to every client", zap.Uint8("slot", slot), zap.Error(err))
	}
	l.adjustOverbooking()
}

func (l *Loop) handleCommand(cmd command) {
	c := cmd.client
	if !l.registry.clients[c] {
		return
	}
	switch cmd.msg.kind {
	case msgJoin:
		l.join(c, cmd.msg.slot)
	case msgLeave:
		if slot := l.registry.unbind(c); slot != noSlot {
			l.releaseSlot(uint8(slot))
			c.enqueue(frame{data: leftMessage(slot)})
			l.syncCounters()
		}
	case msgSpectate:
		if c.slot != noSlot {
			l.registry.setSpectate(uint8(c.slot), cmd.msg.target)
		}
	case msgStatus:
		if c.slot == noSlot {
			c.enqueue(frame{data: errorMessage("join a slot before sending status")})
			return
		}
		l.registry.updateStatus(uint8(c.slot), cmd.msg.status, l.clock())
	}
}

func (l *Loop) join(c *WebSocketClient, slot int) {
	if c.slot != noSlot {
		c.enqueue(frame{data: rejectedMessage(slot, errAlreadyJoined)})
		return
	}
	err := traffic.ErrUnknownSlot
	if slot >= 0 && slot <= 255 {
		err = l.admission.TryAcquire(uint8(slot), l.registry.Humans())
	}
	if err != nil {
		c.log.Info("Loop: join rejected", zap.Int("slot", slot), zap.Error(err))
		c.enqueue(frame{data: rejectedMessage(slot, err)})
		return
	}
	l.registry.bind(c, uint8(slot))
	l.syncCounters()
	l.adjustOverbooking()
	c.enqueue(frame{data: joinedMessage(viewOf(l.sched.Slot(uint8(slot))))})
}

var errAlreadyJoined = errors.New("already driving a slot")
