package server

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"racesim-server/traffic"
)

var (
	ErrUnknownObserver = errors.New("unknown observer")
	ErrSendBufferFull  = errors.New("send buffer full")
)

// minActiveSpeedSq is the squared speed above which a status counts as driving.
const minActiveSpeedSq = 1.0

type session struct {
	client    *WebSocketClient
	observer  traffic.Observer
	status    traffic.PositionUpdate
	hasStatus bool
	dirty     bool
}

// Registry tracks connected clients and the humans driving a slot. It is the
// scheduler's observer source and transport. Only the session loop touches it.
type Registry struct {
	clients  map[*WebSocketClient]bool
	sessions map[uint8]*session
	log      *zap.Logger
	buf      []byte
	relay    []traffic.PositionUpdate
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		clients:  make(map[*WebSocketClient]bool),
		sessions: make(map[uint8]*session),
		log:      log,
	}
}

func (r *Registry) add(c *WebSocketClient) {
	r.clients[c] = true
}

// remove drops c and closes its send channel. It reports whether c was known.
func (r *Registry) remove(c *WebSocketClient) bool {
	if !r.clients[c] {
		return false
	}
	if c.slot != noSlot {
		r.unbind(c)
	}
	delete(r.clients, c)
	close(c.send)
	return true
}

func (r *Registry) bind(c *WebSocketClient, slot uint8) {
	c.slot = int(slot)
	r.sessions[slot] = &session{
		client:   c,
		observer: traffic.Observer{SessionID: slot, SpectateTarget: traffic.NoSpectateTarget},
	}
}

// unbind detaches c from its slot and returns the slot it held.
func (r *Registry) unbind(c *WebSocketClient) int {
	slot := c.slot
	if slot != noSlot {
		delete(r.sessions, uint8(slot))
		c.slot = noSlot
	}
	return slot
}

// Clients is the number of open connections.
func (r *Registry) Clients() int { return len(r.clients) }

// Humans is the number of clients driving a slot.
func (r *Registry) Humans() int { return len(r.sessions) }

func (r *Registry) setSpectate(slot uint8, target int) {
	if s, ok := r.sessions[slot]; ok {
		s.observer.SpectateTarget = target
	}
}

// updateStatus records the latest status of the human in slot.
func (r *Registry) updateStatus(slot uint8, u traffic.PositionUpdate, now time.Time) {
	s, ok := r.sessions[slot]
	if !ok {
		return
	}
	u.SessionID = slot
	if !s.hasStatus || u.Velocity.LengthSquared() > minActiveSpeedSq || u.Gas > 0 {
		s.observer.LastActive = now
	}
	s.observer.Position = u.Position
	s.observer.Velocity = u.Velocity
	s.observer.Rotation = u.Rotation
	s.observer.Ping = u.PingUpdate
	s.status = u
	s.hasStatus = true
	s.dirty = true
}

// Observers lists the humans that reported at least one status.
func (r *Registry) Observers() []traffic.Observer {
	out := make([]traffic.Observer, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.hasStatus {
			out = append(out, s.observer)
		}
	}
	return out
}

func (r *Registry) SendPositionUpdates(observer uint8, batch []traffic.PositionUpdate) error {
	s, ok := r.sessions[observer]
	if !ok {
		return ErrUnknownObserver
	}
	r.buf = EncodePositionBatch(r.buf[:0], batch)
	data := append([]byte(nil), r.buf...)
	if !s.client.enqueue(frame{binary: true, data: data}) {
		return ErrSendBufferFull
	}
	return nil
}

func (r *Registry) SendCosmetic(observer, slot uint8, color uint32) error {
	s, ok := r.sessions[observer]
	if !ok {
		return ErrUnknownObserver
	}
	if !s.client.enqueue(frame{data: cosmeticMessage(slot, color)}) {
		return ErrSendBufferFull
	}
	return nil
}

// SendSlotDisconnect tells every connected client that slot left.
func (r *Registry) SendSlotDisconnect(slot uint8) error {
	return r.broadcast(frame{data: disconnectMessage(slot)})
}

func (r *Registry) broadcast(f frame) error {
	var err error
	for c := range r.clients {
		if !c.enqueue(f) {
			err = ErrSendBufferFull
			r.log.Warn("Registry: send buffer full during broadcast", zap.String("conn", c.ID))
		}
	}
	return err
}

// relayStatuses forwards fresh human statuses to every other human, in the same
// batches AI traffic uses.
func (r *Registry) relayStatuses() {
	r.relay = r.relay[:0]
	for _, s := range r.sessions {
		if s.dirty {
			r.relay = append(r.relay, s.status)
			s.dirty = false
		}
	}
	if len(r.relay) == 0 {
		return
	}
	for slot, s := range r.sessions {
		batch := r.buf[:0]
		n := 0
		for i := range r.relay {
			if r.relay[i].SessionID == slot {
				continue
			}
			batch = EncodePositionBatch(batch, r.relay[i:i+1])
			n++
		}
		r.buf = batch
		if n == 0 {
			continue
		}
		if !s.client.enqueue(frame{binary: true, data: append([]byte(nil), batch...)}) {
			r.log.Debug("Registry: status relay dropped", zap.Uint8("slot", slot))
		}
	}
}
