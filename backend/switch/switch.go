package _switch

import (
	"errors"
	"sync"

	"github.com/adwski/webrtc-relay/backend/model"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadyRegistered = errors.New("connection is already registered")
	ErrRegistryFull      = errors.New("no free participant slots")
	ErrUnknownSender     = errors.New("sender is not registered")
)

// Switch is the set of open participant connections. Every membership change
// and every delivery happens under one lock, so a broadcast never sees a
// half-updated set and nothing is queued to a wire after it was removed.
type Switch struct {
	logger   zerolog.Logger
	mx       *sync.Mutex
	fwd      map[string]*model.Wire
	maxWires int
}

// NewSwitch creates an empty switch. maxWires <= 0 means no limit.
func NewSwitch(logger *zerolog.Logger, maxWires int) *Switch {
	return &Switch{
		logger:   logger.With().Str("component", "switch").Logger(),
		mx:       &sync.Mutex{},
		fwd:      make(map[string]*model.Wire),
		maxWires: maxWires,
	}
}

func (sw *Switch) Register(wire *model.Wire) error {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if _, ok := sw.fwd[wire.ID]; ok {
		return ErrAlreadyRegistered
	}
	if sw.maxWires > 0 && len(sw.fwd) >= sw.maxWires {
		return ErrRegistryFull
	}
	sw.fwd[wire.ID] = wire

	sw.logger.Debug().
		Str("endpoint", wire.ID).
		Int("endpoints", len(sw.fwd)).
		Msg("endpoint connected")
	return nil
}

// Unregister removes the wire and closes its TX. It reports whether the wire
// was still registered; repeated calls are no-ops.
func (sw *Switch) Unregister(id string) bool {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if !sw.remove(id) {
		return false
	}
	sw.logger.Debug().
		Str("endpoint", id).
		Int("endpoints", len(sw.fwd)).
		Msg("endpoint disconnected")
	return true
}

// Broadcast queues env to every wire except the sender and returns how many
// wires accepted it. A sender that is not registered, for example one the
// switch has just evicted, gets ErrUnknownSender and nothing is delivered.
func (sw *Switch) Broadcast(senderID string, env model.Envelope) (int, error) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if _, ok := sw.fwd[senderID]; !ok {
		return 0, ErrUnknownSender
	}
	return sw.fanOut(senderID, env), nil
}

// Announce queues a relay-originated env about aboutID to every other wire.
// Unlike Broadcast it does not require aboutID to be registered, so it can
// report a participant that has already left.
func (sw *Switch) Announce(aboutID string, env model.Envelope) int {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	return sw.fanOut(aboutID, env)
}

// ForwardToOne queues env to the other participant of a two-party relay. If
// more than one other wire exists the first one found is used.
func (sw *Switch) ForwardToOne(senderID string, env model.Envelope) (bool, error) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if _, ok := sw.fwd[senderID]; !ok {
		return false, ErrUnknownSender
	}
	for id, wire := range sw.fwd {
		if id == senderID {
			continue
		}
		return sw.deliver(wire, env, senderID), nil
	}
	sw.logger.Debug().
		Str("type", env.Type).
		Str("src", senderID).
		Msg("cannot forward, no peer connected")
	return false, nil
}

// Len returns the number of registered wires.
func (sw *Switch) Len() int {
	sw.mx.Lock()
	defer sw.mx.Unlock()
	return len(sw.fwd)
}

// IDs returns the ids of the registered wires in no particular order.
func (sw *Switch) IDs() []string {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	ids := make([]string, 0, len(sw.fwd))
	for id := range sw.fwd {
		ids = append(ids, id)
	}
	return ids
}

// fanOut must be called with sw.mx held.
func (sw *Switch) fanOut(exceptID string, env model.Envelope) int {
	var sent int
	for id, wire := range sw.fwd {
		if id == exceptID {
			continue
		}
		if sw.deliver(wire, env, exceptID) {
			sent++
		}
	}
	if sent == 0 {
		sw.logger.Debug().
			Str("type", env.Type).
			Str("src", exceptID).
			Msg("broadcast did not reach anyone")
	}
	return sent
}

// deliver must be called with sw.mx held. A wire whose queue is full is
// considered dead and removed.
func (sw *Switch) deliver(wire *model.Wire, env model.Envelope, senderID string) bool {
	select {
	case wire.TX <- env:
		sw.logger.Trace().
			Str("type", env.Type).
			Str("src", senderID).
			Str("dst", wire.ID).
			Msg("message is forwarded")
		return true
	default:
	}

	sw.remove(wire.ID)
	sw.logger.Error().
		Str("type", env.Type).
		Str("src", senderID).
		Str("dst", wire.ID).
		Msg("dead endpoint, delivery failed")
	return false
}

func (sw *Switch) remove(id string) bool {
	wire, ok := sw.fwd[id]
	if !ok {
		return false
	}
	delete(sw.fwd, id)
	close(wire.TX)
	return true
}
