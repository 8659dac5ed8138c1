package service

import (
	"errors"
	"fmt"

	"github.com/adwski/webrtc-relay/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

var (
	ErrConnect     = errors.New("unable to connect")
	ErrUnknownMode = errors.New("unknown relay mode")
)

// Mode selects how inbound messages are routed.
type Mode string

const (
	// ModeBroadcast forwards to every other participant.
	ModeBroadcast Mode = "broadcast"
	// ModePair forwards to the single other participant.
	ModePair Mode = "pair"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeBroadcast, ModePair:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// MaxParticipants returns the participant cap implied by the mode, 0 if none.
func (m Mode) MaxParticipants() int {
	if m == ModePair {
		return 2
	}
	return 0
}

type (
	Switch interface {
		Register(wire *model.Wire) error
		Unregister(id string) bool
		Broadcast(senderID string, env model.Envelope) (int, error)
		ForwardToOne(senderID string, env model.Envelope) (bool, error)
		Announce(aboutID string, env model.Envelope) int
	}

	Service struct {
		sw       Switch
		mode     Mode
		announce bool
		logger   zerolog.Logger
	}

	Config struct {
		Switch Switch
		Logger *zerolog.Logger
		Mode   Mode
		// Announce enables relay-originated peer-joined/peer-left messages.
		Announce bool
	}
)

func NewService(cfg Config) *Service {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeBroadcast
	}
	return &Service{
		sw:       cfg.Switch,
		mode:     mode,
		announce: cfg.Announce,
		logger:   cfg.Logger.With().Str("component", "relay").Logger(),
	}
}

// Open registers an accepted connection.
func (svc *Service) Open(wire *model.Wire) error {
	if err := svc.sw.Register(wire); err != nil {
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Info().Str("conn", wire.ID).Msg("participant connected")

	if svc.announce {
		svc.sw.Announce(wire.ID, model.NewAnnouncement(model.KindPeerJoined, wire.ID))
	}
	return nil
}

// Close unregisters a connection. It is safe to call for a connection the
// switch already dropped.
func (svc *Service) Close(id string) {
	removed := svc.sw.Unregister(id)
	svc.logger.Info().
		Str("conn", id).
		Bool("evicted", !removed).
		Msg("participant disconnected")

	if svc.announce {
		svc.sw.Announce(id, model.NewAnnouncement(model.KindPeerLeft, id))
	}
}

// Handle routes one inbound frame from senderID. binary marks a binary
// websocket frame, which is forwarded as binary. Malformed frames, frames of
// unknown kind and frames from a sender the switch no longer knows are
// dropped and reported through the returned error; the connection they
// arrived on is not affected.
func (svc *Service) Handle(senderID string, raw []byte, binary bool) error {
	env, err := model.ParseEnvelope(raw)
	if err != nil {
		ev := svc.logger.Warn().Err(err).Str("conn", senderID)
		if env.Type != "" {
			ev = ev.Str("type", env.Type)
		}
		ev.Msg("inbound message dropped")
		if e := svc.logger.Trace(); e.Enabled() {
			e.Str("conn", senderID).Str("frame", spew.Sdump(raw)).Msg("dropped frame")
		}
		return err
	}

	env.Binary = binary

	var delivered int
	switch svc.mode {
	case ModePair:
		var sent bool
		if sent, err = svc.sw.ForwardToOne(senderID, env); sent {
			delivered = 1
		}
	default:
		delivered, err = svc.sw.Broadcast(senderID, env)
	}
	if err != nil {
		svc.logger.Debug().Err(err).
			Str("conn", senderID).
			Str("type", env.Type).
			Msg("inbound message dropped")
		return err
	}

	lvl := zerolog.DebugLevel
	if !env.Kind.IsNegotiation() {
		lvl = zerolog.InfoLevel
	}
	svc.logger.WithLevel(lvl).
		Str("conn", senderID).
		Str("type", env.Type).
		Int("delivered", delivered).
		Msg("message relayed")
	return nil
}
