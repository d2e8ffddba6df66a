package service

import (
	"errors"

	"github.com/adwski/robot-teleop/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

var (
	ErrMalformed   = errors.New("malformed envelope dropped")
	ErrUnknownRoom = errors.New("envelope for a room the connection is not in dropped")
)

type (
	RoomStore interface {
		Join(roomID, handleID string) string
		Leave(handleID string) (string, bool)
		LeaveRoom(handleID, roomID string) bool
		RangePeers(roomID, senderID string, fn func(peerID string)) error
		GetRoom(roomID string) (model.RoomInfo, error)
		Rooms() []model.RoomInfo
	}

	Switch interface {
		Connect(handleID string, wire model.Wire)
		Disconnect(handleID string)
		Send(handleID string, frame []byte) bool
	}

	// Service is the signaling relay. It routes envelopes between members of
	// the same room and never answers the sender.
	Service struct {
		store  RoomStore
		sw     Switch
		logger zerolog.Logger
	}

	Config struct {
		RoomStore RoomStore
		Switch    Switch
		Logger    *zerolog.Logger
	}

	// Result describes what the relay did with one inbound frame.
	Result struct {
		Type      model.EnvelopeType
		Room      string
		Delivered int
		Skipped   int
		Dropped   error
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:  cfg.RoomStore,
		sw:     cfg.Switch,
		logger: cfg.Logger.With().Str("component", "relay").Logger(),
	}
}

func (svc *Service) OpenConnection(handleID string, wire model.Wire) {
	svc.sw.Connect(handleID, wire)
	svc.logger.Debug().
		Str("handleID", handleID).
		Msg("connection opened")
}

func (svc *Service) CloseConnection(handleID string) {
	if roomID, ok := svc.store.Leave(handleID); ok {
		svc.logger.Debug().
			Str("handleID", handleID).
			Str("roomID", roomID).
			Msg("left room on close")
	}
	svc.sw.Disconnect(handleID)
	svc.logger.Debug().
		Str("handleID", handleID).
		Msg("connection closed")
}

// HandleMessage processes a single inbound frame from handleID.
// Malformed and misrouted frames are dropped; the returned Result is
// informational only.
func (svc *Service) HandleMessage(handleID string, raw []byte) Result {
	logger := svc.logger.With().Str("handleID", handleID).Logger()

	env, err := model.ParseEnvelope(raw)
	if err != nil {
		logger.Debug().Err(err).Msg("dropping malformed envelope")
		logger.Trace().Func(func(e *zerolog.Event) {
			e.Str("frame", spew.Sdump(raw))
		}).Msg("malformed frame dump")
		return Result{Dropped: errors.Join(ErrMalformed, err)}
	}

	res := Result{Type: env.Type, Room: env.Room}
	switch env.Type {
	case model.EnvelopeTypeJoin:
		prev := svc.store.Join(env.Room, handleID)
		logger.Debug().
			Str("roomID", env.Room).
			Str("previous", prev).
			Msg("joined room")

	case model.EnvelopeTypeLeave:
		if !svc.store.LeaveRoom(handleID, env.Room) {
			res.Dropped = ErrUnknownRoom
			logger.Debug().Str("roomID", env.Room).Msg("leave for a foreign room dropped")
			break
		}
		logger.Debug().Str("roomID", env.Room).Msg("left room")

	default:
		frame := env.Raw()
		err = svc.store.RangePeers(env.Room, handleID, func(peerID string) {
			if svc.sw.Send(peerID, frame) {
				res.Delivered++
			} else {
				res.Skipped++
			}
		})
		if err != nil {
			res.Dropped = errors.Join(ErrUnknownRoom, err)
			logger.Debug().
				Str("roomID", env.Room).
				Str("type", string(env.Type)).
				Msg("envelope for a foreign room dropped")
			break
		}
		logger.Debug().
			Str("roomID", env.Room).
			Str("type", string(env.Type)).
			Int("delivered", res.Delivered).
			Int("skipped", res.Skipped).
			Msg("envelope relayed")
	}
	return res
}

func (svc *Service) Rooms() []model.RoomInfo {
	return svc.store.Rooms()
}

func (svc *Service) GetRoom(roomID string) (model.RoomInfo, error) {
	return svc.store.GetRoom(roomID)
}
