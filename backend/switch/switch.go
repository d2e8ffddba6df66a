package _switch

import (
	"sync"

	"github.com/adwski/robot-teleop/backend/model"
	"github.com/rs/zerolog"
)

type endpoint struct {
	mx     sync.Mutex
	wire   model.Wire
	closed bool
}

// Switch keeps the outbound side of every relay connection and delivers
// frames to them on a best-effort basis.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]*endpoint
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]*endpoint),
	}
}

func (sw *Switch) Connect(handleID string, wire model.Wire) {
	sw.mx.Lock()
	sw.fwd[handleID] = &endpoint{wire: wire}
	sw.mx.Unlock()

	sw.logger.Debug().
		Str("handleID", handleID).
		Msg("endpoint connected")
}

// Disconnect unregisters handleID and closes its outbound queue.
// Calling it for an unknown or already disconnected handle is a no-op.
func (sw *Switch) Disconnect(handleID string) {
	sw.mx.Lock()
	ep, ok := sw.fwd[handleID]
	delete(sw.fwd, handleID)
	sw.mx.Unlock()

	if !ok {
		return
	}
	ep.mx.Lock()
	if !ep.closed {
		ep.closed = true
		close(ep.wire.TX)
	}
	ep.mx.Unlock()

	sw.logger.Debug().
		Str("handleID", handleID).
		Msg("endpoint disconnected")
}

// Send queues frame for handleID without blocking. It reports false when the
// endpoint is gone or its queue is full.
func (sw *Switch) Send(handleID string, frame []byte) bool {
	sw.mx.RLock()
	ep, ok := sw.fwd[handleID]
	sw.mx.RUnlock()
	if !ok {
		return false
	}

	ep.mx.Lock()
	defer ep.mx.Unlock()
	if ep.closed {
		return false
	}
	select {
	case ep.wire.TX <- frame:
		return true
	default:
		sw.logger.Warn().
			Str("handleID", handleID).
			Msg("endpoint is not writable, frame skipped")
		return false
	}
}
