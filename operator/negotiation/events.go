package negotiation

import (
	"github.com/adwski/robot-teleop/backend/model"
	"github.com/adwski/robot-teleop/operator/rtc"
)

type eventKind int

const (
	evRelayOpened eventKind = iota
	evDialFailed
	evOfferCreated
	evOfferFailed
	evEnvelope
	evLocalCandidate
	evChannelOpened
	evEngineFailed
	evRemoteChannel
	evRelayClosed
	evDisconnect
	evExpired
)

type event struct {
	kind eventKind

	relay     Relay
	channel   rtc.Channel
	envelope  model.Envelope
	candidate model.Candidate
	sdp       string
	label     string
	err       error
}
