// Package rtc is the boundary to the real-time transport engine. The
// negotiation code only talks to Engine and Channel; PionEngine is the
// production implementation.
package rtc

import (
	"errors"

	"github.com/adwski/robot-teleop/backend/model"
)

var (
	// ErrConnectionFailed is reported when ICE or DTLS fails irrecoverably.
	ErrConnectionFailed = errors.New("peer connection failed")
	// ErrConnectionClosed is reported when the peer connection closes
	// without a local teardown.
	ErrConnectionClosed = errors.New("peer connection closed")
)

type Engine interface {
	CreateOffer() (string, error)
	SetLocalDescription(sdp string) error
	SetRemoteDescription(sdp string) error
	AddICECandidate(c model.Candidate) error
	CreateDataChannel(label string) (Channel, error)

	// OnICECandidate registers the local candidate gathering callback.
	OnICECandidate(f func(model.Candidate))
	// OnConnectionFailed receives ErrConnectionFailed or ErrConnectionClosed.
	OnConnectionFailed(f func(error))
	// OnDataChannel receives data channels opened by the peer.
	OnDataChannel(f func(Channel))

	Close() error
}

type Channel interface {
	Label() string
	Send(data []byte) error
	OnOpen(f func())
	OnMessage(f func(data []byte))

	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())

	Close() error
}
