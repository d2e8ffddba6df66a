package rtc

import (
	"fmt"
	"sync/atomic"

	"github.com/adwski/robot-teleop/backend/model"
	"github.com/pion/logging"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const DefaultSTUN = "stun:stun.l.google.com:19302"

type Config struct {
	Logger *zerolog.Logger

	// STUNServers are used for the single server-reflexive lookup.
	// An empty list gathers host candidates only.
	STUNServers []string

	// LoggerFactory defaults to a zerolog-backed factory.
	LoggerFactory logging.LoggerFactory

	// Net replaces the OS network stack, e.g. with a vnet.Net in tests.
	Net transport.Net
}

// PionEngine is an Engine backed by a pion PeerConnection. It offers a
// receive-only video transceiver for the robot camera plus any number of
// ordered, reliable data channels.
type PionEngine struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger
	closed atomic.Bool
}

var _ Engine = (*PionEngine)(nil)

func NewPionEngine(cfg Config) (*PionEngine, error) {
	logger := cfg.Logger.With().Str("component", "engine").Logger()

	se := webrtc.SettingEngine{}
	if cfg.LoggerFactory != nil {
		se.LoggerFactory = cfg.LoggerFactory
	} else {
		se.LoggerFactory = NewLoggerFactory(cfg.Logger)
	}
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	)

	var iceServers []webrtc.ICEServer
	if len(cfg.STUNServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: cfg.STUNServers}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	if _, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add video transceiver: %w", err)
	}

	e := &PionEngine{pc: pc, logger: logger}
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.logger.Info().
			Str("kind", track.Kind().String()).
			Str("codec", track.Codec().MimeType).
			Msg("remote track started")
	})
	return e, nil
}

func (e *PionEngine) CreateOffer() (string, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	return offer.SDP, nil
}

func (e *PionEngine) SetLocalDescription(sdp string) error {
	return e.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
}

func (e *PionEngine) SetRemoteDescription(sdp string) error {
	return e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (e *PionEngine) AddICECandidate(c model.Candidate) error {
	idx := c.SDPMLineIndex
	return e.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: &idx,
	})
}

func (e *PionEngine) CreateDataChannel(label string) (Channel, error) {
	ordered := true
	dc, err := e.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("create data channel %q: %w", label, err)
	}
	return &pionChannel{dc: dc}, nil
}

func (e *PionEngine) OnICECandidate(f func(model.Candidate)) {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || e.closed.Load() {
			// nil marks the end of gathering.
			return
		}
		f(CandidateFromInit(c.ToJSON()))
	})
}

func (e *PionEngine) OnConnectionFailed(f func(error)) {
	e.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.logger.Debug().Str("state", state.String()).Msg("peer connection state changed")
		if e.closed.Load() {
			return
		}
		switch state {
		case webrtc.PeerConnectionStateFailed:
			f(ErrConnectionFailed)
		case webrtc.PeerConnectionStateClosed:
			f(ErrConnectionClosed)
		default:
		}
	})
}

func (e *PionEngine) OnDataChannel(f func(Channel)) {
	e.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if e.closed.Load() {
			return
		}
		e.logger.Debug().Str("label", dc.Label()).Msg("remote data channel")
		f(&pionChannel{dc: dc})
	})
}

func (e *PionEngine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.pc.Close()
}

// CandidateFromInit converts pion's candidate representation to the relay's.
func CandidateFromInit(init webrtc.ICECandidateInit) model.Candidate {
	c := model.Candidate{
		SDPMid:    init.SDPMid,
		Candidate: init.Candidate,
	}
	if init.SDPMLineIndex != nil {
		c.SDPMLineIndex = *init.SDPMLineIndex
	}
	return c
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionChannel) Label() string { return c.dc.Label() }

// Send writes data as a text message; control messages are JSON.
func (c *pionChannel) Send(data []byte) error { return c.dc.SendText(string(data)) }

func (c *pionChannel) OnOpen(f func()) { c.dc.OnOpen(f) }

func (c *pionChannel) OnMessage(f func(data []byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f(msg.Data)
	})
}

func (c *pionChannel) BufferedAmount() uint64 { return c.dc.BufferedAmount() }

func (c *pionChannel) SetBufferedAmountLowThreshold(th uint64) {
	c.dc.SetBufferedAmountLowThreshold(th)
}

func (c *pionChannel) OnBufferedAmountLow(f func()) { c.dc.OnBufferedAmountLow(f) }

func (c *pionChannel) Close() error { return c.dc.Close() }
