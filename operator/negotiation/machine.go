// Package negotiation drives one peer connection at a time from a room
// join to an established session and back to Closed.
//
// Each session is owned by a single event loop goroutine. User calls, relay
// envelopes, engine callbacks and async completions are all posted to the
// session mailbox, so session state is never touched concurrently and
// nothing reaches a session after its teardown.
package negotiation

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/adwski/robot-teleop/backend/model"
	"github.com/adwski/robot-teleop/operator/rtc"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrSessionActive   = errors.New("session is active")
	ErrEmptyRoom       = errors.New("room must not be empty")
	ErrNegotiation     = errors.New("negotiation failed")
	ErrRelay           = errors.New("relay error")
	ErrRelayClosed     = errors.New("relay connection closed")
	ErrTransportClosed = errors.New("transport closed")
)

const DefaultLabel = "control"

type (
	// Relay is a connection to the signaling relay.
	Relay interface {
		Send(env model.Envelope) error
		// Incoming is closed when the relay connection ends.
		Incoming() <-chan model.Envelope
		Close() error
	}

	DialFunc      func(ctx context.Context, url string) (Relay, error)
	EngineFactory func() (rtc.Engine, error)

	// ChannelSink receives the data channels once they are all open and
	// loses them before they are closed.
	ChannelSink interface {
		Attach(channels []rtc.Channel)
		// Observe adds a data channel opened by the peer while attached.
		Observe(ch rtc.Channel)
		Detach()
	}

	Config struct {
		Logger    *zerolog.Logger
		Dial      DialFunc
		NewEngine EngineFactory
		// Labels of the data channels opened on every session.
		Labels []string
		Sink   ChannelSink
		// OnStateChange is called for every transition, in order. It must
		// not block or call back into the Machine.
		OnStateChange func(Change)
	}

	Machine struct {
		logger    zerolog.Logger
		dial      DialFunc
		newEngine EngineFactory
		labels    []string
		sink      ChannelSink
		onChange  func(Change)

		state atomic.Int32

		mx   sync.Mutex
		sess *session
	}
)

type session struct {
	id     string
	url    string
	room   string
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mb     *mailbox
	done   chan struct{}

	state    State
	engine   rtc.Engine
	channels []rtc.Channel
	remote   []rtc.Channel
	opened   map[string]struct{}
	relay    Relay

	offerSent bool
	remoteSet bool
	pending   []model.Candidate
}

func (s *session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func New(cfg Config) *Machine {
	labels := cfg.Labels
	if len(labels) == 0 {
		labels = []string{DefaultLabel}
	}
	return &Machine{
		logger:    cfg.Logger.With().Str("component", "negotiation").Logger(),
		dial:      cfg.Dial,
		newEngine: cfg.NewEngine,
		labels:    labels,
		sink:      cfg.Sink,
		onChange:  cfg.OnStateChange,
	}
}

func (m *Machine) State() State {
	return State(m.state.Load())
}

// Connect starts a new session in room. The relay is dialed and the offer
// is created asynchronously; progress is reported through state changes.
func (m *Machine) Connect(url, room string) error {
	if room == "" {
		return ErrEmptyRoom
	}

	m.mx.Lock()
	for prev := m.sess; prev != nil && !prev.finished(); prev = m.sess {
		if !m.State().Settled() {
			m.mx.Unlock()
			return ErrSessionActive
		}
		// The previous session is Closed but its last change is still
		// being delivered.
		m.mx.Unlock()
		<-prev.done
		m.mx.Lock()
	}
	s, err := m.newSession(url, room)
	if err != nil {
		m.mx.Unlock()
		return err
	}
	m.sess = s
	m.transition(s, StateJoining, nil)
	m.mx.Unlock()

	go m.run(s)
	go m.dialRelay(s)
	return nil
}

// Disconnect tears the current session down and waits for Closed. It is
// safe to call in any state and more than once.
func (m *Machine) Disconnect(ctx context.Context) error {
	m.mx.Lock()
	s := m.sess
	m.mx.Unlock()
	if s == nil {
		return nil
	}
	s.mb.Post(event{kind: evDisconnect})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Expire fails the named session with err if it is still negotiating.
// Calls for sessions that are gone or already connected have no effect.
func (m *Machine) Expire(sessionID string, err error) {
	m.mx.Lock()
	s := m.sess
	m.mx.Unlock()
	if s == nil || s.id != sessionID {
		return
	}
	s.mb.Post(event{kind: evExpired, err: err})
}

func (m *Machine) newSession(url, room string) (*session, error) {
	engine, err := m.newEngine()
	if err != nil {
		return nil, errors.Join(ErrNegotiation, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:     uuid.NewString(),
		url:    url,
		room:   room,
		ctx:    ctx,
		cancel: cancel,
		mb:     newMailbox(),
		done:   make(chan struct{}),
		state:  m.State(),
		engine: engine,
		opened: make(map[string]struct{}, len(m.labels)),
	}
	s.logger = m.logger.With().Str("session", s.id).Str("room", room).Logger()

	for _, label := range m.labels {
		ch, errCh := engine.CreateDataChannel(label)
		if errCh != nil {
			for _, created := range s.channels {
				_ = created.Close()
			}
			_ = engine.Close()
			cancel()
			return nil, errors.Join(ErrNegotiation, errCh)
		}
		ch.OnOpen(func() {
			s.mb.Post(event{kind: evChannelOpened, label: ch.Label()})
		})
		s.channels = append(s.channels, ch)
	}

	engine.OnICECandidate(func(c model.Candidate) {
		s.mb.Post(event{kind: evLocalCandidate, candidate: c})
	})
	engine.OnConnectionFailed(func(err error) {
		s.mb.Post(event{kind: evEngineFailed, err: err})
	})
	engine.OnDataChannel(func(ch rtc.Channel) {
		if !s.mb.Post(event{kind: evRemoteChannel, channel: ch}) {
			_ = ch.Close()
		}
	})
	return s, nil
}

func (m *Machine) dialRelay(s *session) {
	relay, err := m.dial(s.ctx, s.url)
	if err != nil {
		s.mb.Post(event{kind: evDialFailed, err: err})
		return
	}
	if !s.mb.Post(event{kind: evRelayOpened, relay: relay}) {
		_ = relay.Close()
	}
}

func (m *Machine) run(s *session) {
	for {
		ev, ok := s.mb.Next()
		if !ok {
			return
		}
		if m.handle(s, ev) {
			return
		}
	}
}

// handle applies a single event and reports whether the session is over.
func (m *Machine) handle(s *session, ev event) bool {
	switch ev.kind {
	case evRelayOpened:
		return m.onRelayOpened(s, ev.relay)
	case evDialFailed:
		return m.fail(s, errors.Join(ErrRelay, ev.err))
	case evOfferCreated:
		return m.onOfferCreated(s, ev.sdp)
	case evOfferFailed:
		return m.fail(s, errors.Join(ErrNegotiation, ev.err))
	case evEnvelope:
		return m.onEnvelope(s, ev.envelope)
	case evLocalCandidate:
		m.onLocalCandidate(s, ev.candidate)
	case evChannelOpened:
		m.onChannelOpened(s, ev.label)
	case evEngineFailed:
		if errors.Is(ev.err, rtc.ErrConnectionClosed) {
			return m.close(s, errors.Join(ErrTransportClosed, ev.err))
		}
		return m.fail(s, ev.err)
	case evRemoteChannel:
		m.onRemoteChannel(s, ev.channel)
	case evRelayClosed:
		return m.close(s, ErrRelayClosed)
	case evDisconnect:
		return m.close(s, nil)
	case evExpired:
		if s.state == StateJoining || s.state == StateNegotiating {
			return m.fail(s, ev.err)
		}
	}
	return false
}

func (m *Machine) onRelayOpened(s *session, relay Relay) bool {
	s.relay = relay
	go forward(s, relay)

	m.transition(s, StateNegotiating, nil)
	if err := relay.Send(model.NewJoin(s.room)); err != nil {
		return m.fail(s, errors.Join(ErrRelay, err))
	}

	go func() {
		sdp, err := s.engine.CreateOffer()
		if err != nil {
			s.mb.Post(event{kind: evOfferFailed, err: err})
			return
		}
		s.mb.Post(event{kind: evOfferCreated, sdp: sdp})
	}()
	return false
}

// forward posts every relay envelope to the session, then the relay close.
func forward(s *session, relay Relay) {
	for env := range relay.Incoming() {
		if !s.mb.Post(event{kind: evEnvelope, envelope: env}) {
			return
		}
	}
	s.mb.Post(event{kind: evRelayClosed})
}

func (m *Machine) onOfferCreated(s *session, sdp string) bool {
	if s.state != StateNegotiating {
		return false
	}
	if err := s.engine.SetLocalDescription(sdp); err != nil {
		return m.fail(s, errors.Join(ErrNegotiation, err))
	}
	if err := s.relay.Send(model.NewOffer(s.room, sdp)); err != nil {
		return m.fail(s, errors.Join(ErrRelay, err))
	}
	s.offerSent = true
	s.logger.Debug().Msg("offer sent")
	return false
}

func (m *Machine) onEnvelope(s *session, env model.Envelope) bool {
	switch env.Type {
	case model.EnvelopeTypeAnswer:
		return m.onAnswer(s, env.SDP)
	case model.EnvelopeTypeIce:
		m.onRemoteCandidate(s, *env.Candidate)
	default:
		s.logger.Debug().Str("type", string(env.Type)).Msg("envelope ignored")
	}
	return false
}

func (m *Machine) onAnswer(s *session, sdp string) bool {
	if s.state != StateNegotiating || !s.offerSent || s.remoteSet {
		s.logger.Debug().
			Str("state", s.state.String()).
			Bool("offerSent", s.offerSent).
			Bool("remoteSet", s.remoteSet).
			Msg("answer ignored")
		return false
	}
	if err := s.engine.SetRemoteDescription(sdp); err != nil {
		return m.fail(s, errors.Join(ErrNegotiation, err))
	}
	s.remoteSet = true

	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		m.applyCandidate(s, c)
	}
	s.logger.Debug().Int("flushed", len(pending)).Msg("answer applied")
	m.maybeConnect(s)
	return false
}

func (m *Machine) onRemoteCandidate(s *session, c model.Candidate) {
	if s.state != StateNegotiating && s.state != StateConnected {
		return
	}
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		return
	}
	m.applyCandidate(s, c)
}

func (m *Machine) applyCandidate(s *session, c model.Candidate) {
	if err := s.engine.AddICECandidate(c); err != nil {
		s.logger.Warn().Err(err).Str("candidate", c.Candidate).Msg("remote candidate rejected")
	}
}

func (m *Machine) onLocalCandidate(s *session, c model.Candidate) {
	if s.relay == nil || (s.state != StateNegotiating && s.state != StateConnected) {
		return
	}
	if err := s.relay.Send(model.NewCandidate(s.room, c)); err != nil {
		s.logger.Warn().Err(err).Msg("failed to send local candidate")
	}
}

func (m *Machine) onChannelOpened(s *session, label string) {
	s.opened[label] = struct{}{}
	m.maybeConnect(s)
}

func (m *Machine) onRemoteChannel(s *session, ch rtc.Channel) {
	s.remote = append(s.remote, ch)
	s.logger.Debug().Str("label", ch.Label()).Msg("peer opened a data channel")
	if s.state == StateConnected && m.sink != nil {
		m.sink.Observe(ch)
	}
}

// maybeConnect enters Connected once the answer is applied and every data
// channel is open, whichever happens last.
func (m *Machine) maybeConnect(s *session) {
	if s.state != StateNegotiating || !s.remoteSet || len(s.opened) < len(s.channels) {
		return
	}
	if m.sink != nil {
		m.sink.Attach(s.channels)
		for _, ch := range s.remote {
			m.sink.Observe(ch)
		}
	}
	m.transition(s, StateConnected, nil)
}

func (m *Machine) fail(s *session, err error) bool {
	s.logger.Error().Err(err).Str("state", s.state.String()).Msg("session failed")
	m.transition(s, StateFailed, err)
	m.teardown(s, err)
	return true
}

func (m *Machine) close(s *session, err error) bool {
	m.transition(s, StateClosing, err)
	m.teardown(s, err)
	return true
}

func (m *Machine) teardown(s *session, err error) {
	if m.sink != nil {
		m.sink.Detach()
	}
	for _, ch := range slices.Concat(s.channels, s.remote) {
		if errCh := ch.Close(); errCh != nil {
			s.logger.Debug().Err(errCh).Str("label", ch.Label()).Msg("failed to close data channel")
		}
	}
	if errEng := s.engine.Close(); errEng != nil {
		s.logger.Debug().Err(errEng).Msg("failed to close engine")
	}
	if s.relay != nil {
		if errSend := s.relay.Send(model.NewLeave(s.room)); errSend != nil {
			s.logger.Debug().Err(errSend).Msg("failed to send leave")
		}
		if errRelay := s.relay.Close(); errRelay != nil {
			s.logger.Debug().Err(errRelay).Msg("failed to close relay")
		}
	}
	s.cancel()
	s.pending = nil

	for _, ev := range s.mb.Close() {
		switch ev.kind {
		case evRelayOpened:
			_ = ev.relay.Close()
		case evRemoteChannel:
			_ = ev.channel.Close()
		default:
		}
	}

	m.transition(s, StateClosed, err)
	close(s.done)
}

func (m *Machine) transition(s *session, to State, err error) {
	from := s.state
	s.state = to
	m.state.Store(int32(to))

	logEv := s.logger.Info()
	if to == StateFailed {
		logEv = s.logger.Warn()
	}
	logEv.Str("from", from.String()).Str("state", to.String()).Msg("state changed")

	if m.onChange != nil {
		m.onChange(Change{Session: s.id, From: from, To: to, Err: err})
	}
}
