package negotiation

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/adwski/robot-teleop/backend/model"
	"github.com/adwski/robot-teleop/operator/rtc"
	"github.com/rs/zerolog"
)

var errRelayWrite = errors.New("relay is closed")

type fakeChannel struct {
	label string

	mx     sync.Mutex
	onOpen func()
	closed bool
}

func (c *fakeChannel) Label() string { return c.label }
func (c *fakeChannel) Send([]byte) error { return nil }
func (c *fakeChannel) OnMessage(func([]byte)) {}
func (c *fakeChannel) BufferedAmount() uint64 { return 0 }
func (c *fakeChannel) SetBufferedAmountLowThreshold(uint64) {}
func (c *fakeChannel) OnBufferedAmountLow(func()) {}

func (c *fakeChannel) OnOpen(f func()) {
	c.mx.Lock()
	c.onOpen = f
	c.mx.Unlock()
}

func (c *fakeChannel) Close() error {
	c.mx.Lock()
	c.closed = true
	c.mx.Unlock()
	return nil
}

func (c *fakeChannel) open() {
	c.mx.Lock()
	f := c.onOpen
	c.mx.Unlock()
	f()
}

func (c *fakeChannel) isClosed() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.closed
}

type fakeEngine struct {
	offerGate chan struct{}
	offerErr  error
	remoteErr error

	mx          sync.Mutex
	calls       []string
	channels    []*fakeChannel
	onCandidate func(model.Candidate)
	onFailed    func(error)
	onChannel   func(rtc.Channel)
	closed      int
}

func (e *fakeEngine) record(call string) {
	e.mx.Lock()
	e.calls = append(e.calls, call)
	e.mx.Unlock()
}

func (e *fakeEngine) CreateOffer() (string, error) {
	if e.offerGate != nil {
		<-e.offerGate
	}
	if e.offerErr != nil {
		return "", e.offerErr
	}
	e.record("offer")
	return "v=0 offer", nil
}

func (e *fakeEngine) SetLocalDescription(sdp string) error {
	e.record("local:" + sdp)
	return nil
}

func (e *fakeEngine) SetRemoteDescription(sdp string) error {
	if e.remoteErr != nil {
		return e.remoteErr
	}
	e.record("remote:" + sdp)
	return nil
}

func (e *fakeEngine) AddICECandidate(c model.Candidate) error {
	e.record("candidate:" + c.Candidate)
	return nil
}

func (e *fakeEngine) CreateDataChannel(label string) (rtc.Channel, error) {
	ch := &fakeChannel{label: label}
	e.mx.Lock()
	e.channels = append(e.channels, ch)
	e.mx.Unlock()
	return ch, nil
}

func (e *fakeEngine) OnICECandidate(f func(model.Candidate)) {
	e.mx.Lock()
	e.onCandidate = f
	e.mx.Unlock()
}

func (e *fakeEngine) OnConnectionFailed(f func(error)) {
	e.mx.Lock()
	e.onFailed = f
	e.mx.Unlock()
}

func (e *fakeEngine) OnDataChannel(f func(rtc.Channel)) {
	e.mx.Lock()
	e.onChannel = f
	e.mx.Unlock()
}

func (e *fakeEngine) Close() error {
	e.mx.Lock()
	e.closed++
	e.mx.Unlock()
	return nil
}

func (e *fakeEngine) gather(c model.Candidate) {
	e.mx.Lock()
	f := e.onCandidate
	e.mx.Unlock()
	f(c)
}

func (e *fakeEngine) fail(err error) {
	e.mx.Lock()
	f := e.onFailed
	e.mx.Unlock()
	f(err)
}

// peerChannel simulates the peer opening a data channel.
func (e *fakeEngine) peerChannel(label string) *fakeChannel {
	ch := &fakeChannel{label: label}
	e.mx.Lock()
	f := e.onChannel
	e.mx.Unlock()
	f(ch)
	return ch
}

func (e *fakeEngine) openChannels() {
	e.mx.Lock()
	channels := append([]*fakeChannel(nil), e.channels...)
	e.mx.Unlock()
	for _, ch := range channels {
		ch.open()
	}
}

func (e *fakeEngine) callLog() []string {
	e.mx.Lock()
	defer e.mx.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fakeEngine) closeCount() int {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.closed
}

type fakeRelay struct {
	incoming  chan model.Envelope
	closeOnce sync.Once

	mx     sync.Mutex
	sent   []model.Envelope
	closed bool
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{incoming: make(chan model.Envelope, 16)}
}

func (r *fakeRelay) Send(env model.Envelope) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.closed {
		return errRelayWrite
	}
	r.sent = append(r.sent, env)
	return nil
}

func (r *fakeRelay) Incoming() <-chan model.Envelope { return r.incoming }

func (r *fakeRelay) Close() error {
	r.mx.Lock()
	r.closed = true
	r.mx.Unlock()
	r.closeOnce.Do(func() { close(r.incoming) })
	return nil
}

func (r *fakeRelay) deliver(env model.Envelope) { r.incoming <- env }

func (r *fakeRelay) sentTypes() []model.EnvelopeType {
	r.mx.Lock()
	defer r.mx.Unlock()
	types := make([]model.EnvelopeType, 0, len(r.sent))
	for _, env := range r.sent {
		types = append(types, env.Type)
	}
	return types
}

func (r *fakeRelay) isClosed() bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.closed
}

type fakeSink struct {
	mx       sync.Mutex
	attached []rtc.Channel
	observed []string
	attaches int
	detaches int
}

func (s *fakeSink) Attach(channels []rtc.Channel) {
	s.mx.Lock()
	s.attached = channels
	s.attaches++
	s.mx.Unlock()
}

func (s *fakeSink) Observe(ch rtc.Channel) {
	s.mx.Lock()
	s.observed = append(s.observed, ch.Label())
	s.mx.Unlock()
}

func (s *fakeSink) observedLabels() []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]string(nil), s.observed...)
}

func (s *fakeSink) Detach() {
	s.mx.Lock()
	s.attached = nil
	s.detaches++
	s.mx.Unlock()
}

func (s *fakeSink) counts() (attaches, detaches, attached int) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.attaches, s.detaches, len(s.attached)
}

// logBuffer collects the machine's debug log.
type logBuffer struct {
	mx  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) count(msg string) int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return bytes.Count(b.buf.Bytes(), []byte(`"message":"`+msg+`"`))
}

type harness struct {
	t       *testing.T
	m       *Machine
	sink    *fakeSink
	logs    *logBuffer
	changes chan Change

	// Set before Connect.
	dialErr     error
	dialGate    chan struct{}
	setupEngine func(*fakeEngine)

	mx      sync.Mutex
	engines []*fakeEngine
	relays  []*fakeRelay
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		sink:    &fakeSink{},
		logs:    &logBuffer{},
		changes: make(chan Change, 128),
	}
	logger := zerolog.New(h.logs).Level(zerolog.DebugLevel)
	h.m = New(Config{
		Logger:        &logger,
		Dial:          h.dial,
		NewEngine:     h.newEngine,
		Labels:        []string{"control", "estop"},
		Sink:          h.sink,
		OnStateChange: func(c Change) { h.changes <- c },
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.m.Disconnect(ctx)
	})
	return h
}

func (h *harness) dial(ctx context.Context, _ string) (Relay, error) {
	if h.dialGate != nil {
		<-h.dialGate
	}
	if h.dialErr != nil {
		return nil, h.dialErr
	}
	r := newFakeRelay()
	h.mx.Lock()
	h.relays = append(h.relays, r)
	h.mx.Unlock()
	return r, nil
}

func (h *harness) newEngine() (rtc.Engine, error) {
	e := &fakeEngine{}
	if h.setupEngine != nil {
		h.setupEngine(e)
	}
	h.mx.Lock()
	h.engines = append(h.engines, e)
	h.mx.Unlock()
	return e, nil
}

func (h *harness) engine() *fakeEngine {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.engines[len(h.engines)-1]
}

func (h *harness) relay() *fakeRelay {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.relays[len(h.relays)-1]
}

func (h *harness) connect() {
	h.t.Helper()
	if err := h.m.Connect("ws://relay/ws", "robot-1"); err != nil {
		h.t.Fatalf("Connect: %v", err)
	}
}

// waitState consumes changes until one enters want.
func (h *harness) waitState(want State) Change {
	h.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c := <-h.changes:
			if c.To == want {
				return c
			}
		case <-timeout:
			h.t.Fatalf("state %s not reached, current %s", want, h.m.State())
		}
	}
}

// negotiate brings a fresh session to the point where the offer was sent.
func (h *harness) negotiate() {
	h.t.Helper()
	h.connect()
	h.waitState(StateNegotiating)
	waitFor(h.t, "offer sent", func() bool {
		types := h.relay().sentTypes()
		return len(types) == 2 && types[1] == model.EnvelopeTypeOffer
	})
}

// establish brings a fresh session to Connected and returns that change.
func (h *harness) establish() Change {
	h.t.Helper()
	h.negotiate()
	h.relay().deliver(model.NewAnswer("robot-1", "v=0 answer"))
	waitFor(h.t, "answer applied", func() bool {
		return slices.Contains(h.engine().callLog(), "remote:v=0 answer")
	})
	h.engine().openChannels()
	return h.waitState(StateConnected)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func candidate(s string) model.Candidate {
	mid := "0"
	return model.Candidate{SDPMid: &mid, Candidate: s}
}
