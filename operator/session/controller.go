// Package session is the operator-facing API: connect to a robot room,
// send commands, disconnect.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/robot-teleop/operator/control"
	"github.com/adwski/robot-teleop/operator/negotiation"
	"github.com/rs/zerolog"
)

const DefaultNegotiationTimeout = 20 * time.Second

var (
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrSessionClosed      = errors.New("session closed")
)

type (
	Config struct {
		Logger    *zerolog.Logger
		Dial      negotiation.DialFunc
		NewEngine negotiation.EngineFactory
		// NegotiationTimeout bounds Joining and Negotiating.
		NegotiationTimeout time.Duration
		Control            control.Config
	}

	Controller struct {
		logger  zerolog.Logger
		machine *negotiation.Machine
		control *control.Channel
		timeout time.Duration

		mx       sync.Mutex
		current  string
		last     negotiation.Change
		changed  chan struct{}
		deadline *time.Timer
		subs     map[int]func(negotiation.Change)
		nextSub  int
	}
)

func NewController(cfg Config) *Controller {
	ctl := &Controller{
		logger:  cfg.Logger.With().Str("component", "session").Logger(),
		timeout: cfg.NegotiationTimeout,
		changed: make(chan struct{}),
		subs:    make(map[int]func(negotiation.Change)),
	}
	if ctl.timeout <= 0 {
		ctl.timeout = DefaultNegotiationTimeout
	}

	ctrlCfg := cfg.Control
	if ctrlCfg.Logger == nil {
		ctrlCfg.Logger = cfg.Logger
	}
	ctl.control = control.NewChannel(ctrlCfg)
	ctl.machine = negotiation.New(negotiation.Config{
		Logger:        cfg.Logger,
		Dial:          cfg.Dial,
		NewEngine:     cfg.NewEngine,
		Labels:        control.Labels(),
		Sink:          ctl.control,
		OnStateChange: ctl.onChange,
	})
	return ctl
}

// Connect starts negotiating with the robot in room through the relay at
// url. Use Await or Subscribe to follow progress.
func (ctl *Controller) Connect(url, room string) error {
	return ctl.machine.Connect(url, room)
}

// Disconnect ends the current session and waits until it is Closed.
func (ctl *Controller) Disconnect(ctx context.Context) error {
	return ctl.machine.Disconnect(ctx)
}

// SendControl sends cmd to the robot. Commands issued while not connected
// are dropped without error.
func (ctl *Controller) SendControl(cmd control.Command) error {
	return ctl.control.Send(cmd)
}

func (ctl *Controller) State() negotiation.State {
	return ctl.machine.State()
}

// Subscribe registers fn for every state change until cancel is called.
// fn must not block.
func (ctl *Controller) Subscribe(fn func(negotiation.Change)) (cancel func()) {
	ctl.mx.Lock()
	id := ctl.nextSub
	ctl.nextSub++
	ctl.subs[id] = fn
	ctl.mx.Unlock()

	return func() {
		ctl.mx.Lock()
		delete(ctl.subs, id)
		ctl.mx.Unlock()
	}
}

// OnInbound registers fn for messages received from the robot.
func (ctl *Controller) OnInbound(fn func(control.Inbound)) (cancel func()) {
	return ctl.control.Subscribe(fn)
}

// Await blocks until the session reaches want. If the session ends first
// it returns ErrSessionClosed joined with the cause.
func (ctl *Controller) Await(ctx context.Context, want negotiation.State) error {
	for {
		ctl.mx.Lock()
		last, changed := ctl.last, ctl.changed
		ctl.mx.Unlock()

		if last.To == want {
			return nil
		}
		if last.To == negotiation.StateClosed {
			return errors.Join(ErrSessionClosed, last.Err)
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (ctl *Controller) onChange(c negotiation.Change) {
	ctl.mx.Lock()
	if c.To == negotiation.StateJoining {
		ctl.current = c.Session
	} else if c.Session != ctl.current {
		ctl.mx.Unlock()
		ctl.logger.Debug().
			Str("session", c.Session).
			Str("state", c.To.String()).
			Msg("change from a previous session ignored")
		return
	}
	switch c.To {
	case negotiation.StateJoining:
		ctl.armDeadline(c.Session)
	case negotiation.StateConnected, negotiation.StateClosed:
		ctl.disarmDeadline()
	default:
	}
	ctl.last = c
	close(ctl.changed)
	ctl.changed = make(chan struct{})

	subs := make([]func(negotiation.Change), 0, len(ctl.subs))
	for _, fn := range ctl.subs {
		subs = append(subs, fn)
	}
	ctl.mx.Unlock()

	for _, fn := range subs {
		fn(c)
	}
}

func (ctl *Controller) armDeadline(sessionID string) {
	ctl.disarmDeadline()
	ctl.deadline = time.AfterFunc(ctl.timeout, func() {
		ctl.logger.Warn().
			Str("session", sessionID).
			Dur("timeout", ctl.timeout).
			Msg("negotiation deadline expired")
		ctl.machine.Expire(sessionID, ErrNegotiationTimeout)
	})
}

func (ctl *Controller) disarmDeadline() {
	if ctl.deadline != nil {
		ctl.deadline.Stop()
		ctl.deadline = nil
	}
}
