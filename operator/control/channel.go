package control

import (
	"errors"
	"sync"

	"github.com/adwski/robot-teleop/operator/rtc"
	"github.com/rs/zerolog"
)

const (
	// LabelControl carries Move and Stop.
	LabelControl = "control"
	// LabelEStop carries EStop only, so an emergency stop never queues
	// behind movement traffic.
	LabelEStop = "estop"

	DefaultHighWaterMark = 64 * 1024
	DefaultLowWaterMark  = 16 * 1024
)

var ErrSend = errors.New("control send failed")

// Labels returns the data channel labels a session must open.
func Labels() []string {
	return []string{LabelControl, LabelEStop}
}

// Inbound is a message received from the robot.
type Inbound struct {
	Label string
	Data  []byte
}

type Config struct {
	Logger *zerolog.Logger
	// HighWaterMark is the buffered amount of the control data channel
	// above which Move commands are coalesced.
	HighWaterMark uint64
	LowWaterMark  uint64
}

// Channel sends commands to the robot while a session is connected and
// silently drops them otherwise.
type Channel struct {
	logger    zerolog.Logger
	highWater uint64
	lowWater  uint64

	mx      sync.Mutex
	gen     uint64
	control rtc.Channel
	estop   rtc.Channel
	pending *Move

	subsMx  sync.RWMutex
	subs    map[int]func(Inbound)
	nextSub int
}

func NewChannel(cfg Config) *Channel {
	c := &Channel{
		logger:    cfg.Logger.With().Str("component", "control").Logger(),
		highWater: cfg.HighWaterMark,
		lowWater:  cfg.LowWaterMark,
		subs:      make(map[int]func(Inbound)),
	}
	if c.highWater == 0 {
		c.highWater = DefaultHighWaterMark
	}
	if c.lowWater == 0 || c.lowWater > c.highWater {
		c.lowWater = min(DefaultLowWaterMark, c.highWater)
	}
	return c
}

// Attach binds the open data channels of a connected session.
func (c *Channel) Attach(channels []rtc.Channel) {
	c.mx.Lock()
	defer c.mx.Unlock()

	c.gen++
	gen := c.gen
	c.control, c.estop, c.pending = nil, nil, nil
	for _, ch := range channels {
		switch ch.Label() {
		case LabelControl:
			c.control = ch
		case LabelEStop:
			c.estop = ch
		default:
			continue
		}
		label := ch.Label()
		ch.OnMessage(func(data []byte) {
			c.receive(gen, label, data)
		})
	}
	if c.control == nil {
		c.logger.Error().Msg("no control data channel attached")
		return
	}
	c.control.SetBufferedAmountLowThreshold(c.lowWater)
	c.control.OnBufferedAmountLow(func() {
		c.flush(gen)
	})
	c.logger.Debug().Bool("estop", c.estop != nil).Msg("attached")
}

// Observe delivers the messages of a data channel opened by the robot to
// subscribers until the next Detach. It is a no-op while detached.
func (c *Channel) Observe(ch rtc.Channel) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.control == nil {
		return
	}
	gen, label := c.gen, ch.Label()
	ch.OnMessage(func(data []byte) {
		c.receive(gen, label, data)
	})
}

// Detach unbinds the data channels and drops any pending Move.
func (c *Channel) Detach() {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.gen++
	c.control, c.estop, c.pending = nil, nil, nil
}

// Send delivers cmd to the robot. It is a no-op while detached. While the
// control data channel is congested only the latest Move is kept; Stop and
// EStop discard it and are sent at once.
func (c *Channel) Send(cmd Command) error {
	frame, err := Encode(cmd)
	if err != nil {
		return err
	}

	c.mx.Lock()
	defer c.mx.Unlock()
	if c.control == nil {
		c.logger.Debug().Msg("not connected, command dropped")
		return nil
	}

	switch cmd := cmd.(type) {
	case Move:
		if c.pending != nil || c.control.BufferedAmount() > c.highWater {
			c.pending = &cmd
			return nil
		}
		return c.write(c.control, frame)
	case EStop:
		c.pending = nil
		if c.estop != nil {
			return c.write(c.estop, frame)
		}
		return c.write(c.control, frame)
	default:
		c.pending = nil
		return c.write(c.control, frame)
	}
}

// Subscribe registers fn for every inbound message until cancel is called.
func (c *Channel) Subscribe(fn func(Inbound)) (cancel func()) {
	c.subsMx.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subsMx.Unlock()

	return func() {
		c.subsMx.Lock()
		delete(c.subs, id)
		c.subsMx.Unlock()
	}
}

func (c *Channel) write(ch rtc.Channel, frame []byte) error {
	if err := ch.Send(frame); err != nil {
		return errors.Join(ErrSend, err)
	}
	return nil
}

func (c *Channel) flush(gen uint64) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if gen != c.gen || c.pending == nil || c.control.BufferedAmount() > c.highWater {
		return
	}
	move := *c.pending
	c.pending = nil
	frame, err := Encode(move)
	if err == nil {
		err = c.write(c.control, frame)
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to flush pending move")
	}
}

func (c *Channel) receive(gen uint64, label string, data []byte) {
	c.mx.Lock()
	current := gen == c.gen
	c.mx.Unlock()
	if !current {
		return
	}

	c.subsMx.RLock()
	subs := make([]func(Inbound), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subsMx.RUnlock()

	msg := Inbound{Label: label, Data: data}
	for _, fn := range subs {
		fn(msg)
	}
}
