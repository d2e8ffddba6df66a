// Package control carries teleoperation commands to the robot over the
// session data channels.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type Direction string

const (
	Forward Direction = "forward"
	Back    Direction = "back"
	Left    Direction = "left"
	Right   Direction = "right"
)

const (
	cmdStop  = "stop"
	cmdEStop = "e_stop"
)

var ErrInvalidCommand = errors.New("invalid command")

// Command is one of Move, Stop or EStop.
type Command interface {
	command()
}

type Move struct {
	Direction Direction
	// Magnitude is a fraction of full speed in [0, 1].
	Magnitude float64
}

type Stop struct{}

// EStop is the emergency stop. It is never coalesced or delayed.
type EStop struct{}

func (Move) command()  {}
func (Stop) command()  {}
func (EStop) command() {}

type wireCommand struct {
	Cmd string   `json:"cmd"`
	V   *float64 `json:"v,omitempty"`
}

func (d Direction) valid() bool {
	switch d {
	case Forward, Back, Left, Right:
		return true
	default:
		return false
	}
}

func validMagnitude(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// Encode serializes cmd into its wire form, e.g. {"cmd":"forward","v":0.5}.
func Encode(cmd Command) ([]byte, error) {
	var w wireCommand
	switch c := cmd.(type) {
	case Move:
		if !c.Direction.valid() {
			return nil, fmt.Errorf("%w: direction %q", ErrInvalidCommand, c.Direction)
		}
		if !validMagnitude(c.Magnitude) {
			return nil, fmt.Errorf("%w: magnitude %v", ErrInvalidCommand, c.Magnitude)
		}
		v := c.Magnitude
		w = wireCommand{Cmd: string(c.Direction), V: &v}
	case Stop:
		w = wireCommand{Cmd: cmdStop}
	case EStop:
		w = wireCommand{Cmd: cmdEStop}
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidCommand, cmd)
	}
	return json.Marshal(&w)
}

// Decode parses a wire command. A Move without "v" means full speed.
func Decode(data []byte) (Command, error) {
	var w wireCommand
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.Join(ErrInvalidCommand, err)
	}
	switch w.Cmd {
	case cmdStop:
		return Stop{}, nil
	case cmdEStop:
		return EStop{}, nil
	}
	dir := Direction(w.Cmd)
	if !dir.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCommand, w.Cmd)
	}
	v := 1.0
	if w.V != nil {
		v = *w.V
	}
	if !validMagnitude(v) {
		return nil, fmt.Errorf("%w: magnitude %v", ErrInvalidCommand, v)
	}
	return Move{Direction: dir, Magnitude: v}, nil
}

// ParseCommand reads a command typed by the operator: "forward 0.5",
// "left", "stop", "estop".
func ParseCommand(text string) (Command, error) {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 || len(fields) > 2 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCommand, text)
	}

	switch fields[0] {
	case "stop", "s":
		if len(fields) != 1 {
			break
		}
		return Stop{}, nil
	case "estop", "e_stop", "e":
		if len(fields) != 1 {
			break
		}
		return EStop{}, nil
	default:
		dir, ok := directionAliases[fields[0]]
		if !ok {
			break
		}
		move := Move{Direction: dir, Magnitude: 1}
		if len(fields) == 2 {
			v, err := strconv.ParseFloat(fields[1], 64)
			if err != nil || !validMagnitude(v) {
				return nil, fmt.Errorf("%w: magnitude %q", ErrInvalidCommand, fields[1])
			}
			move.Magnitude = v
		}
		return move, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidCommand, text)
}

var directionAliases = map[string]Direction{
	"forward": Forward, "f": Forward,
	"back": Back, "b": Back,
	"left": Left, "l": Left,
	"right": Right, "r": Right,
}
