package control

import (
	"errors"
	"testing"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{name: "move", cmd: Move{Direction: Forward, Magnitude: 0.5}, want: `{"cmd":"forward","v":0.5}`},
		{name: "move zero", cmd: Move{Direction: Left}, want: `{"cmd":"left","v":0}`},
		{name: "stop", cmd: Stop{}, want: `{"cmd":"stop"}`},
		{name: "estop", cmd: EStop{}, want: `{"cmd":"e_stop"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.cmd)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEncode_Invalid(t *testing.T) {
	for _, cmd := range []Command{
		Move{Direction: "up", Magnitude: 1},
		Move{Direction: Back, Magnitude: 1.5},
		Move{Direction: Back, Magnitude: -0.1},
		nil,
	} {
		if _, err := Encode(cmd); !errors.Is(err, ErrInvalidCommand) {
			t.Fatalf("Encode(%#v) err=%v", cmd, err)
		}
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		raw     string
		want    Command
		wantErr bool
	}{
		{raw: `{"cmd":"right","v":0.25}`, want: Move{Direction: Right, Magnitude: 0.25}},
		{raw: `{"cmd":"back"}`, want: Move{Direction: Back, Magnitude: 1}},
		{raw: `{"cmd":"stop"}`, want: Stop{}},
		{raw: `{"cmd":"e_stop"}`, want: EStop{}},
		{raw: `{"cmd":"jump"}`, wantErr: true},
		{raw: `{"cmd":"forward","v":2}`, wantErr: true},
		{raw: `[]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := Decode([]byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCommand) {
					t.Fatalf("err=%v, want ErrInvalidCommand", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text    string
		want    Command
		wantErr bool
	}{
		{text: "forward 0.5", want: Move{Direction: Forward, Magnitude: 0.5}},
		{text: "  L ", want: Move{Direction: Left, Magnitude: 1}},
		{text: "b 0", want: Move{Direction: Back, Magnitude: 0}},
		{text: "stop", want: Stop{}},
		{text: "ESTOP", want: EStop{}},
		{text: "e_stop", want: EStop{}},
		{text: "", wantErr: true},
		{text: "stop now", wantErr: true},
		{text: "forward fast", wantErr: true},
		{text: "right 3", wantErr: true},
		{text: "dance", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := ParseCommand(tt.text)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCommand) {
					t.Fatalf("err=%v, want ErrInvalidCommand", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCommand: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}
