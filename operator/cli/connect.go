package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/adwski/robot-teleop/operator/control"
	"github.com/adwski/robot-teleop/operator/negotiation"
	"github.com/adwski/robot-teleop/operator/rtc"
	"github.com/adwski/robot-teleop/operator/session"
	"github.com/adwski/robot-teleop/operator/signaling"
	"github.com/spf13/cobra"
)

const disconnectTimeout = 5 * time.Second

var ErrNoRoom = errors.New("room is required")

const commandHelp = `commands: forward|back|left|right [0..1], stop, estop, quit`

func newConnectCommand(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "connect [room]",
		Short: "Connect to a robot and drive it from stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var room string
			if len(args) == 1 {
				room = args[0]
			}
			cfg, logger, err := f.load(room)
			if err != nil {
				return err
			}
			if cfg.Room == "" {
				return ErrNoRoom
			}

			ctl := session.NewController(session.Config{
				Logger:             &logger,
				NegotiationTimeout: cfg.NegotiationTimeout,
				Dial: func(ctx context.Context, url string) (negotiation.Relay, error) {
					return signaling.Dial(ctx, url, &logger)
				},
				NewEngine: func() (rtc.Engine, error) {
					return rtc.NewPionEngine(rtc.Config{
						Logger:      &logger,
						STUNServers: cfg.STUNServers,
					})
				},
			})

			out := cmd.OutOrStdout()
			closed := make(chan struct{})
			ctl.Subscribe(func(c negotiation.Change) {
				if c.Err != nil {
					fmt.Fprintf(out, "session %s: %v\n", c.To, c.Err)
				} else {
					fmt.Fprintf(out, "session %s\n", c.To)
				}
				if c.To == negotiation.StateClosed {
					close(closed)
				}
			})
			ctl.OnInbound(func(msg control.Inbound) {
				fmt.Fprintf(out, "robot [%s]: %s\n", msg.Label, msg.Data)
			})

			if err = ctl.Connect(cfg.SignalingURL, cfg.Room); err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
				defer cancel()
				_ = ctl.Disconnect(ctx)
			}()

			if err = ctl.Await(cmd.Context(), negotiation.StateConnected); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			fmt.Fprintln(out, commandHelp)
			return runCommandLoop(cmd.Context(), cmd.InOrStdin(), out, ctl, closed)
		},
	}
}

type commandSender interface {
	SendControl(cmd control.Command) error
}

// runCommandLoop reads one command per line until quit, end of input,
// cancellation or the end of the session.
func runCommandLoop(
	ctx context.Context,
	in io.Reader,
	out io.Writer,
	sender commandSender,
	closed <-chan struct{},
) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			case <-closed:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-closed:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
				continue
			case "quit", "exit", "q":
				return nil
			case "help", "?":
				fmt.Fprintln(out, commandHelp)
				continue
			}
			cmd, err := control.ParseCommand(line)
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			if err = sender.SendControl(cmd); err != nil {
				fmt.Fprintln(out, err)
			}
		}
	}
}
