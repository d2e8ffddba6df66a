// Package cli implements the teleop command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adwski/robot-teleop/operator/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configFile   string
	signalingURL string
	apiURL       string
	stunServers  []string
	timeout      time.Duration
	logLevel     string
}

func NewRootCommand() *cobra.Command {
	f := &globalFlags{}
	root := &cobra.Command{
		Use:   "teleop",
		Short: "Remote robot teleoperation client",
		Long: `teleop connects to a robot through the signaling relay, receives its
camera stream and sends movement commands over a data channel.

Examples:
  teleop connect robot-1
  teleop connect --signaling-url wss://relay.example.com/ws robot-1
  teleop rooms`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&f.configFile, "config", "c", "", "path to a YAML config file (env "+config.EnvConfigFile+")")
	pf.StringVar(&f.signalingURL, "signaling-url", "", "relay websocket url (default "+config.DefaultSignalingURL+")")
	pf.StringVar(&f.apiURL, "api-url", "", "relay introspection api url (default "+config.DefaultAPIURL+")")
	pf.StringSliceVar(&f.stunServers, "stun", nil, "STUN server urls (default "+config.DefaultSTUN+")")
	pf.DurationVar(&f.timeout, "timeout", 0, "negotiation timeout (default 20s)")
	pf.StringVarP(&f.logLevel, "log-level", "l", "", "log level (default "+config.DefaultLogLevel+")")

	root.AddCommand(newConnectCommand(f), newRoomsCommand(f))
	return root
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func (f *globalFlags) load(room string) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(config.Options{
		File:               f.configFile,
		SignalingURL:       f.signalingURL,
		APIURL:             f.apiURL,
		Room:               room,
		STUNServers:        f.stunServers,
		NegotiationTimeout: f.timeout,
		LogLevel:           f.logLevel,
	})
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(cfg.Level())
	return cfg, logger, nil
}
