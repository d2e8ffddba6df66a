package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	httpServer "github.com/adwski/robot-teleop/backend/server/http"
	websocketServer "github.com/adwski/robot-teleop/backend/server/websocket"
	"github.com/adwski/robot-teleop/backend/service"
	store "github.com/adwski/robot-teleop/backend/storage/memory"
	sw "github.com/adwski/robot-teleop/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr = fs.StringP("api-listen-addr", "a", ":8081", "introspection api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", ":8080", "websocket signaling listen address")
		wsPath        = fs.StringP("ws-path", "p", websocketServer.DefaultPath, "websocket signaling path")
		pingInterval  = fs.Duration("ping-interval", 0, "websocket ping interval (0 uses the default)")
		logLevel      = fs.StringP("log-level", "l", "info", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	rooms := store.NewMemStore()
	svc := service.NewService(service.Config{
		RoomStore: rooms,
		Switch:    sw.NewSwitch(&logger),
		Logger:    &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: svc,
		ListenAddr:  *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       *wsListenAddr,
		Path:             *wsPath,
		PingInterval:     *pingInterval,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)
	logger.Info().
		Str("signaling", *wsListenAddr+*wsPath).
		Str("api", *apiListenAddr).
		Str("level", lvl.String()).
		Msg("relay started")

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("relay server failed, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted, closing signaling connections")
	}
	cancel()
	wg.Wait()
	logger.Info().Int("rooms", len(rooms.Rooms())).Msg("relay stopped")
}
