package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	websocketServer "github.com/adwski/webrtc-relay/backend/server/websocket"
	"github.com/adwski/webrtc-relay/backend/service"
	sw "github.com/adwski/webrtc-relay/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		listenAddr     = fs.StringP("listen-addr", "a", ":3000", "websocket signaling listen address")
		path           = fs.StringP("path", "p", "/", "websocket endpoint path")
		mode           = fs.StringP("mode", "m", string(service.ModeBroadcast), "relay mode: broadcast or pair")
		announce       = fs.Bool("announce", false, "send peer-joined/peer-left messages to participants")
		queueSize      = fs.Int("queue-size", 64, "per-connection outbound queue length")
		maxMessageSize = fs.Int64("max-message-size", 0, "inbound message size limit in bytes, 0 is unlimited")
		logLevel       = fs.StringP("log-level", "l", "info", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	relayMode, err := service.ParseMode(*mode)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse relay mode")
	}

	svc := service.NewService(service.Config{
		Switch:   sw.NewSwitch(&logger, relayMode.MaxParticipants()),
		Logger:   &logger,
		Mode:     relayMode,
		Announce: *announce,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       *listenAddr,
		Path:             *path,
		QueueSize:        *queueSize,
		MaxMessageSize:   *maxMessageSize,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 1)
	)
	wg.Add(1)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
