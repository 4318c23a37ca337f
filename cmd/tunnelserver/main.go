// Command tunnelserver runs the server-side tunnel peer: it dials
// arbitrary host:port targets on behalf of a tunnelclient peer reached
// through the chat transport.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"chantun/internal/chatapi"
	"chantun/internal/config"
	"chantun/internal/logging"
	"chantun/internal/serverpeer"
)

func main() {
	confPath := flag.String("config", "", "Path to tunables settings file (overrides TUNNEL_CONFIG)")
	flag.Parse()

	if *confPath != "" {
		if err := os.Setenv("TUNNEL_CONFIG", *confPath); err != nil {
			fmt.Printf("failed to set TUNNEL_CONFIG: %v\n", err)
			os.Exit(1)
		}
	}

	creds, err := config.LoadServerCredentials()
	if err != nil {
		fmt.Printf("failed to load credentials: %v\n", err)
		os.Exit(1)
	}
	tunables, err := config.LoadTunables()
	if err != nil {
		fmt.Printf("failed to load tunables: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{Level: tunables.LogLevel, Path: tunables.LogPath})
	defer logger.Sync()

	logger.Info("tunnel server starting")

	chat := chatapi.NewClient(creds.BaseURL, creds.BotToken)
	peer := serverpeer.NewPeer(chat, tunables, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := peer.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("tunnel engine stopped unexpectedly", zap.Error(err))
	}
	logger.Info("tunnel server shutting down")
}
