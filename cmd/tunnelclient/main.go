// Command tunnelclient runs the client-side tunnel peer: it accepts local
// HTTP/CONNECT traffic on a configurable bind and tunnels it through the
// chat transport to a tunnelserver peer on the far end.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"chantun/internal/chatapi"
	"chantun/internal/clientpeer"
	"chantun/internal/config"
	"chantun/internal/logging"
	"chantun/internal/proxyfront"
	"chantun/internal/ratelimit"
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

	creds, err := config.LoadClientCredentials()
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

	logger.Info("tunnel client starting")

	chat := chatapi.NewClient(creds.BaseURL, creds.BotToken)
	peer := clientpeer.NewPeer(chat, creds.ChatID, tunables, logger)
	limiter := ratelimit.New(tunables.PerIPRequestLimit, tunables.PerIPWindow)

	open := func(ctx context.Context, host, port string) (proxyfront.StreamHandle, error) {
		return peer.OpenStream(ctx, host, port)
	}
	front := proxyfront.New(tunables.ProxyListenAddr, open, limiter, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := peer.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("tunnel engine stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := front.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Error("proxy front-end stopped", zap.Error(err))
		}
	}()

	wg.Wait()
	logger.Info("tunnel client shutting down")
}
