// Command hub runs the Signaling and Relay Hub: the presence registry,
// transfer store, relay buffer, signaling hub, and HTTP API, wired together
// with signal-driven graceful shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/omnicloud/filedrop/internal/api"
	"github.com/omnicloud/filedrop/internal/config"
	"github.com/omnicloud/filedrop/internal/presence"
	"github.com/omnicloud/filedrop/internal/relaybuffer"
	"github.com/omnicloud/filedrop/internal/signalhub"
	"github.com/omnicloud/filedrop/internal/transferstore"
)

func main() {
	configPath := flag.String("config", "", "path to a key=value config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[Hub] config: %v", err)
	}

	presenceReg := presence.New(cfg.LivenessWindow)
	transfers := transferstore.New()
	relay := relaybuffer.New(cfg.RelayDownloadRetain, cfg.RelayUnusedRetain, cfg.RelayNotifyCooldown)
	hub := signalhub.New(cfg, presenceReg, transfers, relay)
	server := api.NewServer(cfg, presenceReg, transfers, relay, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Run(ctx)
	go relay.Run(ctx, cfg.RelayUnusedRetain)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("[Hub] server error: %v", err)
	case sig := <-sigCh:
		log.Printf("[Hub] received %s, shutting down", sig)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.RelayUploadIdleTime)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Hub] shutdown error: %v", err)
	}
}
