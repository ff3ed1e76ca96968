// Command peer runs the client-side Session Client and Transfer Engine as
// a standalone process: it registers with a hub, optionally sends one file
// to another device, and otherwise sits idle accepting inbound offers,
// saving completed transfers under -save-dir via internal/savehandler.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/omnicloud/filedrop/internal/config"
	"github.com/omnicloud/filedrop/internal/engine"
	"github.com/omnicloud/filedrop/internal/savehandler"
	"github.com/omnicloud/filedrop/internal/session"
)

func main() {
	hubURL := flag.String("hub", "http://localhost:8080", "base URL of the hub (http/https, /ws is appended for signaling)")
	deviceID := flag.String("id", "", "stable device identifier (defaults to a generated UUID)")
	name := flag.String("name", defaultDeviceName(), "human-readable device name")
	formFactor := flag.String("type", "laptop", "device form factor: laptop, mobile, or tablet")
	saveDir := flag.String("save-dir", "./received", "directory completed transfers are written to")
	sendPath := flag.String("send", "", "path to a file to send; requires -to")
	toDevice := flag.String("to", "", "receiver device id for -send")
	autoAccept := flag.Bool("auto-accept", true, "automatically accept inbound transfer offers")
	flag.Parse()

	if *sendPath != "" && *toDevice == "" {
		log.Fatal("[Peer] -send requires -to")
	}

	id := *deviceID
	if id == "" {
		id = uuid.NewString()
	}

	cfg := config.Default()

	handler, err := savehandler.New(*saveDir, 2*time.Second)
	if err != nil {
		log.Fatalf("[Peer] save handler: %v", err)
	}
	defer handler.Close()

	client := session.New(cfg, *hubURL, id, *name, *formFactor)
	eng := engine.New(cfg, client, *hubURL, id, handler.Save)

	eng.OnStateChange(func(transferID string, state engine.State) {
		log.Printf("[Peer] transfer %s -> %s", transferID, state)
	})
	eng.OnIncomingOffer(func(offer engine.IncomingOffer) {
		log.Printf("[Peer] incoming offer %s: %s (%d bytes, %s)", offer.TransferID, offer.FileName, offer.FileSize, offer.FileType)
		if *autoAccept {
			eng.Accept(offer.TransferID)
		} else {
			eng.Reject(offer.TransferID)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go client.Run(ctx)

	log.Printf("[Peer] device %s (%s) connecting to %s", id, *name, *hubURL)

	if *sendPath != "" {
		content, err := os.ReadFile(*sendPath)
		if err != nil {
			log.Fatalf("[Peer] read %s: %v", *sendPath, err)
		}
		transferID := uuid.NewString()
		fileType := "application/octet-stream"
		log.Printf("[Peer] sending %s (%d bytes) to %s as transfer %s", *sendPath, len(content), *toDevice, transferID)
		eng.SendFile(transferID, *toDevice, baseName(*sendPath), fileType, content)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Println("[Peer] shutting down")
	client.Stop()
}

func defaultDeviceName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username + "'s device"
	}
	host, err := os.Hostname()
	if err != nil {
		return "peer"
	}
	return host
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}
