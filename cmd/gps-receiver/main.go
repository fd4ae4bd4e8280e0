// Command gps-receiver is a bench receiver for relays running in scan
// mode. It advertises the GPS service, answers PING with PONG and logs
// every payload written to it.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/chaz8081/gps-relay/internal/ble"
	"github.com/chaz8081/gps-relay/internal/ble/protocol"
	"github.com/chaz8081/gps-relay/internal/config"
	"github.com/chaz8081/gps-relay/internal/event"
)

func main() {
	name := flag.String("name", protocol.DeviceName, "advertised local name")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	level, err := config.ParseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("flags: %v", err)
	}
	slog.SetLogLoggerLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	received := 0
	p := ble.NewPeripheral(ble.NewRadio(), ble.GrantAll{}, ble.PeripheralOptions{LocalName: *name}, func(ev event.Event) {
		switch ev.Kind {
		case event.KindDataReceived:
			received++
			log.Printf("#%d from %s: %s", received, ev.Peer, ev.Data)
		case event.KindPeerConnected:
			log.Printf("Central %s connected", ev.Peer)
		case event.KindPeerDisconnected:
			log.Printf("Central %s disconnected", ev.Peer)
		}
	})

	if err := p.Start(ctx); err != nil {
		log.Fatalf("Failed to start advertising: %v", err)
	}
	log.Printf("Advertising as %q, waiting for relays. Ctrl+C to quit.", *name)

	<-ctx.Done()
	log.Println("Shutting down...")
	p.Close()
	log.Printf("Received %d payloads. Goodbye!", received)
}
