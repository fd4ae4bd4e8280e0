package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/chaz8081/gps-relay/internal/ble"
	"github.com/chaz8081/gps-relay/internal/config"
	"github.com/chaz8081/gps-relay/internal/event"
	"github.com/chaz8081/gps-relay/internal/gps"
	"github.com/chaz8081/gps-relay/internal/identity"
	"github.com/chaz8081/gps-relay/internal/mqttpub"
	"github.com/chaz8081/gps-relay/internal/session"
	"github.com/chaz8081/gps-relay/internal/statusweb"
)

const (
	reconnectMin = 2 * time.Second
	reconnectMax = 30 * time.Second
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/gps-relay/config.yaml)")
	mode := flag.String("mode", "", "advertise or scan (overrides config)")
	intervalMs := flag.Int("interval", 0, "transmission interval in ms, clamped to [60000, 600000] (overrides config)")
	target := flag.String("target", "", "peer address to connect to in scan mode (overrides config)")
	demo := flag.Bool("demo", false, "use the simulated GPS track instead of the serial receiver")
	initConfig := flag.Bool("init-config", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
			return
		}
		log.Printf("Wrote default config to %s", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	applyFlags(cfg, *mode, *intervalMs, *target, *demo)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	slog.SetLogLoggerLevel(level)

	ids := identity.NewStore(cfg.IdentityPath)
	printBanner(cfg, ids)

	provider, err := openProvider(cfg)
	if err != nil {
		log.Fatalf("Failed to open GPS: %v\n\nCheck gps.port in the config, or run with -demo.", err)
	}
	defer provider.Close()
	sampler := gps.NewSampler(provider, time.Duration(cfg.GPS.FixTimeoutMs)*time.Millisecond)

	radio := ble.NewRadio()
	build := func(l event.Listener) (session.Peripheral, session.Central) {
		p := ble.NewPeripheral(radio, ble.GrantAll{}, ble.PeripheralOptions{
			LocalName:             ids.AdvertisingName(),
			RequireBLEPermissions: cfg.BLE.RequireBLEPermissions,
		}, l)
		c := ble.NewCentral(radio, ble.GrantAll{}, ble.CentralOptions{
			ScanTimeout:           time.Duration(cfg.BLE.ScanTimeoutMs) * time.Millisecond,
			VerifySettle:          time.Duration(cfg.BLE.VerifySettleMs) * time.Millisecond,
			RequireBLEPermissions: cfg.BLE.RequireBLEPermissions,
		}, l)
		return p, c
	}

	ctrl, err := session.New(sampler, ids.ShortID(), build, session.Options{
		Mode:        session.Mode(cfg.Mode),
		Interval:    cfg.Interval(),
		ScanTimeout: time.Duration(cfg.BLE.ScanTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		log.Fatalf("session: %v", err)
	}
	defer ctrl.Close()

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MQTT.Enabled {
		pub, err := mqttpub.Dial(mqttpub.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		})
		if err != nil {
			log.Printf("ERROR: MQTT disabled: %v", err)
		} else {
			ctrl.AddListener(pub.Listen)
			defer pub.Close()
			log.Printf("Mirroring events to %s/%s/#", cfg.MQTT.Broker, cfg.MQTT.TopicPrefix)
		}
	}

	if cfg.Status.Enabled {
		hub := statusweb.New(ctrl)
		ctrl.AddListener(hub.Listen)
		go func() {
			if err := hub.Run(ctx, cfg.Status.ListenAddr); err != nil {
				log.Printf("ERROR: status server: %v", err)
			}
		}()
	}

	if err := start(ctx, ctrl, cfg); err != nil {
		log.Printf("ERROR: %v", err)
		ctrl.Close()
		os.Exit(1)
	}
	log.Println("Ready! Ctrl+C to quit.")

	// Main event loop
	var reconnecting atomic.Bool
	for {
		select {
		case ev, ok := <-ctrl.Events():
			if !ok {
				return
			}
			switch {
			case ev.Kind == event.KindDataReceived:
				log.Printf("Received from %s (%s): %s", ev.Peer, ev.Name, ev.Data)
			case ev.Kind == event.KindTransmitted:
				log.Printf("Transmitted #%d", ev.Count)
			case ev.Kind == event.KindState && ev.Source == event.SourceCentral && ev.State == ble.CentralDisconnected.String():
				if ctrl.Transmitting() && reconnecting.CompareAndSwap(false, true) {
					go func() {
						defer reconnecting.Store(false)
						reconnect(ctx, ctrl, cfg.BLE.Target)
					}()
				}
			}

		case <-ctx.Done():
			log.Println("Shutting down...")
			if err := ctrl.Close(); err != nil {
				log.Printf("ERROR: shutdown: %v", err)
			}
			log.Println("Goodbye!")
			return
		}
	}
}

// start brings up the configured role and begins transmitting.
func start(ctx context.Context, ctrl *session.Controller, cfg *config.Config) error {
	switch ctrl.Mode() {
	case session.ModeAdvertise:
		if err := ctrl.StartAdvertising(ctx); err != nil {
			return fmt.Errorf("start advertising: %w", err)
		}

	case session.ModeScan:
		d, err := ctrl.ScanAndConnect(ctx, cfg.BLE.Target)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		log.Printf("Connected to %s (%s)", d.Name, d.Address)
		verifyAndSubscribe(ctx, ctrl)
	}

	return ctrl.StartTransmission(ctx)
}

func verifyAndSubscribe(ctx context.Context, ctrl *session.Controller) {
	if ok, _ := ctrl.Verify(ctx); !ok {
		log.Println("WARNING: peer did not answer PING with PONG; sending anyway")
	}
	if err := ctrl.Subscribe(); err != nil {
		log.Printf("WARNING: notifications unavailable: %v", err)
	}
}

// reconnect retries ScanAndConnect with exponential backoff until the
// central is connected again or ctx ends.
func reconnect(ctx context.Context, ctrl *session.Controller, target string) {
	delay := reconnectMin
	for {
		if ctrl.Status().CentralState == ble.CentralConnected.String() {
			return
		}
		log.Printf("Link lost, reconnecting in %s", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		d, err := ctrl.ScanAndConnect(ctx, target)
		if err == nil {
			log.Printf("Reconnected to %s (%s)", d.Name, d.Address)
			verifyAndSubscribe(ctx, ctrl)
			return
		}
		log.Printf("Reconnect failed: %v", err)
		delay = min(delay*2, reconnectMax)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// applyFlags overlays command-line overrides on cfg.
func applyFlags(cfg *config.Config, mode string, intervalMs int, target string, demo bool) {
	if mode != "" {
		cfg.Mode = mode
	}
	if intervalMs != 0 {
		clamped := config.ClampInterval(intervalMs)
		if clamped != intervalMs {
			log.Printf("Interval %dms adjusted to %dms", intervalMs, clamped)
		}
		cfg.IntervalMs = clamped
	}
	if target != "" {
		cfg.BLE.Target = target
	}
	if demo {
		cfg.GPS.Source = "demo"
	}
}

func openProvider(cfg *config.Config) (gps.Provider, error) {
	if cfg.GPS.Source == "demo" {
		return gps.NewDemoProvider(), nil
	}
	return gps.OpenNMEA(gps.NMEAConfig{Port: cfg.GPS.Port, BaudRate: cfg.GPS.BaudRate})
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, ids *identity.Store) {
	fmt.Println("=== gps-relay ===")
	fmt.Printf("  Device:   %s (%s)\n", ids.ShortID(), ids.AdvertisingName())
	if ids.Ephemeral() {
		fmt.Printf("  WARNING:  could not save device ID to %s; it will change on restart\n", cfg.IdentityPath)
	}
	fmt.Printf("  Mode:     %s\n", cfg.Mode)
	fmt.Printf("  Interval: %s\n", cfg.Interval())
	if cfg.GPS.Source == "demo" {
		fmt.Println("  GPS:      demo track")
	} else {
		fmt.Printf("  GPS:      %s @ %d baud\n", cfg.GPS.Port, cfg.GPS.BaudRate)
	}
	if cfg.Mode == "scan" {
		t := cfg.BLE.Target
		if t == "" {
			t = "first relay found"
		}
		fmt.Printf("  Target:   %s\n", t)
	}
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("=================")
}
