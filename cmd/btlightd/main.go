package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/btlightd/internal/ble"
	"github.com/chaz8081/btlightd/internal/config"
	"github.com/chaz8081/btlightd/internal/device"
	"github.com/chaz8081/btlightd/internal/logging"
	"github.com/chaz8081/btlightd/internal/mqtt"
	"github.com/chaz8081/btlightd/internal/store"
)

var version = "dev"

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/btlightd/config.yaml)")
	scan := flag.Bool("scan", false, "list nearby lights and exit")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(config.ParseLogLevel(cfg.LogLevel), cfg.LogFormat, version, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter := ble.NewTinyGoAdapter(cfg.TinyGoOptions(), logger)

	if *scan {
		if err := runScan(ctx, adapter, cfg.DiscoveryFilter()); err != nil {
			logger.Error("scan failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	printBanner(cfg)

	if err := run(ctx, cfg, adapter, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
	log.Println("Goodbye!")
}

func run(ctx context.Context, cfg *config.Config, adapter ble.Adapter, logger *slog.Logger) error {
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck // shutdown path
	logger.Info("state store ready", "path", st.Path())

	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enabling bluetooth: %w", err)
	}

	deps := device.Deps{Adapter: adapter, Store: st, Logger: logger}

	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(cfg.MQTT, logger)
		if err != nil {
			return err
		}
		defer client.Close()
		bridge = mqtt.NewBridge(client, cfg.MQTT.TopicPrefix, byte(cfg.MQTT.QoS), logger)
		deps.OnState = bridge.PublishState
		deps.OnLink = bridge.PublishLink
	} else {
		logger.Info("mqtt disabled, supervising connections only")
	}

	devices := make([]*device.Device, 0, len(cfg.Devices))
	defer func() {
		for _, d := range devices {
			d.Stop()
		}
	}()

	for i := range cfg.Devices {
		d, err := device.Start(ctx, cfg.DeviceConfig(i), deps)
		if err != nil {
			return fmt.Errorf("starting %s: %w", cfg.Devices[i].Address, err)
		}
		devices = append(devices, d)
		logger.Info("light started", "device", d.Name(), "id", d.ID(), "metrics_interval", d.MetricsInterval())

		if bridge != nil {
			if err := bridge.Attach(d.ID(), d); err != nil {
				logger.Warn("device has no command topics", "device", d.Name(), "error", err)
			}
		}
	}

	log.Printf("Ready! %d light(s) supervised. Ctrl+C to quit.", len(devices))
	<-ctx.Done()
	connected := 0
	for _, d := range devices {
		if d.Connected() {
			connected++
		}
	}
	log.Printf("Shutting down... (%d of %d light(s) connected)", connected, len(devices))
	return nil
}

func runScan(ctx context.Context, adapter ble.Adapter, filter ble.DiscoveryFilter) error {
	fmt.Println("Scanning for lights...")
	found, err := ble.ScanForLights(ctx, adapter, filter)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Println("No lights found. Is the lamp powered and in range?")
		return nil
	}
	for _, c := range found {
		fmt.Printf("  %-40s address: %s\n", c.Label(), c.Address)
	}
	fmt.Println("Add an address to the devices section of your config file.")
	return nil
}

// loadConfig loads the config from the specified path, or falls back to the
// default config path. Without either a commented default file is written so
// the user can add devices.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	written, err := config.WriteDefault()
	if err != nil {
		return nil, err
	}
	if written != "" {
		log.Printf("No config file found, wrote defaults to %s", written)
	}
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== btlightd ===")
	for _, d := range cfg.Devices {
		fmt.Printf("  Light:   %s (%s)\n", d.Name, d.Address)
	}
	if cfg.MQTT.Enabled {
		fmt.Printf("  MQTT:    %s:%d (%s/#)\n", cfg.MQTT.Host, cfg.MQTT.Port, cfg.MQTT.TopicPrefix)
	} else {
		fmt.Println("  MQTT:    disabled")
	}
	fmt.Printf("  State:   %s\n", cfg.Database.Path)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("================")
}
