package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/chaz8081/eqlink/internal/ble"
	"github.com/chaz8081/eqlink/internal/config"
	"github.com/chaz8081/eqlink/internal/equalizer"
	"github.com/chaz8081/eqlink/internal/server"
	"github.com/chaz8081/eqlink/internal/session"
)

var _ server.Controller = (*session.Session)(nil)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/eqlink/config.yaml)")
	address := flag.String("address", "", "connect to this device address instead of scanning")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *address != "" {
		cfg.Device.Address = *address
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var power ble.PowerProbe
	if runtime.GOOS == "linux" {
		probe, err := ble.NewBluezPower(cfg.Bluetooth.Adapter)
		if err != nil {
			slog.Warn("[BLE] adapter power probe unavailable", "error", err)
		} else {
			defer probe.Close()
			power = probe
		}
	}

	mgr := ble.NewManager(ble.NewTinygoAdapter(), power, managerOptions(cfg))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := mgr.Run(ctx); err != nil {
			slog.Error("[BLE] manager stopped", "error", err)
		}
	}()

	sess := session.New(mgr)
	sess.Subscribe(func(c equalizer.Change) {
		slog.Debug("[EQ] change", "field", c.Field, "value", c.Value)
	})

	if cfg.Device.Address != "" {
		if err := sess.Connect(cfg.Device.Address); err != nil {
			slog.Error("[BLE] connect failed", "address", cfg.Device.Address, "error", err)
		}
	} else if err := sess.StartScan(); err != nil {
		slog.Error("[BLE] scan failed to start", "error", err)
	}

	if cfg.Server.Listen != "" {
		srv := server.New(sess)
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.Server.Listen); err != nil {
				slog.Error("[WS] server stopped", "error", err)
				stop()
			}
		}()
	}

	slog.Info("Ready! Ctrl+C to quit.")
	<-ctx.Done()
	slog.Info("Shutting down...")
	<-done
	slog.Info("Goodbye!")
}

// managerOptions maps the config onto ble.Options.
func managerOptions(cfg *config.Config) ble.Options {
	t := cfg.Timing
	c := cfg.Connection
	return ble.Options{
		NameFilter:       cfg.Device.NameFilter,
		AutoConnect:      cfg.Device.AutoConnect,
		ScanWindow:       t.ScanWindow.Std(),
		ScanRetryMax:     int(t.ScanRetryMax.Std().Seconds()),
		ConnectTimeout:   t.ConnectTimeout.Std(),
		LivenessInterval: t.LivenessInterval.Std(),
		ConnParams: ble.ConnParams{
			MinInterval: c.MinInterval.Std(),
			MaxInterval: c.MaxInterval.Std(),
			Timeout:     c.Timeout.Std(),
		},
		ReadyConnParams: ble.ConnParams{
			MinInterval: c.MinInterval.Std(),
			MaxInterval: c.MaxInterval.Std(),
			Timeout:     c.ReadyTimeout.Std(),
		},
		Timing: ble.Timing{
			SettingsDelay:  t.SettingsDelay.Std(),
			StyleDelay:     t.StyleDelay.Std(),
			SerialDelay:    t.SerialDelay.Std(),
			Cooldown:       t.SettingsCooldown.Std(),
			SerialCooldown: t.SerialCooldown.Std(),
		},
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

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	target := fmt.Sprintf("scan for %q", cfg.Device.NameFilter)
	if cfg.Device.Address != "" {
		target = cfg.Device.Address
	}
	listen := cfg.Server.Listen
	if listen == "" {
		listen = "disabled"
	}
	fmt.Println("=== eqlink ===")
	fmt.Printf("  Device:  %s (auto-connect: %t)\n", target, cfg.Device.AutoConnect)
	fmt.Printf("  Link:    %s-%s interval, %s supervision\n", cfg.Connection.MinInterval, cfg.Connection.MaxInterval, cfg.Connection.Timeout)
	fmt.Printf("  Server:  %s\n", listen)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("==============")
}
