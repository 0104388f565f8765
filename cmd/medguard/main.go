// Medguard runs a SmartMedGuard hospital-room monitor.
//
// It samples the room's temperature, humidity and motion sensors,
// keeps the WiFi link and the MQTT broker session alive, and publishes
// readings to iot-device/<agency>/<floor>/<room>. When the network is
// gone the unit keeps sensing and showing readings locally. It also
// ships a fleet simulator for exercising the dashboard side without
// hardware. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	medguard run              Run the room monitor
//	medguard simulate         Run the simulated fleet against the broker
//	medguard init [dir]       Initialize a working directory with defaults
//	medguard version          Print version and build information
//	medguard -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/NotHydra/smart-med-guard/internal/api"
	"github.com/NotHydra/smart-med-guard/internal/buildinfo"
	"github.com/NotHydra/smart-med-guard/internal/config"
	"github.com/NotHydra/smart-med-guard/internal/connwatch"
	"github.com/NotHydra/smart-med-guard/internal/device"
	"github.com/NotHydra/smart-med-guard/internal/display"
	"github.com/NotHydra/smart-med-guard/internal/events"
	"github.com/NotHydra/smart-med-guard/internal/mqtt"
	"github.com/NotHydra/smart-med-guard/internal/netlink"
	"github.com/NotHydra/smart-med-guard/internal/opstate"
	"github.com/NotHydra/smart-med-guard/internal/rtc"
	"github.com/NotHydra/smart-med-guard/internal/sensor"
	"github.com/NotHydra/smart-med-guard/internal/simulate"
	"github.com/NotHydra/smart-med-guard/internal/supervisor"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the medguard command. Structured logs
// go to stdout; the panel display and fatal error messages go to stderr.
// Arguments are parsed by hand so run can be called concurrently from
// tests without the flag package's globals.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "run":
		return runMonitor(ctx, stdout, stderr, configPath)
	case "simulate":
		return runSimulate(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "SmartMedGuard - hospital room monitor")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: medguard [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run          Run the room monitor")
	fmt.Fprintln(w, "  simulate     Run the simulated fleet against the broker")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/medguard/config.yaml, /etc/medguard/config.yaml")
	return nil
}

// runMonitor handles "medguard run". It wires the hardware adapters to
// the supervisor loop and blocks until SIGINT or SIGTERM. The loop owns
// all connectivity state; the status API only observes the event bus.
func runMonitor(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("starting SmartMedGuard", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	if logger, err = configuredLogger(stdout, cfg); err != nil {
		return err
	}

	identity := device.Identity{Agency: cfg.Device.Agency, Floor: cfg.Device.Floor, Room: cfg.Device.Room}
	clientID := cfg.ClientID()

	logger.Info("config loaded",
		"path", cfgPath,
		"device", identity.String(),
		"topic", identity.Topic(),
		"client_id", clientID,
		"broker_host", cfg.MQTT.Host,
		"broker_port", cfg.MQTT.Port,
	)

	// --- Operational state ---
	// The learned clock offset and the instance ID survive restarts.
	// A unit with a read-only or full disk still runs; it just relearns
	// the clock on every boot.
	var clockStore rtc.Store
	var kv mqtt.KV
	if store, err := openStore(cfg.DataDir); err != nil {
		logger.Warn("operational state unavailable, running without persistence", "data_dir", cfg.DataDir, "error", err)
	} else {
		defer store.Close()
		clockStore = store.Namespace("clock")
		kv = store.Namespace("device")
	}

	instanceID := ""
	if kv != nil {
		if instanceID, err = mqtt.LoadOrCreateInstanceID(kv); err != nil {
			logger.Warn("instance ID unavailable", "error", err)
		}
	}

	// --- Hardware adapters ---
	clock, err := rtc.New(clockStore, logger)
	if err != nil {
		return err
	}
	syncer := rtc.NewSyncer(rtc.SyncConfig{
		Servers:  cfg.Clock.NTPServers,
		Attempts: cfg.Clock.SyncAttempts,
		Delay:    cfg.ClockSyncDelay(),
	}, clock, nil, logger)

	sens, err := sensor.New(cfg.Sensor.Driver, cfg.Sensor.IIODevice, cfg.Sensor.MotionGPIO, cfg.Sensor.Seed, logger)
	if err != nil {
		return err
	}
	disp, err := display.New(cfg.Display.Mode, stderr, cfg.Display.Width, logger)
	if err != nil {
		return err
	}
	link := netlink.New(cfg.WiFi.Interface, cfg.WiFi.JoinCommand, logger)

	mqttCfg := mqtt.Config{
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		KeepAlive: time.Duration(cfg.MQTT.KeepAliveSec) * time.Second,
	}
	if cfg.MQTT.Availability {
		mqttCfg.AvailabilityTopic = identity.Topic() + "/availability"
	}
	broker := mqtt.NewClient(mqttCfg, logger)

	// --- Status API ---
	// The bus stays nil when the API is disabled; publishing to a nil
	// bus is a no-op.
	var bus *events.Bus
	var server *api.Server
	if cfg.StatusAPI.Enabled {
		bus = events.New()
		server = api.NewServer(cfg.StatusAPI.Address, cfg.StatusAPI.Port, cfg.StatusAPI.MaxConns, bus, logger)
		server.SetDevice(identity, instanceID)
	}

	loop := supervisor.New(supervisor.Config{
		Identity:              identity,
		ClientID:              clientID,
		WiFiSSID:              cfg.WiFi.SSID,
		WiFiPassword:          cfg.WiFi.Password,
		WiFiTimeout:           cfg.WiFi.TimeoutSec,
		WiFiReconnectAttempts: cfg.WiFi.ReconnectAttempts,
		WiFiReconnectInterval: cfg.WiFiReconnectInterval(),
		MQTTHost:              cfg.MQTT.Host,
		MQTTPort:              cfg.MQTT.Port,
		MQTTRetryAttempts:     cfg.MQTT.RetryAttempts,
		MQTTRetryDelay:        cfg.MQTTReconnectDelay(),
		SensorInterval:        cfg.SensorInterval(),
		SensorWarmup:          cfg.SensorWarmup(),
		PresenceTimeout:       cfg.PresenceTimeout(),
		TickInterval:          cfg.TickInterval(),
		TimezoneOffsetHours:   cfg.Clock.TimezoneOffsetHours,
	}, supervisor.Deps{
		Sensor:  sens,
		Clock:   clock,
		Display: disp,
		Link:    link,
		Broker:  broker,
		Mono:    connwatch.NewSystemMonotonic(),
		Syncer:  syncer,
		Bus:     bus,
		Logger:  logger,
	})

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if server != nil {
		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error("status API failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	runErr := loop.Run(ctx)
	logger.Info("shutdown signal received")

	offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer offlineCancel()
	if err := broker.Disconnect(offlineCtx); err != nil {
		logger.Debug("mqtt disconnect failed", "error", err)
	}

	if runErr != nil {
		return fmt.Errorf("supervisor: %w", runErr)
	}
	logger.Info("SmartMedGuard stopped")
	return nil
}

// runSimulate handles "medguard simulate". Only the broker settings and
// the simulate section of the config are used.
func runSimulate(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.MQTT.Host == "" {
		return fmt.Errorf("invalid config %s: %w", cfgPath, errors.New("mqtt.host is required"))
	}
	logger, err := configuredLogger(stdout, cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	broker := simulate.BrokerConfig{
		Host:      cfg.MQTT.Host,
		Port:      cfg.MQTT.Port,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		KeepAlive: uint16(cfg.MQTT.KeepAliveSec),
	}
	logger.Info("connecting simulated fleet", "broker", broker.URL().String())

	fleet := simulate.New(simulate.Config{
		Devices:  simulate.FromConfig(cfg.Simulate.Devices),
		Interval: cfg.SimulateInterval(),
		Stagger:  cfg.SimulateStagger(),
		Seed:     cfg.Sensor.Seed,
	}, simulate.AutopahoDialer(broker, logger), logger)

	return fleet.Run(ctx)
}

// configuredLogger builds the logger described by the config's log
// level and format.
func configuredLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return config.NewLogger(w, level, cfg.LogFormat)
}

// openStore opens the operational state database under dataDir,
// creating the directory if needed.
func openStore(dataDir string) (*opstate.Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dataDir, err)
	}
	return opstate.NewStore(filepath.Join(dataDir, "medguard.db"))
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
