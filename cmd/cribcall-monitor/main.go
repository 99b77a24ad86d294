// Command cribcall-monitor runs the baby-side CribCall device.
//
// It serves the mTLS control endpoint and the pairing endpoint, advertises
// itself over mDNS and offers an interactive console for pairing, peer
// management and injecting noise events.
//
// Usage:
//
//	cribcall-monitor [flags]
//
// Flags:
//
//	--config string         Configuration file (default <data-dir>/config.yaml)
//	--data-dir string       Data directory for identity, trust and state
//	--name string           Monitor name shown to listeners
//	--control-port int      mTLS control port (default 48080)
//	--pairing-port int      Pairing port (default 48081)
//	--bind string           Bind address for both servers
//	--log-level string      Log level: debug, info, warn, error
//	--protocol-log string   Write protocol events to this capture file
//	--metrics-addr string   Serve /metrics on this address
//	--no-advertise          Disable mDNS advertisement
//
// Examples:
//
//	# Start with defaults and pair a listener by PIN
//	cribcall-monitor
//	monitor> pin
//
//	# Capture protocol events for cribcall-log
//	cribcall-monitor --protocol-log /tmp/monitor.clog --log-level debug
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/cribcall/cribcall-go/cmd/cribcall-monitor/interactive"
	"github.com/cribcall/cribcall-go/pkg/config"
	"github.com/cribcall/cribcall-go/pkg/discovery"
	"github.com/cribcall/cribcall-go/pkg/log"
	"github.com/cribcall/cribcall-go/pkg/service"
)

type flags struct {
	configFile  string
	dataDir     string
	name        string
	controlPort int
	pairingPort int
	bind        string
	logLevel    string
	protocolLog string
	metricsAddr string
	noAdvertise bool
}

func main() {
	fs := pflag.NewFlagSet("cribcall-monitor", pflag.ExitOnError)
	var f flags
	fs.StringVar(&f.configFile, "config", "", "Configuration file (default <data-dir>/config.yaml)")
	fs.StringVar(&f.dataDir, "data-dir", "", "Data directory for identity, trust and state")
	fs.StringVar(&f.name, "name", "", "Monitor name shown to listeners")
	fs.IntVar(&f.controlPort, "control-port", config.DefaultControlPort, "mTLS control port")
	fs.IntVar(&f.pairingPort, "pairing-port", config.DefaultPairingPort, "Pairing port")
	fs.StringVar(&f.bind, "bind", "", "Bind address for both servers")
	fs.StringVar(&f.logLevel, "log-level", config.DefaultLogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&f.protocolLog, "protocol-log", "", "Write protocol events to this capture file")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve /metrics on this address")
	fs.BoolVar(&f.noAdvertise, "no-advertise", false, "Disable mDNS advertisement")
	_ = fs.Parse(os.Args[1:])

	cfg, err := loadConfig(fs, f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	console, err := interactive.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start console: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(console.Stderr(), &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	svcConfig, closeLog, err := serviceConfig(cfg, logger)
	if err != nil {
		logger.Error("failed to prepare service", "error", err)
		os.Exit(1)
	}
	defer closeLog()
	svcConfig.Confirmer = console

	svc, err := service.NewMonitorService(svcConfig)
	if err != nil {
		logger.Error("failed to create monitor service", "error", err)
		os.Exit(1)
	}
	console.Attach(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		logger.Error("failed to start monitor", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal", "signal", sig.String())
			cancel()
			console.Close()
		case <-ctx.Done():
		}
	}()

	console.Run(ctx, cancel)

	if err := svc.Stop(); err != nil {
		logger.Warn("error stopping monitor", "error", err)
	}
}

// loadConfig reads the YAML file and applies the flags that were set.
func loadConfig(fs *pflag.FlagSet, f flags) (*config.MonitorConfig, error) {
	path := f.configFile
	if path == "" {
		dir := f.dataDir
		if dir == "" {
			var err error
			if dir, err = config.ResolveDataDir("monitor"); err != nil {
				return nil, err
			}
		}
		path = config.ConfigPath(dir)
	}

	cfg, err := config.LoadMonitor(path)
	if err != nil {
		return nil, err
	}
	if fs.Changed("data-dir") {
		cfg.DataDir = f.dataDir
	}
	if fs.Changed("name") {
		cfg.Name = f.name
	}
	if fs.Changed("control-port") {
		cfg.ControlPort = f.controlPort
	}
	if fs.Changed("pairing-port") {
		cfg.PairingPort = f.pairingPort
	}
	if fs.Changed("bind") {
		cfg.BindAddress = f.bind
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if fs.Changed("protocol-log") {
		cfg.ProtocolLog = f.protocolLog
	}
	if fs.Changed("metrics-addr") {
		cfg.MetricsAddress = f.metricsAddr
	}
	if f.noAdvertise {
		off := false
		cfg.Advertise = &off
	}
	return cfg, cfg.Validate()
}

// serviceConfig maps the file configuration onto the service. The returned
// func closes the protocol log.
func serviceConfig(cfg *config.MonitorConfig, logger *slog.Logger) (service.MonitorConfig, func(), error) {
	sc := service.DefaultMonitorConfig()
	sc.Name = cfg.Name
	sc.DeviceID = cfg.DeviceID
	sc.DataDir = cfg.DataDir
	sc.ControlAddress = net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.ControlPort))
	sc.PairingAddress = net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.PairingPort))
	sc.SessionTTL = cfg.SessionTTL
	sc.MaxAttempts = cfg.MaxAttempts
	sc.IdleTimeout = cfg.IdleTimeout
	sc.PairingRate = cfg.PairingRate
	sc.PairingRateWindow = cfg.PairingRateSpan
	sc.NoiseThreshold = cfg.NoiseThreshold
	sc.NoiseCooldown = cfg.NoiseCooldown
	sc.MetricsAddress = cfg.MetricsAddress
	sc.Notifier = &logNotifier{logger: logger}
	sc.Logger = logger

	if cfg.AdvertiseEnabled() {
		sc.Advertiser = discovery.NewMDNSAdvertiser(discovery.DefaultAdvertiserConfig())
	}

	closeLog := func() {}
	if cfg.ProtocolLog != "" {
		fl, err := log.NewFileLogger(cfg.ProtocolLog)
		if err != nil {
			return sc, closeLog, err
		}
		sc.ProtocolLogger = fl
		closeLog = func() { _ = fl.Close() }
	}
	return sc, closeLog, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
