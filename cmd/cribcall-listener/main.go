// Command cribcall-listener runs a parent-side CribCall device.
//
// It pairs with a monitor by PIN or QR payload, opens the control channel,
// subscribes to noise alerts and prints what the monitor sends until
// interrupted.
//
// Usage:
//
//	cribcall-listener [flags]
//
// Flags:
//
//	--config string        Configuration file (default <data-dir>/config.yaml)
//	--data-dir string      Data directory for identity, trust and state
//	--name string          Listener name shown to the monitor operator
//	--pin string           Pair with this 6-digit PIN (needs --monitor and --fingerprint)
//	--monitor string       Monitor pairing address (host:port)
//	--fingerprint string   Expected monitor certificate fingerprint
//	--control-port int     Monitor control port, used with --monitor (default 48080)
//	--qr string            Pair from a scanned QR payload
//	--connect string       Connect to an already trusted monitor by fingerprint
//	--token string         Delivery token for noise subscriptions
//	--log-level string     Log level: debug, info, warn, error
//	--protocol-log string  Write protocol events to this capture file
//	--no-discovery         Do not browse mDNS for monitor addresses
//
// Examples:
//
//	# Pair by PIN, then listen
//	cribcall-listener --monitor 192.168.1.20:48081 --fingerprint 3a7f... --pin 123456
//
//	# Pair from a QR payload
//	cribcall-listener --qr '{"type":"monitor_qr_v1",...}'
//
//	# Reconnect later
//	cribcall-listener --connect 3a7f...
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/cribcall/cribcall-go/pkg/config"
	"github.com/cribcall/cribcall-go/pkg/control"
	"github.com/cribcall/cribcall-go/pkg/discovery"
	"github.com/cribcall/cribcall-go/pkg/log"
	"github.com/cribcall/cribcall-go/pkg/service"
	"github.com/cribcall/cribcall-go/pkg/wire"
)

type flags struct {
	configFile  string
	dataDir     string
	name        string
	pin         string
	monitor     string
	fingerprint string
	controlPort int
	qr          string
	connect     string
	token       string
	logLevel    string
	protocolLog string
	noDiscovery bool
}

func main() {
	fs := pflag.NewFlagSet("cribcall-listener", pflag.ExitOnError)
	var f flags
	fs.StringVar(&f.configFile, "config", "", "Configuration file (default <data-dir>/config.yaml)")
	fs.StringVar(&f.dataDir, "data-dir", "", "Data directory for identity, trust and state")
	fs.StringVar(&f.name, "name", "", "Listener name shown to the monitor operator")
	fs.StringVar(&f.pin, "pin", "", "Pair with this 6-digit PIN (needs --monitor and --fingerprint)")
	fs.StringVar(&f.monitor, "monitor", "", "Monitor pairing address (host:port)")
	fs.StringVar(&f.fingerprint, "fingerprint", "", "Expected monitor certificate fingerprint")
	fs.IntVar(&f.controlPort, "control-port", config.DefaultControlPort, "Monitor control port, used with --monitor")
	fs.StringVar(&f.qr, "qr", "", "Pair from a scanned QR payload")
	fs.StringVar(&f.connect, "connect", "", "Connect to an already trusted monitor by fingerprint")
	fs.StringVar(&f.token, "token", "", "Delivery token for noise subscriptions")
	fs.StringVar(&f.logLevel, "log-level", config.DefaultLogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&f.protocolLog, "protocol-log", "", "Write protocol events to this capture file")
	fs.BoolVar(&f.noDiscovery, "no-discovery", false, "Do not browse mDNS for monitor addresses")
	_ = fs.Parse(os.Args[1:])

	if err := run(fs, f); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(fs *pflag.FlagSet, f flags) error {
	cfg, err := loadConfig(fs, f)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	sc := service.DefaultListenerConfig()
	sc.Name = cfg.Name
	sc.DeviceID = cfg.DeviceID
	sc.DataDir = cfg.DataDir
	sc.HandshakeTimeout = cfg.HandshakeTimeout
	sc.IdleTimeout = cfg.IdleTimeout
	sc.Logger = logger
	if !f.noDiscovery {
		sc.Browser = discovery.NewMDNSBrowser(discovery.DefaultBrowserConfig())
	}
	if cfg.ProtocolLog != "" {
		fl, err := log.NewFileLogger(cfg.ProtocolLog)
		if err != nil {
			return err
		}
		defer fl.Close()
		sc.ProtocolLogger = fl
	}

	svc, err := service.NewListenerService(sc)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	fp, err := pairIfRequested(ctx, svc, f)
	if err != nil {
		return err
	}
	if fp == "" {
		monitors := svc.Monitors()
		if len(monitors) != 1 {
			return errors.New("pass --pin, --qr or --connect (trusted monitors: " + strconv.Itoa(len(monitors)) + ")")
		}
		fp = monitors[0].CertFingerprint
	}

	if cfg.DeliveryToken != "" {
		req := wire.NoiseSubscribe{DeliveryToken: cfg.DeliveryToken, Platform: cfg.Platform}
		if cfg.LeaseSeconds > 0 {
			lease := cfg.LeaseSeconds
			req.LeaseSeconds = &lease
		}
		resp, err := svc.SubscribeNoise(ctx, fp, req)
		if err != nil {
			logger.Warn("noise subscription failed", "error", err)
		} else {
			fmt.Printf("Subscribed %s (lease %ds)\n", resp.SubscriptionID, resp.AcceptedLeaseSeconds)
		}
	}

	ch, err := svc.Connect(ctx, fp, control.Options{})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	fmt.Printf("Connected to %s\n", ch.RemoteAddr())
	return printEvents(ctx, ch)
}

// pairIfRequested runs PIN or QR pairing when the flags ask for it and
// returns the monitor fingerprint to connect to.
func pairIfRequested(ctx context.Context, svc *service.ListenerService, f flags) (string, error) {
	switch {
	case f.qr != "":
		res, err := svc.PairWithQR(ctx, f.qr)
		if err != nil {
			return "", fmt.Errorf("qr pairing: %w", err)
		}
		fmt.Printf("Paired with %s\n", res.Peer.Name)
		return res.Peer.CertFingerprint, nil

	case f.pin != "":
		if f.monitor == "" || f.fingerprint == "" {
			return "", errors.New("--pin needs --monitor and --fingerprint")
		}
		res, err := svc.PairWithPIN(ctx, f.monitor, f.pin, f.fingerprint, func(code string) {
			fmt.Printf("Comparison code: %s (confirm it on the monitor)\n", code)
		})
		if err != nil {
			return "", fmt.Errorf("pin pairing: %w", err)
		}
		fmt.Printf("Paired with %s\n", res.Peer.Name)
		host, _, err := net.SplitHostPort(f.monitor)
		if err == nil {
			addr := net.JoinHostPort(host, strconv.Itoa(f.controlPort))
			if err := svc.RememberAddress(res.Peer.CertFingerprint, addr); err != nil {
				slog.Warn("failed to save monitor address", "error", err)
			}
		}
		return res.Peer.CertFingerprint, nil

	case f.connect != "":
		return f.connect, nil
	}
	return "", nil
}

// printEvents prints control messages until the channel ends or ctx is done.
func printEvents(ctx context.Context, ch *control.Channel) error {
	for {
		select {
		case <-ctx.Done():
			_ = ch.Close()
			for range ch.Events() {
			}
			return nil
		case ev, ok := <-ch.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case control.EventMessage:
				printMessage(ev.Message)
			case control.EventFailed:
				return fmt.Errorf("channel failed: %w", ev.Failure)
			case control.EventClosed:
				fmt.Println("Channel closed")
			}
		}
	}
}

func printMessage(msg wire.Message) {
	switch m := msg.(type) {
	case *wire.NoiseEvent:
		fmt.Printf("[noise] peak %d at %d\n", m.PeakLevel, m.TimestampMs)
	case *wire.Pong:
		fmt.Printf("[pong] %d\n", m.Timestamp)
	default:
		fmt.Printf("[%s]\n", msg.Type())
	}
}

func loadConfig(fs *pflag.FlagSet, f flags) (*config.ListenerConfig, error) {
	path := f.configFile
	if path == "" {
		dir := f.dataDir
		if dir == "" {
			var err error
			if dir, err = config.ResolveDataDir("listener"); err != nil {
				return nil, err
			}
		}
		path = config.ConfigPath(dir)
	}
	cfg, err := config.LoadListener(path)
	if err != nil {
		return nil, err
	}
	if fs.Changed("data-dir") {
		cfg.DataDir = f.dataDir
	}
	if fs.Changed("name") {
		cfg.Name = f.name
	}
	if fs.Changed("token") {
		cfg.DeliveryToken = f.token
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if fs.Changed("protocol-log") {
		cfg.ProtocolLog = f.protocolLog
	}
	return cfg, cfg.Validate()
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
