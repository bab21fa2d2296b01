package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jroedel/sensorrelay/app/sdk/apprelay"
	"github.com/jroedel/sensorrelay/foundation/logfile"
	"github.com/jroedel/sensorrelay/foundation/relayconfig"
	"github.com/jroedel/sensorrelay/foundation/relayerr"
)

var (
	configPath     string
	relayAddress   string
	metricsAddress string
	upstreamKind   string
	serialPort     string
	baudRate       int
	upstreamPath   string
	logFile        string
)

func init() {
	registerFlags(flag.CommandLine)
}

// registerFlags binds the command line flags to fs.
func registerFlags(fs *flag.FlagSet) {
	fs.StringVar(&configPath, "config", "", "path to a yaml config file, can also be set via environment variable SENSORRELAY_CONFIG")
	fs.StringVar(&relayAddress, "relay-address", "", "address to accept clients on, default 127.0.0.1:5000")
	fs.StringVar(&metricsAddress, "metrics-address", "", "address for /metrics, /health and /latest; disabled when empty")
	fs.StringVar(&upstreamKind, "upstream", "", "where sensor lines come from: serial, stdin, file or ds18b20")
	fs.StringVar(&serialPort, "serial-port", "", "serial port of the sensor board, default COM8")
	fs.IntVar(&baudRate, "baud-rate", 0, "serial baud rate, default 9600")
	fs.StringVar(&upstreamPath, "upstream-path", "", "file to read for the file upstream, or a thermometer file for ds18b20")
	fs.StringVar(&logFile, "log-file", "", "also write logs to this file, rotated by size")
}

func main() {
	flag.Parse()
	if err := run(flag.CommandLine); err != nil {
		log.Fatal(err)
	}
}

// run owns every resource so deferred cleanup happens before main exits.
func run(fs *flag.FlagSet) error {
	cfg, err := relayconfig.Load(configPath)
	if err != nil {
		return err
	}
	applyFlags(fs, cfg) //command line args get first priority
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	logger, closeLog := logfile.New("[telemrelay] ", logfile.Config{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer closeLog()

	src, closeSrc, err := apprelay.NewSource(cfg.Upstream, logger)
	if err != nil {
		return fmt.Errorf("create upstream source: %w", err)
	}
	defer closeSrc.Close()
	logger.Printf("Reading upstream from %s", cfg.Upstream.Kind)

	app, err := apprelay.New(apprelay.Config{
		Address:         cfg.Relay.Address,
		MetricsAddress:  cfg.Relay.MetricsAddress,
		RetryDelay:      cfg.Relay.RetryDelay,
		FaultyThreshold: cfg.Relay.FaultyThreshold,
	}, src, logger)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		if errors.Is(err, relayerr.BindFailure) {
			logger.Printf("Cannot listen on %s, is another relay running?", cfg.Relay.Address)
		}
		logger.Printf("Relay failed: %v", err)
		return err
	}
	return nil
}

func applyFlags(fs *flag.FlagSet, cfg *relayconfig.Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "relay-address":
			cfg.Relay.Address = relayAddress
		case "metrics-address":
			cfg.Relay.MetricsAddress = metricsAddress
		case "upstream":
			cfg.Upstream.Kind = upstreamKind
		case "serial-port":
			cfg.Upstream.SerialPort = serialPort
		case "baud-rate":
			cfg.Upstream.BaudRate = baudRate
		case "upstream-path":
			cfg.Upstream.Path = upstreamPath
		case "log-file":
			cfg.Log.File = logFile
		}
	})
}
