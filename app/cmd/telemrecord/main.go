package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jroedel/sensorrelay/app/sdk/apprecorder"
	"github.com/jroedel/sensorrelay/business/bussnapshot"
	"github.com/jroedel/sensorrelay/foundation/logfile"
	"github.com/jroedel/sensorrelay/foundation/relayconfig"
	"github.com/jroedel/sensorrelay/foundation/snapshotdb"
	"github.com/jroedel/sensorrelay/sdk/feedclient"
)

var (
	configPath    string
	clientAddress string
	dbDriver      string
	dbDSN         string
	interval      time.Duration
	logFile       string
)

func init() {
	registerFlags(flag.CommandLine)
}

// registerFlags binds the command line flags to fs.
func registerFlags(fs *flag.FlagSet) {
	fs.StringVar(&configPath, "config", "", "path to a yaml config file, can also be set via environment variable SENSORRELAY_CONFIG")
	fs.StringVar(&clientAddress, "relay-address", "", "relay to connect to, default 127.0.0.1:5000")
	fs.StringVar(&dbDriver, "db-driver", "", "sqlite or mysql, default sqlite")
	fs.StringVar(&dbDSN, "db-dsn", "", "sqlite file path or mysql dsn, default registros.db")
	fs.DurationVar(&interval, "interval", 0, "time between snapshots, default 1m")
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

	logger, closeLog := logfile.New("[telemrecord] ", logfile.Config{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer closeLog()

	db, err := snapshotdb.New(cfg.Recorder.Driver, cfg.Recorder.DSN)
	if err != nil {
		return fmt.Errorf("open %s database: %w", cfg.Recorder.Driver, err)
	}
	defer db.Close()

	client := feedclient.New(cfg.Client.Address,
		feedclient.WithReconnectDelay(cfg.Client.ReconnectDelay),
		feedclient.WithLogger(logger),
	)

	recorder, err := bussnapshot.New(db, client.Latest, bussnapshot.Config{
		Interval:       cfg.Recorder.Interval,
		TemperatureKey: cfg.Recorder.TemperatureKey,
		HumidityKey:    cfg.Recorder.HumidityKey,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("create recorder: %w", err)
	}

	app, err := apprecorder.New(client, recorder, logger)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		logger.Printf("Recorder failed: %v", err)
		return err
	}
	return nil
}

func applyFlags(fs *flag.FlagSet, cfg *relayconfig.Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "relay-address":
			cfg.Client.Address = clientAddress
		case "db-driver":
			cfg.Recorder.Driver = dbDriver
		case "db-dsn":
			cfg.Recorder.DSN = dbDSN
		case "interval":
			cfg.Recorder.Interval = interval
		case "log-file":
			cfg.Log.File = logFile
		}
	})
}
