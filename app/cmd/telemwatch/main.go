package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jroedel/sensorrelay/foundation/frame"
	"github.com/jroedel/sensorrelay/foundation/relayconfig"
	"github.com/jroedel/sensorrelay/sdk/feedclient"
)

var (
	configPath    string
	clientAddress string
)

const statePollInterval = 500 * time.Millisecond

func init() {
	flag.StringVar(&configPath, "config", "", "path to a yaml config file, can also be set via environment variable SENSORRELAY_CONFIG")
	flag.StringVar(&clientAddress, "relay-address", "", "relay to connect to, default 127.0.0.1:5000")
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := relayconfig.Load(configPath)
	if err != nil {
		return err
	}
	if clientAddress != "" {
		cfg.Client.Address = clientAddress
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	logger := log.New(os.Stderr, "[telemwatch] ", 0)
	client := feedclient.New(cfg.Client.Address,
		feedclient.WithReconnectDelay(cfg.Client.ReconnectDelay),
		feedclient.WithLogger(logger),
	)
	client.Subscribe(func(rec frame.Record) {
		fmt.Printf("%s  %s\n", time.Now().Format("15:04:05"), format(rec))
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("could not reach the relay: %w", err)
	}
	defer client.Disconnect()

	//report connection state changes until interrupted
	last := client.State()
	ticker := time.NewTicker(statePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s := client.State(); s != last {
				logger.Printf("%s -> %s", last, s)
				last = s
			}
		}
	}
}

// format prints fields in a stable order, e.g. "humedad=38 temperatura=21".
func format(rec frame.Record) string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, rec[k]))
	}
	return strings.Join(parts, " ")
}
