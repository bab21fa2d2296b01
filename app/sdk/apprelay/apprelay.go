package apprelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/jroedel/sensorrelay/business/busrelay"
	"github.com/jroedel/sensorrelay/foundation/lastvalue"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	Address         string
	MetricsAddress  string
	RetryDelay      time.Duration
	FaultyThreshold int
}

// App is the relay process: one ingestion loop, one accept loop and, when a
// metrics address is configured, the ops http server.
type App struct {
	//required
	server   *busrelay.Server
	ingester *busrelay.Ingester
	registry *busrelay.Registry
	cache    *lastvalue.Cache
	logger   *log.Logger

	//optional
	metricsAddr string
}

func New(cfg Config, src busrelay.LineSource, logger *log.Logger) (*App, error) {
	if src == nil {
		return nil, fmt.Errorf("app construct: LineSource is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("app construct: Logger is required")
	}

	registry := busrelay.NewRegistry(logger)
	cache := &lastvalue.Cache{}

	server, err := busrelay.NewServer(cfg.Address, registry, cache, logger)
	if err != nil {
		return nil, fmt.Errorf("app construct: %w", err)
	}
	ingester, err := busrelay.NewIngester(busrelay.IngestConfig{
		Source:          src,
		Cache:           cache,
		Registry:        registry,
		Logger:          logger,
		RetryDelay:      cfg.RetryDelay,
		FaultyThreshold: cfg.FaultyThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("app construct: %w", err)
	}

	return &App{
		server:      server,
		ingester:    ingester,
		registry:    registry,
		cache:       cache,
		logger:      logger,
		metricsAddr: cfg.MetricsAddress,
	}, nil
}

// Start binds the relay address and runs until ctx is done or one of the
// loops fails. A bind failure is returned before anything else starts.
func (app *App) Start(ctx context.Context) error {
	if err := app.server.Listen(); err != nil {
		return err
	}

	var ops net.Listener
	if app.metricsAddr != "" {
		var err error
		ops, err = net.Listen("tcp", app.metricsAddr)
		if err != nil {
			_ = app.server.Close()
			return fmt.Errorf("ops http listen %s: %w", app.metricsAddr, err)
		}
		app.logger.Printf("Serving metrics and health on %s", ops.Addr())
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.ingester.Run(ctx)
	})
	g.Go(func() error {
		return app.server.Serve(ctx)
	})

	if ops != nil {
		srv := &http.Server{
			Handler:           app.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.Serve(ops); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	err := g.Wait()
	app.logger.Println("Relay stopped")
	return err
}

// Addr is the bound relay address once Start has listened.
func (app *App) Addr() net.Addr {
	return app.server.Addr()
}

// Handler serves the ops endpoints: /metrics, /health and /latest.
func (app *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", app.handleHealth)
	mux.HandleFunc("/latest", app.handleLatest)
	return mux
}

type health struct {
	Status    string `json:"status"`
	Clients   int    `json:"clients"`
	LastSeq   uint64 `json:"lastSeq"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

func (app *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := health{
		Status:  "ok",
		Clients: app.registry.Len(),
	}
	if e, ok := app.cache.Snapshot(); ok {
		h.LastSeq = e.Seq
		h.UpdatedAt = e.UpdatedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, app.logger, h)
}

func (app *App) handleLatest(w http.ResponseWriter, r *http.Request) {
	rec, ok := app.cache.Get()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, app.logger, rec)
}

func writeJSON(w http.ResponseWriter, logger *log.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Printf("Writing ops response: %v", err)
	}
}
