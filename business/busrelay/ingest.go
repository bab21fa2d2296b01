package busrelay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jroedel/sensorrelay/foundation/frame"
	"github.com/jroedel/sensorrelay/foundation/lastvalue"
	"github.com/jroedel/sensorrelay/foundation/relayerr"
	"github.com/jroedel/sensorrelay/foundation/relaymetrics"
)

const (
	DefaultRetryDelay      = time.Second
	DefaultFaultyThreshold = 10
)

// LineSource yields one upstream line per call. ReadLine may block; it should
// return early once ctx is done.
type LineSource interface {
	ReadLine(ctx context.Context) (string, error)
}

type IngestConfig struct {
	Source   LineSource
	Cache    *lastvalue.Cache
	Registry *Registry
	Logger   *log.Logger

	// optional
	Clock           clockwork.Clock
	RetryDelay      time.Duration
	FaultyThreshold int
}

// Ingester is the single goroutine that turns upstream lines into records,
// updates the cache and broadcasts them.
type Ingester struct {
	src        LineSource
	cache      *lastvalue.Cache
	registry   *Registry
	logger     *log.Logger
	clock      clockwork.Clock
	retryDelay time.Duration
	threshold  int

	malformedStreak int
	faulty          bool
}

func NewIngester(cfg IngestConfig) (*Ingester, error) {
	if cfg.Source == nil {
		return nil, errors.New("line source is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.FaultyThreshold <= 0 {
		cfg.FaultyThreshold = DefaultFaultyThreshold
	}
	return &Ingester{
		src:        cfg.Source,
		cache:      cfg.Cache,
		registry:   cfg.Registry,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
		retryDelay: cfg.RetryDelay,
		threshold:  cfg.FaultyThreshold,
	}, nil
}

// Run reads the upstream source until ctx is cancelled. Read failures are
// logged and retried after the retry delay; they never end the loop.
func (in *Ingester) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := in.src.ReadLine(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			relaymetrics.UpstreamReadErrors.Inc()
			in.logger.Printf("%v, retrying in %s", relayerr.E(relayerr.UpstreamReadFailure, "read upstream", err), in.retryDelay)
			select {
			case <-ctx.Done():
				return nil
			case <-in.clock.After(in.retryDelay):
			}
			continue
		}
		in.handleLine(line)
	}
}

// handleLine reports whether the line produced a broadcast record.
func (in *Ingester) handleLine(line string) bool {
	if strings.TrimSpace(line) == "" {
		return false
	}
	rec, err := frame.ParseLine([]byte(line))
	if err != nil {
		in.malformed(err)
		return false
	}
	if err := in.Publish(rec); err != nil {
		in.malformed(err)
		return false
	}
	return true
}

// Publish stores rec as the latest value and fans it out to every connection.
// It is not safe for concurrent use; only the goroutine running Run, or a
// caller that never starts Run, may publish.
func (in *Ingester) Publish(rec frame.Record) error {
	b, err := frame.Encode(rec)
	if err != nil {
		return relayerr.E(relayerr.MalformedFrame, "publish", err)
	}
	if in.faulty {
		in.faulty = false
		relaymetrics.UpstreamFaulty.Set(0)
		in.logger.Printf("Upstream recovered after %d malformed lines", in.malformedStreak)
	}
	in.malformedStreak = 0

	seq := in.cache.Set(rec)
	relaymetrics.FramesIngested.Inc()
	in.registry.Broadcast(b, seq)
	return nil
}

func (in *Ingester) malformed(err error) {
	relaymetrics.MalformedFrames.Inc()
	in.malformedStreak++
	in.logger.Printf("Dropping upstream line: %v", err)
	if !in.faulty && in.malformedStreak >= in.threshold {
		in.faulty = true
		relaymetrics.UpstreamFaulty.Set(1)
		in.logger.Printf("WARNING: upstream looks faulty, %d malformed lines in a row", in.malformedStreak)
	}
}

func encodeEntry(e lastvalue.Entry) ([]byte, error) {
	b, err := frame.Encode(e.Record)
	if err != nil {
		return nil, fmt.Errorf("encode catch-up frame: %w", err)
	}
	return b, nil
}
