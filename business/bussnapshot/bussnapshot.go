// Package bussnapshot persists the relay's latest record at a fixed interval,
// the way the greenhouse log has always been kept: one row per snapshot with
// the temperature and humidity pulled out for querying and the full record
// kept alongside.
package bussnapshot

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/jroedel/sensorrelay/foundation/frame"
	"github.com/jroedel/sensorrelay/foundation/snapshotdb"
)

const (
	DefaultInterval       = time.Minute
	DefaultTemperatureKey = "temperatura"
	DefaultHumidityKey    = "humedad"
)

// LatestFunc returns the current record, e.g. feedclient.Client.Latest.
type LatestFunc func() (frame.Record, bool)

type Config struct {
	//optional
	Interval       time.Duration
	TemperatureKey string
	HumidityKey    string
	Logger         *log.Logger
	Clock          clockwork.Clock
}

type Recorder struct {
	//required
	db     *snapshotdb.DB
	latest LatestFunc

	executionID    string
	interval       time.Duration
	temperatureKey string
	humidityKey    string
	logger         *log.Logger
	clock          clockwork.Clock

	mu          sync.Mutex
	lastPayload []byte
}

func New(db *snapshotdb.DB, latest LatestFunc, cfg Config) (*Recorder, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if latest == nil {
		return nil, errors.New("latest func is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.TemperatureKey == "" {
		cfg.TemperatureKey = DefaultTemperatureKey
	}
	if cfg.HumidityKey == "" {
		cfg.HumidityKey = DefaultHumidityKey
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Recorder{
		db:             db,
		latest:         latest,
		executionID:    uuid.NewString(),
		interval:       cfg.Interval,
		temperatureKey: cfg.TemperatureKey,
		humidityKey:    cfg.HumidityKey,
		logger:         cfg.Logger,
		clock:          cfg.Clock,
	}, nil
}

// ExecutionID identifies the rows written by this process.
func (r *Recorder) ExecutionID() string {
	return r.executionID
}

// Start snapshots the latest record every interval until ctx is done.
// Database errors are logged and the next interval tries again.
func (r *Recorder) Start(ctx context.Context) error {
	r.logger.Printf("Recording snapshots every %s (execution %s)", r.interval, r.executionID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.clock.After(r.interval):
		}
		if _, err := r.SnapshotNow(ctx); err != nil {
			r.logger.Printf("Snapshot failed: %v", err)
		}
	}
}

// SnapshotNow records the latest record unless there is none yet or it is
// identical to the one recorded last. It reports whether a row was written.
func (r *Recorder) SnapshotNow(ctx context.Context) (bool, error) {
	rec, ok := r.latest()
	if !ok {
		return false, nil
	}
	payload, err := encodePayload(rec)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	unchanged := bytes.Equal(payload, r.lastPayload)
	r.mu.Unlock()
	if unchanged {
		return false, nil
	}

	if _, err := r.record(ctx, rec, payload); err != nil {
		return false, err
	}
	return true, nil
}

// Record writes one row for rec regardless of what was recorded before.
func (r *Recorder) Record(ctx context.Context, rec frame.Record) (Snapshot, error) {
	payload, err := encodePayload(rec)
	if err != nil {
		return Snapshot{}, err
	}
	return r.record(ctx, rec, payload)
}

func (r *Recorder) record(ctx context.Context, rec frame.Record, payload []byte) (Snapshot, error) {
	const query = `
		INSERT INTO registros
		(
			execution_id,
			recorded_at,
			temperature,
			humidity,
			payload
		)
		VALUES
			(?, ?, ?, ?, ?)`

	s := Snapshot{
		ExecutionID: r.executionID,
		RecordedAt:  r.clock.Now().Truncate(time.Second),
		Temperature: floatField(rec, r.temperatureKey),
		Humidity:    floatField(rec, r.humidityKey),
		Payload:     rec.Clone(),
	}

	id, err := r.db.Create(ctx, query,
		s.ExecutionID,
		s.RecordedAt.Unix(),
		nullable(s.Temperature),
		nullable(s.Humidity),
		string(payload))
	if err != nil {
		return Snapshot{}, fmt.Errorf("create snapshot: %w", err)
	}
	s.ID = id

	r.mu.Lock()
	r.lastPayload = payload
	r.mu.Unlock()
	return s, nil
}

// Recent returns up to n snapshots, newest first.
func (r *Recorder) Recent(ctx context.Context, n int) ([]Snapshot, error) {
	const query = `
		SELECT
			id,
			execution_id,
			recorded_at,
			temperature,
			humidity,
			payload
		FROM
			registros
		ORDER BY
			recorded_at DESC, id DESC
		LIMIT ?`

	if n <= 0 {
		return nil, nil
	}

	var snaps []Snapshot
	err := r.db.Query(ctx, query, []any{n}, func(rows *sql.Rows) error {
		var (
			s           Snapshot
			recordedAt  int64
			temperature sql.NullFloat64
			humidity    sql.NullFloat64
			payload     string
		)
		if err := rows.Scan(&s.ID, &s.ExecutionID, &recordedAt, &temperature, &humidity, &payload); err != nil {
			return err
		}
		s.RecordedAt = time.Unix(recordedAt, 0)
		if temperature.Valid {
			s.Temperature = &temperature.Float64
		}
		if humidity.Valid {
			s.Humidity = &humidity.Float64
		}
		if err := json.Unmarshal([]byte(payload), &s.Payload); err != nil {
			return fmt.Errorf("decode payload of snapshot %d: %w", s.ID, err)
		}
		snaps = append(snaps, s)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query recent snapshots: %w", err)
	}
	return snaps, nil
}

func encodePayload(rec frame.Record) ([]byte, error) {
	b, err := frame.Encode(rec)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return bytes.TrimSuffix(b, []byte{'\n'}), nil
}

func floatField(rec frame.Record, key string) *float64 {
	f, ok := rec.Float(key)
	if !ok {
		return nil
	}
	return &f
}

func nullable(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
