package bussnapshot

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/jroedel/sensorrelay/foundation/frame"
	"github.com/jroedel/sensorrelay/foundation/snapshotdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// source stands in for a client's Latest.
type source struct {
	mu  sync.Mutex
	rec frame.Record
}

func (s *source) set(rec frame.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = rec
}

func (s *source) latest() (frame.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, false
	}
	return s.rec.Clone(), true
}

func newRecorder(t *testing.T, src *source, clock clockwork.Clock) *Recorder {
	t.Helper()
	db, err := snapshotdb.New(snapshotdb.DriverSQLite, filepath.Join(t.TempDir(), "registros.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	r, err := New(db, src.latest, Config{Interval: time.Minute, Clock: clock})
	require.NoError(t, err)
	return r
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, func() (frame.Record, bool) { return nil, false }, Config{})
	assert.Error(t, err)

	db, err := snapshotdb.New(snapshotdb.DriverSQLite, filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	defer db.Close()
	_, err = New(db, nil, Config{})
	assert.Error(t, err)
}

func TestRecordExtractsFields(t *testing.T) {
	r := newRecorder(t, &source{}, clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
	ctx := context.Background()
	_, err := uuid.Parse(r.ExecutionID())
	require.NoError(t, err)

	s, err := r.Record(ctx, frame.Record{"temperatura": 21.0, "humedad": 38.0, "lechugas": 4.0})
	require.NoError(t, err)
	assert.NotZero(t, s.ID)
	require.NotNil(t, s.Temperature)
	assert.Equal(t, 21.0, *s.Temperature)
	require.NotNil(t, s.Humidity)
	assert.Equal(t, 38.0, *s.Humidity)

	_, err = r.Record(ctx, frame.Record{"temperatura": "n/a"})
	require.NoError(t, err)

	snaps, err := r.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	newest := snaps[0]
	assert.Nil(t, newest.Temperature, "non-numeric field stored as NULL")
	assert.Nil(t, newest.Humidity)
	assert.Equal(t, frame.Record{"temperatura": "n/a"}, newest.Payload)

	older := snaps[1]
	assert.Equal(t, r.ExecutionID(), older.ExecutionID)
	assert.Equal(t, int64(1709294400), older.RecordedAt.Unix())
	assert.Equal(t, frame.Record{"temperatura": 21.0, "humedad": 38.0, "lechugas": 4.0}, older.Payload)
}

func TestSnapshotNowSkipsEmptyAndUnchanged(t *testing.T) {
	src := &source{}
	r := newRecorder(t, src, clockwork.NewFakeClock())
	ctx := context.Background()

	wrote, err := r.SnapshotNow(ctx)
	require.NoError(t, err)
	assert.False(t, wrote, "nothing received yet")

	src.set(frame.Record{"temperatura": 21.0})
	wrote, err = r.SnapshotNow(ctx)
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = r.SnapshotNow(ctx)
	require.NoError(t, err)
	assert.False(t, wrote, "same record again")

	src.set(frame.Record{"temperatura": 21.5})
	wrote, err = r.SnapshotNow(ctx)
	require.NoError(t, err)
	assert.True(t, wrote)
}

func TestStartRecordsEveryInterval(t *testing.T) {
	src := &source{}
	clock := clockwork.NewFakeClock()
	r := newRecorder(t, src, clock)
	src.set(frame.Record{"temperatura": 19.0, "humedad": 50.0})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		snaps, err := r.Recent(context.Background(), 5)
		return err == nil && len(snaps) == 1
	}, 2*time.Second, 10*time.Millisecond)

	//unchanged record: the next tick writes nothing
	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	clock.BlockUntil(1)
	snaps, err := r.Recent(context.Background(), 5)
	require.NoError(t, err)
	assert.Len(t, snaps, 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestRecentWithNonPositiveLimit(t *testing.T) {
	r := newRecorder(t, &source{}, clockwork.NewFakeClock())
	snaps, err := r.Recent(context.Background(), 0)
	assert.NoError(t, err)
	assert.Empty(t, snaps)
}
