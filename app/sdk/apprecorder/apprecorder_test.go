package apprecorder

import (
	"bytes"
	"context"
	"io"
	"log"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jroedel/sensorrelay/business/bussnapshot"
	"github.com/jroedel/sensorrelay/foundation/snapshotdb"
	"github.com/jroedel/sensorrelay/sdk/feedclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecorder(t *testing.T, client *feedclient.Client, clock clockwork.Clock) *bussnapshot.Recorder {
	t.Helper()
	db, err := snapshotdb.New(snapshotdb.DriverSQLite, filepath.Join(t.TempDir(), "registros.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	r, err := bussnapshot.New(db, client.Latest, bussnapshot.Config{Interval: time.Minute, Clock: clock})
	require.NoError(t, err)
	return r
}

func TestNewValidates(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	client := feedclient.New("127.0.0.1:1")
	_, err := New(nil, nil, logger)
	assert.Error(t, err)
	_, err = New(client, nil, logger)
	assert.Error(t, err)
	_, err = New(client, newRecorder(t, client, nil), nil)
	assert.Error(t, err)
}

func TestStartFailsWhenRelayIsDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client := feedclient.New(addr)
	app, err := New(client, newRecorder(t, client, nil), log.New(io.Discard, "", 0))
	require.NoError(t, err)
	assert.ErrorIs(t, app.Start(context.Background()), feedclient.ErrConnection)
}

func TestStartRecordsFromRelay(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		_, _ = nc.Write([]byte("{\"temperatura\":21.0,\"humedad\":38.0}\n"))
		time.Sleep(5 * time.Second)
	}()

	var logs bytes.Buffer
	clock := clockwork.NewFakeClock()
	client := feedclient.New(ln.Addr().String())
	rec := newRecorder(t, client, clock)
	app, err := New(client, rec, log.New(&logs, "", 0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Start(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := client.Latest()
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		snaps, err := rec.Recent(context.Background(), 5)
		return err == nil && len(snaps) == 1
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("recorder app did not stop")
	}
	assert.Equal(t, feedclient.Disconnected, client.State())

	snaps, err := rec.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, snaps, 1, "the final snapshot is skipped when nothing changed")
	require.NotNil(t, snaps[0].Temperature)
	assert.Equal(t, 21.0, *snaps[0].Temperature)
}
