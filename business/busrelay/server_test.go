package busrelay

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/jroedel/sensorrelay/foundation/frame"
	"github.com/jroedel/sensorrelay/foundation/lastvalue"
	"github.com/jroedel/sensorrelay/foundation/relayerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*Server, *Registry, *lastvalue.Cache) {
	t.Helper()
	reg := NewRegistry(nil)
	cache := &lastvalue.Cache{}
	s, err := NewServer("127.0.0.1:0", reg, cache, nil)
	require.NoError(t, err)
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return")
		}
	})
	return s, reg, cache
}

func dial(t *testing.T, s *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	nc, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	return nc, bufio.NewReader(nc)
}

func TestNewServerValidates(t *testing.T) {
	_, err := NewServer("", NewRegistry(nil), &lastvalue.Cache{}, nil)
	assert.Error(t, err)
	_, err = NewServer(":0", nil, &lastvalue.Cache{}, nil)
	assert.Error(t, err)
	_, err = NewServer(":0", NewRegistry(nil), nil, nil)
	assert.Error(t, err)
}

func TestListenBindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	s, err := NewServer(taken.Addr().String(), NewRegistry(nil), &lastvalue.Cache{}, nil)
	require.NoError(t, err)
	err = s.Listen()
	require.Error(t, err)
	assert.ErrorIs(t, err, relayerr.BindFailure)
	assert.Nil(t, s.Addr())
}

func TestServerRegistersAndPrunesClients(t *testing.T) {
	s, reg, _ := startServer(t)

	nc, _ := dial(t, s)
	require.Eventually(t, func() bool { return reg.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, nc.Close())
	require.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestLateJoinerGetsCatchUpFrame(t *testing.T) {
	s, reg, cache := startServer(t)
	in, err := NewIngester(IngestConfig{Source: make(chanSource), Cache: cache, Registry: reg})
	require.NoError(t, err)

	early, er := dial(t, s)
	require.Eventually(t, func() bool { return reg.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, in.Publish(frame.Record{"temperatura": 21.0, "humedad": 38.0}))
	assert.Equal(t, frame.Record{"temperatura": 21.0, "humedad": 38.0}, readRecord(t, er, early))

	late, lr := dial(t, s)
	assert.Equal(t, frame.Record{"temperatura": 21.0, "humedad": 38.0}, readRecord(t, lr, late))

	require.NoError(t, in.Publish(frame.Record{"temperatura": 22.0, "humedad": 40.0}))
	assert.Equal(t, frame.Record{"temperatura": 22.0, "humedad": 40.0}, readRecord(t, er, early))
	assert.Equal(t, frame.Record{"temperatura": 22.0, "humedad": 40.0}, readRecord(t, lr, late))
}

func TestCloseDisconnectsClients(t *testing.T) {
	s, reg, _ := startServer(t)
	nc, r := dial(t, s)
	require.Eventually(t, func() bool { return reg.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Zero(t, reg.Len())

	require.NoError(t, nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := r.ReadByte()
	assert.Error(t, err)

	_, err = net.DialTimeout("tcp", s.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)
}
