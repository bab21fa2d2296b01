package ds18b20therm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDevice(t *testing.T, root, name, content string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	p := filepath.Join(dir, "temperature")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestParseTemperature(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{in: "21000\n", want: 21.0},
		{in: "-1250", want: -1.25},
		{in: "", wantErr: true},
		{in: "\n", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "130000", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseTemperature([]byte(tt.in))
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.InDelta(t, tt.want, got, 1e-9)
	}
}

func TestEnumerateThermometerPaths(t *testing.T) {
	root := t.TempDir()
	good := writeDevice(t, root, "28-000001", "19500\n")
	writeDevice(t, root, "28-000002", "garbage")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "w1_bus_master1"), 0o755))

	assert.Equal(t, []string{good}, EnumerateThermometerPaths(root))
	assert.Empty(t, EnumerateThermometerPaths(filepath.Join(root, "missing")))
}

func TestSourceEmitsFrames(t *testing.T) {
	p := writeDevice(t, t.TempDir(), "28-000001", "21000\n")
	clock := clockwork.NewFakeClock()
	s, err := NewSource(p, time.Minute, nil, clock)
	require.NoError(t, err)

	line, err := s.ReadLine(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"temperatura":21}`, line)

	require.NoError(t, os.WriteFile(p, []byte("22500\n"), 0o644))
	got := make(chan string, 1)
	go func() {
		l, _ := s.ReadLine(context.Background())
		got <- l
	}()
	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	select {
	case l := <-got:
		assert.JSONEq(t, `{"temperatura":22.5}`, l)
	case <-time.After(2 * time.Second):
		t.Fatal("no reading after the interval")
	}
}

func TestSourceReadError(t *testing.T) {
	s, err := NewSource(filepath.Join(t.TempDir(), "gone"), time.Second, nil, clockwork.NewFakeClock())
	require.NoError(t, err)
	_, err = s.ReadLine(context.Background())
	assert.Error(t, err)
}

func TestSourceHonoursCancel(t *testing.T) {
	p := writeDevice(t, t.TempDir(), "28-000001", "21000\n")
	s, err := NewSource(p, time.Hour, nil, clockwork.NewFakeClock())
	require.NoError(t, err)
	_, err = s.ReadLine(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.ReadLine(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
