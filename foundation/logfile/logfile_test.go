package logfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStdoutOnly(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn := newLogger(&buf, "[telemrelay] ", Config{})
	logger.Printf("hello %d", 1)
	assert.Equal(t, "[telemrelay] hello 1\n", buf.String())
	assert.NoError(t, closeFn())
}

func TestRotatingFile(t *testing.T) {
	var buf bytes.Buffer
	p := filepath.Join(t.TempDir(), "relay.log")
	logger, closeFn := newLogger(&buf, "[telemrecord] ", Config{File: p, MaxSizeMB: 1})
	logger.Print("recorded snapshot")
	require.NoError(t, closeFn())

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Contains(t, string(b), "[telemrecord] ")
	assert.Contains(t, string(b), "recorded snapshot")
	assert.Contains(t, buf.String(), "recorded snapshot")
}
