// Package logfile builds the prefixed *log.Logger every binary passes around.
package logfile

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	// File is optional; when empty the logger only writes to stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New returns a logger writing to stdout and, when cfg.File is set, to a
// size-rotated file. The returned func releases the file; it is always safe
// to call.
func New(prefix string, cfg Config) (*log.Logger, func() error) {
	return newLogger(os.Stdout, prefix, cfg)
}

func newLogger(stdout io.Writer, prefix string, cfg Config) (*log.Logger, func() error) {
	if cfg.File == "" {
		return log.New(stdout, prefix, 0), func() error { return nil }
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	//the file gets timestamps, stdout stays as terse as before
	return log.New(io.MultiWriter(stdout, rotator), prefix, log.LstdFlags), rotator.Close
}
