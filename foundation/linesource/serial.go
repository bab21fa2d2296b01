// Package linesource adapts byte streams (a serial port, stdin, a file) into
// the line-at-a-time upstream the relay ingests.
package linesource

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/jroedel/sensorrelay/foundation/frame"
	"go.bug.st/serial"
)

const (
	DefaultBaudRate = 9600
	// readTimeout keeps a blocked read short enough to notice cancellation
	readTimeout = time.Second
	chunkSize   = 1024
)

// port is the part of serial.Port the source needs.
type port interface {
	io.ReadCloser
	SetReadTimeout(t time.Duration) error
}

type openFunc func(name string, mode *serial.Mode) (port, error)

func openSerial(name string, mode *serial.Mode) (port, error) {
	return serial.Open(name, mode)
}

// Serial reads lines from a serial port (an Arduino printing JSON, say). The
// port is opened lazily and dropped after any error, so the next ReadLine
// reopens it.
type Serial struct {
	Name     string
	BaudRate int

	logger *log.Logger
	open   openFunc
	port   port
	buf    []byte
	chunk  []byte
}

func NewSerial(name string, baudRate int, logger *log.Logger) *Serial {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	return &Serial{
		Name:     name,
		BaudRate: baudRate,
		logger:   logger,
		open:     openSerial,
		chunk:    make([]byte, chunkSize),
	}
}

// ReadLine returns the next line without its terminator.
func (s *Serial) ReadLine(ctx context.Context) (string, error) {
	for {
		if line, ok := s.takeLine(); ok {
			return line, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if s.port == nil {
			if err := s.openPort(); err != nil {
				return "", err
			}
		}

		n, err := s.port.Read(s.chunk)
		if err != nil {
			s.drop()
			return "", fmt.Errorf("read serial port %s: %w", s.Name, err)
		}
		//n == 0 is a read timeout
		s.buf = append(s.buf, s.chunk[:n]...)
		if len(s.buf) > frame.MaxFrameSize && bytes.IndexByte(s.buf, '\n') < 0 {
			s.logger.Printf("Discarding %d bytes from %s without a line break", len(s.buf), s.Name)
			s.buf = s.buf[:0]
		}
	}
}

func (s *Serial) takeLine() (string, bool) {
	i := bytes.IndexByte(s.buf, '\n')
	if i < 0 {
		return "", false
	}
	line := string(bytes.TrimRight(s.buf[:i], "\r"))
	s.buf = s.buf[:copy(s.buf, s.buf[i+1:])]
	return line, true
}

func (s *Serial) openPort() error {
	mode := &serial.Mode{BaudRate: s.BaudRate}
	p, err := s.open(s.Name, mode)
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", s.Name, err)
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		_ = p.Close()
		return fmt.Errorf("set read timeout on %s: %w", s.Name, err)
	}
	s.port = p
	s.logger.Printf("Opened serial port %s at %d baud", s.Name, s.BaudRate)
	return nil
}

// drop closes the port and forgets any partial line read from it.
func (s *Serial) drop() {
	if s.port != nil {
		_ = s.port.Close()
		s.port = nil
	}
	s.buf = s.buf[:0]
}

func (s *Serial) Close() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}
