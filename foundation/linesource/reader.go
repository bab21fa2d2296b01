package linesource

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
)

type line struct {
	text string
	err  error
}

// Reader turns any io.Reader into a line source. Reading happens on a
// background goroutine so ReadLine can return as soon as ctx is done. Close
// stops that goroutine; it does not close the underlying reader.
type Reader struct {
	r     io.Reader
	once  sync.Once
	lines chan line
	err   error

	closeOnce sync.Once
	done      chan struct{}
	finished  chan struct{}
}

func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:        r,
		lines:    make(chan line),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Close releases the background goroutine. A goroutine blocked inside the
// underlying Read exits as soon as that Read returns.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}

func (r *Reader) send(l line) bool {
	select {
	case r.lines <- l:
		return true
	case <-r.done:
		return false
	}
}

func (r *Reader) start() {
	go func() {
		defer close(r.finished)
		br := bufio.NewReader(r.r)
		for {
			text, err := br.ReadString('\n')
			if text != "" && !r.send(line{text: strings.TrimRight(text, "\r\n")}) {
				return
			}
			if err != nil {
				if r.send(line{err: err}) {
					close(r.lines)
				}
				return
			}
		}
	}()
}

// ReadLine returns the next line. Once the underlying reader fails, every
// later call returns that error (io.EOF at end of input).
func (r *Reader) ReadLine(ctx context.Context) (string, error) {
	r.once.Do(r.start)
	if r.err != nil {
		return "", r.err
	}
	select {
	case <-r.done:
		return "", io.ErrClosedPipe
	case <-ctx.Done():
		return "", ctx.Err()
	case l, ok := <-r.lines:
		if !ok {
			return "", io.EOF
		}
		if l.err != nil {
			r.err = l.err
			return "", l.err
		}
		return l.text, nil
	}
}
