package frame

import (
	"errors"
	"fmt"

	"github.com/jroedel/sensorrelay/foundation/relayerr"
)

// Decoder buffers partial reads until whole frames are available.
// It is not safe for concurrent use; each read loop owns one.
type Decoder struct {
	buf []byte
}

// Write appends p to the pending buffer. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Next returns the next complete record. Blank lines are skipped.
// ErrIncomplete means the caller should feed more bytes. A MalformedFrame
// error means one frame was dropped; calling Next again continues with the
// following frame.
func (d *Decoder) Next() (Record, error) {
	for {
		rec, rest, err := Decode(d.buf)
		switch {
		case errors.Is(err, ErrIncomplete):
			if len(d.buf) > MaxFrameSize {
				n := len(d.buf)
				d.reset(nil)
				return nil, relayerr.E(relayerr.MalformedFrame, "decode frame", fmt.Errorf("no newline after %d bytes", n))
			}
			return nil, ErrIncomplete
		case errors.Is(err, ErrEmptyFrame):
			d.reset(rest)
			continue
		default:
			d.reset(rest)
			return rec, err
		}
	}
}

// Buffered reports how many bytes are waiting for a newline.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// reset keeps the remainder at the front of the buffer so the backing array
// does not grow without bound across many frames.
func (d *Decoder) reset(rest []byte) {
	if len(rest) == 0 {
		d.buf = d.buf[:0]
		return
	}
	n := copy(d.buf, rest)
	d.buf = d.buf[:n]
}
