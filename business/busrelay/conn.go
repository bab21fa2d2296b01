package busrelay

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultWriteTimeout bounds a single frame write. A consumer that stalls
// longer is pruned; until then it holds up the broadcast it is part of.
const DefaultWriteTimeout = 2 * time.Second

// Conn is one accepted downstream connection. The Registry owns it from
// registration until it is removed, and closes it exactly once.
type Conn struct {
	ID   uuid.UUID
	Addr string

	nc           net.Conn
	writeTimeout time.Duration
	alive     atomic.Bool
	closeOnce sync.Once

	//writeMu serializes writes so frames never interleave on the wire
	writeMu sync.Mutex
	sentSeq uint64
}

func newConn(nc net.Conn, writeTimeout time.Duration) *Conn {
	c := &Conn{
		ID:           uuid.New(),
		Addr:         nc.RemoteAddr().String(),
		nc:           nc,
		writeTimeout: writeTimeout,
	}
	c.alive.Store(true)
	return c
}

func (c *Conn) Alive() bool {
	return c.alive.Load()
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		_ = c.nc.Close()
	})
}

// write sends one frame. seq identifies the record the frame carries; a
// frame whose seq was already written to this connection is skipped, which
// happens when a broadcast races the catch-up frame of a new connection.
// A seq of 0 is always written.
func (c *Conn) write(frame []byte, seq uint64) (bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(frame, seq)
}

func (c *Conn) writeLocked(frame []byte, seq uint64) (bool, error) {
	if !c.alive.Load() {
		return false, net.ErrClosed
	}
	if seq != 0 && seq <= c.sentSeq {
		return false, nil
	}

	_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	n, err := c.nc.Write(frame)
	if err != nil {
		return false, err
	}
	//a partial frame leaves the stream in an unknown state; treat it as failed
	if n < len(frame) {
		return false, io.ErrShortWrite
	}
	if seq > c.sentSeq {
		c.sentSeq = seq
	}
	return true, nil
}
