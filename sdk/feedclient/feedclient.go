// Package feedclient consumes a relay's record stream. A Client keeps its own
// copy of the latest record, calls subscribers for every record it receives
// and silently reconnects whenever the connection drops, until Disconnect.
//
// Only the initial Connect can fail visibly. Everything after that is logged
// and turned into a reconnect cycle.
package feedclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jroedel/sensorrelay/foundation/frame"
	"github.com/jroedel/sensorrelay/foundation/lastvalue"
	"github.com/jroedel/sensorrelay/foundation/relayerr"
)

const (
	DefaultReconnectDelay = 2 * time.Second

	readBufferSize = 1024
	dialTimeout    = 5 * time.Second
)

var (
	// ErrConnection matches every error returned by a failed Connect.
	ErrConnection error = relayerr.PeerUnreachable
	// ErrAlreadyConnected Connect was called on a running client
	ErrAlreadyConnected = errors.New("feedclient: already connected")
)

// Handler is called with every record the client receives.
type Handler func(frame.Record)

// Dialer opens the connection to the relay. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Client struct {
	addr           string
	reconnectDelay time.Duration
	logger         *log.Logger
	clock          clockwork.Clock
	dialer         Dialer

	cache lastvalue.Cache

	subMu sync.Mutex
	subs  []Handler

	//mu guards everything below it
	mu      sync.Mutex
	state   State
	gen     uint64
	running bool
	conn    net.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	//stopped is the done channel of the last session Disconnect ended
	stopped chan struct{}

	//deliverMu is held while subscribers run so Disconnect can wait them out
	deliverMu sync.Mutex
}

func New(addr string, opts ...Option) *Client {
	c := &Client{
		addr:           addr,
		reconnectDelay: DefaultReconnectDelay,
		logger:         log.New(io.Discard, "", 0),
		clock:          clockwork.NewRealClock(),
		dialer:         &net.Dialer{Timeout: dialTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Addr() string {
	return c.addr
}

// Connect dials the relay and starts the background read loop. A failed
// dial is returned and matches ErrConnection; after a successful Connect,
// connection losses are handled internally.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.running = true
	c.gen++
	gen := c.gen
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.state = Connecting
	c.mu.Unlock()

	dialCtx, dialCancel := context.WithCancel(ctx)
	stop := context.AfterFunc(loopCtx, dialCancel)
	nc, err := c.dialer.DialContext(dialCtx, "tcp", c.addr)
	stop()
	dialCancel()

	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.running = false
			c.cancel = nil
			c.done = nil
			c.state = Disconnected
		}
		c.mu.Unlock()
		cancel()
		close(done)
		return relayerr.E(relayerr.PeerUnreachable, "connect "+c.addr, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		//Disconnect won the race with the dial
		c.mu.Unlock()
		_ = nc.Close()
		cancel()
		close(done)
		return relayerr.E(relayerr.PeerUnreachable, "connect "+c.addr, net.ErrClosed)
	}
	c.conn = nc
	c.state = Connected
	c.mu.Unlock()

	c.logger.Printf("Connected to %s", c.addr)
	go c.run(loopCtx, gen, nc, done)
	return nil
}

// Latest returns a copy of the most recent record, or false before the
// first one arrives. It never blocks on the network.
func (c *Client) Latest() (frame.Record, bool) {
	return c.cache.Get()
}

// Subscribe registers h. Handlers run on the client's read goroutine, one
// after the other in registration order, for every record received after
// they were added. There is no unsubscribe.
func (c *Client) Subscribe(h Handler) {
	if h == nil {
		return
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subs = append(c.subs, h)
}

// Disconnect closes the connection, cancels any pending reconnect and waits
// for a running handler to return. No handler is called after Disconnect
// returns. It is safe to call more than once, and concurrently, but not from
// inside a Handler. A call that finds the client already stopping waits for
// that shutdown to finish.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.running {
		stopped := c.stopped
		c.mu.Unlock()
		if stopped != nil {
			c.waitStopped(stopped)
		}
		return nil
	}
	c.running = false
	c.gen++
	nc := c.conn
	c.conn = nil
	cancel := c.cancel
	c.cancel = nil
	done := c.done
	c.done = nil
	c.stopped = done
	c.state = Disconnected
	c.mu.Unlock()

	cancel()
	var err error
	if nc != nil {
		err = nc.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}

	c.waitStopped(done)
	c.logger.Printf("Disconnected from %s", c.addr)
	return err
}

// waitStopped returns once no handler is running and the session goroutine
// behind done has exited.
func (c *Client) waitStopped(done chan struct{}) {
	c.deliverMu.Lock()
	//nothing to do under the lock; acquiring it means no handler is running
	c.deliverMu.Unlock()
	<-done
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// current reports whether gen is still the live session.
func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Client) transition(gen uint64, s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.state = s
	return true
}

// run is the supervising goroutine of one Connect..Disconnect session.
func (c *Client) run(ctx context.Context, gen uint64, nc net.Conn, done chan struct{}) {
	defer close(done)
	for {
		err := c.read(gen, nc)
		_ = nc.Close()
		if !c.transition(gen, Reconnecting) {
			return
		}
		c.logger.Printf("Connection to %s lost: %v; reconnecting in %s", c.addr, err, c.reconnectDelay)

		var ok bool
		nc, ok = c.reconnect(ctx, gen)
		if !ok {
			return
		}
	}
}

// reconnect waits the reconnect delay before every attempt and keeps trying
// until a dial succeeds or the session ends.
func (c *Client) reconnect(ctx context.Context, gen uint64) (net.Conn, bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-c.clock.After(c.reconnectDelay):
		}
		if !c.transition(gen, Connecting) {
			return nil, false
		}

		nc, err := c.dialer.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			if !c.transition(gen, Reconnecting) {
				return nil, false
			}
			c.logger.Printf("Reconnect to %s failed: %v", c.addr, relayerr.E(relayerr.PeerUnreachable, "reconnect", err))
			continue
		}

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			_ = nc.Close()
			return nil, false
		}
		c.conn = nc
		c.state = Connected
		c.mu.Unlock()
		c.logger.Printf("Reconnected to %s", c.addr)
		return nc, true
	}
}

// read decodes frames from nc until the connection fails. The session
// generation is checked after every blocking read and before every delivery.
func (c *Client) read(gen uint64, nc net.Conn) error {
	buf := make([]byte, readBufferSize)
	var dec frame.Decoder
	for {
		n, err := nc.Read(buf)
		if !c.current(gen) {
			return net.ErrClosed
		}
		if n > 0 {
			_, _ = dec.Write(buf[:n])
			for {
				rec, derr := dec.Next()
				if errors.Is(derr, frame.ErrIncomplete) {
					break
				}
				if derr != nil {
					c.logger.Printf("Dropping frame from %s: %v", c.addr, derr)
					continue
				}
				if !c.deliver(gen, rec) {
					return net.ErrClosed
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("server closed the connection: %w", err)
			}
			return err
		}
	}
}

// deliver stores rec and runs every handler, unless the session ended.
func (c *Client) deliver(gen uint64, rec frame.Record) bool {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if !c.current(gen) {
		return false
	}
	c.cache.Set(rec)

	c.subMu.Lock()
	subs := make([]Handler, len(c.subs))
	copy(subs, c.subs)
	c.subMu.Unlock()

	for _, h := range subs {
		c.call(h, rec)
	}
	return true
}

func (c *Client) call(h Handler, rec frame.Record) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Printf("Subscriber panicked: %v", r)
		}
	}()
	h(rec)
}
