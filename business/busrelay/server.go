package busrelay

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/jroedel/sensorrelay/foundation/lastvalue"
	"github.com/jroedel/sensorrelay/foundation/relayerr"
	"github.com/jroedel/sensorrelay/foundation/relaymetrics"
)

const maxAcceptDelay = time.Second

// Server accepts downstream connections, hands each one the latest record and
// then keeps it registered for broadcasts until the peer goes away.
type Server struct {
	Address string

	registry *Registry
	cache    *lastvalue.Cache
	logger   *log.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

func NewServer(addr string, registry *Registry, cache *lastvalue.Cache, logger *log.Logger) (*Server, error) {
	if addr == "" {
		return nil, errors.New("server address is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if cache == nil {
		return nil, errors.New("cache is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		Address:  addr,
		registry: registry,
		cache:    cache,
		logger:   logger,
	}, nil
}

// Listen binds the server address. Failing to bind is fatal to the relay and
// is returned as a BindFailure.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return relayerr.E(relayerr.BindFailure, "listen", net.ErrClosed)
	}
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.Address)
	if err != nil {
		return relayerr.E(relayerr.BindFailure, "listen "+s.Address, err)
	}
	s.listener = ln
	s.logger.Printf("Listening for clients on %s", ln.Addr())
	return nil
}

// Addr is the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the accept loop until ctx is done or the server is closed. It
// calls Listen first when that has not happened yet.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-stop:
		}
	}()

	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.logger.Printf("Accept error: %v; retrying in %s", err, delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = nc.Close()
			return nil
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.handle(nc)
	}
}

func (s *Server) handle(nc net.Conn) {
	defer s.wg.Done()
	relaymetrics.ConnectionsAccepted.Inc()

	c, err := s.registry.Join(nc, s.cache)
	if err != nil {
		s.logger.Printf("Client %s dropped before streaming: %v", c.Addr, err)
		s.registry.remove(c, reasonSendFailed)
		return
	}
	//Close may have swept the registry before this connection joined it
	if s.isClosed() {
		s.registry.remove(c, reasonShutdown)
		return
	}
	s.logger.Printf("Client %s connected (%s), %d connected", c.Addr, c.ID, s.registry.Len())

	//clients never send anything; reading only tells us when they are gone
	_, _ = io.Copy(io.Discard, nc)

	if s.registry.Remove(c) {
		s.logger.Printf("Client %s disconnected, %d connected", c.Addr, s.registry.Len())
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting, closes every connection and waits for the
// per-connection goroutines to exit. It is safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.registry.CloseAll()
	s.wg.Wait()
	return err
}
