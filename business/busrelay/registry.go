// Package busrelay is the server side of the telemetry relay: it keeps the set
// of downstream connections, ingests records from the upstream sensor source
// and fans every record out to all connections.
package busrelay

import (
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jroedel/sensorrelay/foundation/lastvalue"
	"github.com/jroedel/sensorrelay/foundation/relayerr"
	"github.com/jroedel/sensorrelay/foundation/relaymetrics"
)

// Prune reasons, also used as metric labels
const (
	reasonSendFailed = "send_failed"
	reasonPeerClosed = "peer_closed"
	reasonShutdown   = "shutdown"
)

// Registry is the set of live downstream connections. One mutex guards every
// mutation and iteration; no socket I/O ever happens while it is held.
type Registry struct {
	mu     sync.Mutex
	conns  map[uuid.UUID]*Conn
	logger *log.Logger

	writeTimeout time.Duration
}

func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Registry{
		conns:        make(map[uuid.UUID]*Conn),
		logger:       logger,
		writeTimeout: DefaultWriteTimeout,
	}
}

// Register adds nc to the registry and returns its handle.
func (r *Registry) Register(nc net.Conn) *Conn {
	c := newConn(nc, r.writeTimeout)
	r.add(c)
	return c
}

// Join registers nc and writes the cached record to it as a catch-up frame.
// The connection's write lock is held from before registration until the
// catch-up frame is written, so a concurrent Broadcast can only reach the new
// connection after it and never delivers an older record on top of a newer one.
func (r *Registry) Join(nc net.Conn, cache *lastvalue.Cache) (*Conn, error) {
	c := newConn(nc, r.writeTimeout)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	r.add(c)

	entry, ok := cache.Snapshot()
	if !ok {
		return c, nil
	}
	b, err := encodeEntry(entry)
	if err != nil {
		return c, err
	}
	if _, err := c.writeLocked(b, entry.Seq); err != nil {
		return c, relayerr.E(relayerr.PeerUnreachable, "send catch-up frame", err)
	}
	relaymetrics.CatchUpFramesSent.Inc()
	return c, nil
}

func (r *Registry) add(c *Conn) {
	r.mu.Lock()
	r.conns[c.ID] = c
	n := len(r.conns)
	r.mu.Unlock()

	relaymetrics.ConnectedClients.Set(float64(n))
}

// Remove deletes c from the registry and closes its socket. It reports
// whether c was still registered; calling it again is harmless.
func (r *Registry) Remove(c *Conn) bool {
	return r.remove(c, reasonPeerClosed)
}

func (r *Registry) remove(c *Conn, reason string) bool {
	r.mu.Lock()
	_, ok := r.conns[c.ID]
	delete(r.conns, c.ID)
	n := len(r.conns)
	r.mu.Unlock()

	c.close()
	if ok {
		relaymetrics.ConnectionsPruned.WithLabelValues(reason).Inc()
		relaymetrics.ConnectedClients.Set(float64(n))
	}
	return ok
}

// Broadcast writes frame to every registered connection and returns how many
// connections accepted it. Writes run concurrently, outside the registry
// lock; a failing connection is removed and closed before Broadcast returns
// and never affects delivery to the others.
//
// Broadcast waits for every write, so a consumer that stops reading delays
// it by up to the write timeout (DefaultWriteTimeout) before being pruned.
func (r *Registry) Broadcast(frame []byte, seq uint64) int {
	start := time.Now()
	conns := r.snapshot()
	if len(conns) == 0 {
		return 0
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		failed    []*Conn
		delivered int
	)
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			wrote, err := c.write(frame, seq)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Printf("Sending to client %s (%s) failed, dropping it: %v", c.Addr, c.ID, relayerr.E(relayerr.PeerUnreachable, "broadcast", err))
				failed = append(failed, c)
				return
			}
			delivered++
			if wrote {
				relaymetrics.BroadcastDeliveries.Inc()
			}
		}(c)
	}
	wg.Wait()

	if len(failed) > 0 {
		r.mu.Lock()
		var pruned int
		for _, c := range failed {
			if _, ok := r.conns[c.ID]; ok {
				delete(r.conns, c.ID)
				pruned++
			}
		}
		n := len(r.conns)
		r.mu.Unlock()

		for _, c := range failed {
			c.close()
		}
		relaymetrics.BroadcastSendFailures.Add(float64(len(failed)))
		relaymetrics.ConnectionsPruned.WithLabelValues(reasonSendFailed).Add(float64(pruned))
		relaymetrics.ConnectedClients.Set(float64(n))
	}

	relaymetrics.BroadcastDuration.Observe(time.Since(start).Seconds())
	return delivered
}

func (r *Registry) snapshot() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Contains reports whether the handle is still registered.
func (r *Registry) Contains(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[c.ID]
	return ok
}

// CloseAll removes and closes every connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[uuid.UUID]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	if len(conns) > 0 {
		relaymetrics.ConnectionsPruned.WithLabelValues(reasonShutdown).Add(float64(len(conns)))
	}
	relaymetrics.ConnectedClients.Set(0)
}
