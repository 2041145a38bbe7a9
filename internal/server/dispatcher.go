// Package server accepts proxy client connections and hands each one to a
// handler once it has data to read.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"banner-cache-proxy/internal/config"
	"banner-cache-proxy/internal/metrics"
)

// ConnHandler serves one client connection and closes it.
type ConnHandler interface {
	Handle(ctx context.Context, conn net.Conn)
}

// Dispatcher owns the listening socket and the set of connections that have
// been accepted but not yet served. Accepted connections are watched for
// readability; readable ones are served by a fixed number of workers. With
// one worker, connections are processed strictly one at a time.
type Dispatcher struct {
	cfg     *config.Config
	handler ConnHandler
	logger  *slog.Logger
	metrics *metrics.Metrics

	ln    net.Listener
	ready chan *readyConn

	mu      sync.Mutex
	watched map[net.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. It does not listen until Start.
func NewDispatcher(cfg *config.Config, h ConnHandler, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		handler: h,
		logger:  logger.With("component", "dispatcher"),
		metrics: m,
		ready:   make(chan *readyConn),
		watched: make(map[net.Conn]struct{}),
	}
}

// Start binds the listen address and begins accepting. A bind failure is
// returned to the caller, which treats it as fatal.
func (d *Dispatcher) Start() error {
	addr := d.cfg.Server.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	d.ln = ln
	d.ctx, d.cancel = context.WithCancel(context.Background())

	workers := max(d.cfg.Server.Workers, 1)
	for range workers {
		d.wg.Add(1)
		go d.work()
	}

	d.wg.Add(1)
	go d.acceptLoop()

	d.logger.Info("accepting connections", "addr", ln.Addr().String(), "workers", workers)
	return nil
}

// Addr returns the bound listen address. It is nil before Start.
func (d *Dispatcher) Addr() net.Addr {
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

// Stop closes the listener and every watched connection, then waits for
// in-flight handlers to return or ctx to expire.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.ln == nil {
		return nil
	}
	d.cancel()
	_ = d.ln.Close()

	d.mu.Lock()
	for conn := range d.watched {
		_ = conn.Close()
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			if d.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			d.logger.Warn("accept failed", "err", err)
			continue
		}

		d.watch(conn)
		d.wg.Add(1)
		go d.awaitReadable(conn)
	}
}

// awaitReadable blocks until conn has at least one byte to read, then queues
// it for a worker. A connection that closes or errors first is dropped.
func (d *Dispatcher) awaitReadable(conn net.Conn) {
	defer d.wg.Done()

	br := bufio.NewReader(conn)
	if _, err := br.Peek(1); err != nil {
		if d.ctx.Err() == nil {
			d.logger.Debug("connection dropped before request", "remote", conn.RemoteAddr().String(), "err", err)
			d.metrics.ReadinessDrops.Inc()
		}
		d.release(conn)
		return
	}

	select {
	case d.ready <- &readyConn{Conn: conn, r: br}:
	case <-d.ctx.Done():
		d.release(conn)
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case rc := <-d.ready:
			d.handler.Handle(d.ctx, rc)
			d.release(rc.Conn)
		}
	}
}

func (d *Dispatcher) watch(conn net.Conn) {
	d.mu.Lock()
	d.watched[conn] = struct{}{}
	d.mu.Unlock()
	d.metrics.ConnectionsWatched.Inc()
}

// release closes conn and removes it from the watched set.
func (d *Dispatcher) release(conn net.Conn) {
	_ = conn.Close()
	d.mu.Lock()
	_, ok := d.watched[conn]
	delete(d.watched, conn)
	d.mu.Unlock()
	if ok {
		d.metrics.ConnectionsWatched.Dec()
	}
}

// readyConn replays bytes consumed by the readiness check before reading
// from the socket.
type readyConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *readyConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}
