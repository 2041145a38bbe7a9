// Package client opens connections to origin web servers.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"banner-cache-proxy/internal/config"
	"banner-cache-proxy/internal/metrics"
)

// OriginClient dials origin servers on behalf of proxied requests.
type OriginClient struct {
	dialer    *net.Dialer
	port      int
	ioTimeout time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewOriginClient creates an OriginClient. Zero timeouts in cfg mean the
// dial and every read/write may block indefinitely.
// The metrics parameter is optional; pass nil to disable dial metrics.
func NewOriginClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *OriginClient {
	return &OriginClient{
		dialer: &net.Dialer{
			Timeout: time.Duration(cfg.Origin.DialTimeoutSeconds) * time.Second,
		},
		port:      cfg.Origin.Port,
		ioTimeout: time.Duration(cfg.Origin.IOTimeoutSeconds) * time.Second,
		logger:    logger.With("component", "origin_client"),
		metrics:   m,
	}
}

// Address returns the host:port dialed for host. A host that already names
// a port keeps it; otherwise the configured origin port is used.
func (c *OriginClient) Address(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(c.port))
}

// Dial connects to the origin for host. The returned connection is closed
// when ctx is canceled, unblocking any pending read or write.
func (c *OriginClient) Dial(ctx context.Context, host string) (net.Conn, error) {
	addr := c.Address(host)
	c.logger.Debug("dialing origin", "addr", addr)

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.countDial("error")
		return nil, fmt.Errorf("dial origin %s: %w", addr, err)
	}
	c.countDial("ok")

	oc := &originConn{Conn: conn, ioTimeout: c.ioTimeout}
	oc.stop = context.AfterFunc(ctx, func() { _ = conn.Close() })
	return oc, nil
}

func (c *OriginClient) countDial(result string) {
	if c.metrics != nil {
		c.metrics.OriginDials.WithLabelValues(result).Inc()
	}
}

// originConn refreshes its deadline before every read and write when an
// I/O timeout is configured.
type originConn struct {
	net.Conn
	ioTimeout time.Duration
	stop      func() bool
}

func (c *originConn) Read(b []byte) (int, error) {
	if c.ioTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.ioTimeout))
	}
	return c.Conn.Read(b)
}

func (c *originConn) Write(b []byte) (int, error) {
	if c.ioTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.ioTimeout))
	}
	return c.Conn.Write(b)
}

func (c *originConn) Close() error {
	c.stop()
	return c.Conn.Close()
}
