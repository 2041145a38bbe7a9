// Package service implements the per-connection proxy lifecycle: parse,
// cache check, origin fetch or cache replay, respond.
package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"banner-cache-proxy/internal/banner"
	"banner-cache-proxy/internal/cache"
	"banner-cache-proxy/internal/client"
	"banner-cache-proxy/internal/config"
	"banner-cache-proxy/internal/metrics"
	"banner-cache-proxy/internal/model"
	"banner-cache-proxy/internal/request"
)

// chunkSize is the unit for streaming to clients and cache entries.
const chunkSize = 8192

// ProxyService serves one proxied request per client connection.
type ProxyService struct {
	store   cache.Store
	locks   *cache.KeyLocks
	origin  *client.OriginClient
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewProxyService creates a ProxyService.
func NewProxyService(store cache.Store, origin *client.OriginClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		store:   store,
		locks:   cache.NewKeyLocks(),
		origin:  origin,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
		now:     time.Now,
	}
}

type result struct {
	outcome model.Outcome
	sent    int64
}

// Handle reads one request from conn, answers it from the cache or the
// origin, and closes conn. Failures are logged and never reported to the
// client: an unreachable origin leaves the client with a closed connection
// and no bytes.
func (s *ProxyService) Handle(ctx context.Context, conn net.Conn) {
	start := time.Now()
	defer func() { _ = conn.Close() }()

	head, err := request.ReadHead(conn, s.cfg.Server.MaxHeaderBytes)
	if err != nil {
		s.logger.Debug("no request read", "remote", conn.RemoteAddr().String(), "err", err)
		s.metrics.RequestsTotal.WithLabelValues(string(model.OutcomeInvalid)).Inc()
		return
	}

	raw := string(head)
	desc := request.Parse(raw)
	if desc.Host == "" {
		s.logger.Warn("request line has no target host", "remote", conn.RemoteAddr().String())
		s.metrics.RequestsTotal.WithLabelValues(string(model.OutcomeInvalid)).Inc()
		return
	}

	key := cache.Key(desc.Host, desc.Path)
	res := s.serve(ctx, conn, raw, desc, key)

	s.metrics.RequestsTotal.WithLabelValues(string(res.outcome)).Inc()
	s.logger.Info("request",
		"host", desc.Host,
		"path", desc.Path,
		"html", desc.WantsHTML,
		"outcome", res.outcome,
		"bytes_out", res.sent,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (s *ProxyService) serve(ctx context.Context, conn net.Conn, raw string, desc model.RequestDescriptor, key string) result {
	if outcome := s.lookup(key); outcome == model.OutcomeHit {
		if res, err := s.replay(conn, key); err == nil {
			return res
		}
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	// Another worker may have refreshed the entry while we waited.
	outcome := s.lookup(key)
	if outcome == model.OutcomeHit {
		res, err := s.replay(conn, key)
		if err == nil {
			return res
		}
		outcome = model.OutcomeMiss
	}

	return s.fetch(ctx, conn, raw, desc, key, outcome)
}

// lookup classifies the stored entry for key as hit, stale or miss.
// Freshness comes from the store alone, so it survives restarts.
func (s *ProxyService) lookup(key string) model.Outcome {
	writtenAt, err := s.store.Stat(key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			s.logger.Warn("cache stat failed", "key", key, "err", err)
		}
		return model.OutcomeMiss
	}
	if cache.Fresh(writtenAt, s.now(), s.cfg.TTL()) {
		return model.OutcomeHit
	}
	return model.OutcomeStale
}

// replay streams the stored entry to the client. It stops quietly when the
// client goes away.
func (s *ProxyService) replay(conn net.Conn, key string) (result, error) {
	rc, err := s.store.Open(key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			s.logger.Warn("cache open failed", "key", key, "err", err)
		}
		return result{}, err
	}
	defer func() { _ = rc.Close() }()

	n, err := io.CopyBuffer(conn, rc, make([]byte, chunkSize))
	s.metrics.BytesSent.WithLabelValues("cache").Add(float64(n))
	if err != nil {
		s.logger.Debug("client write failed during replay", "key", key, "err", err)
	}
	return result{outcome: model.OutcomeHit, sent: n}, nil
}

// fetch forwards the rewritten request to the origin and relays the
// response to both the client and a new cache entry.
func (s *ProxyService) fetch(ctx context.Context, conn net.Conn, raw string, desc model.RequestDescriptor, key string, outcome model.Outcome) result {
	start := time.Now()
	defer func() { s.metrics.OriginFetchDuration.Observe(time.Since(start).Seconds()) }()

	oc, err := s.origin.Dial(ctx, desc.Host)
	if err != nil {
		s.logger.Warn("origin unreachable", "host", desc.Host, "err", err)
		return result{outcome: model.OutcomeUnreachable}
	}
	defer func() { _ = oc.Close() }()

	if _, err := oc.Write(request.RewriteForOrigin(raw, desc)); err != nil {
		s.logger.Warn("sending request to origin failed", "host", desc.Host, "err", err)
		return result{outcome: model.OutcomeUnreachable}
	}

	entry := s.newEntry(key)
	var sent int64
	if desc.WantsHTML {
		sent = s.relayHTML(conn, oc, entry)
	} else {
		sent = s.relayStream(conn, oc, entry)
	}
	s.metrics.BytesSent.WithLabelValues("origin").Add(float64(sent))
	return result{outcome: outcome, sent: sent}
}

// relayHTML reads the whole origin response, injects the banner and sends
// the fresh variant to the client. The cached variant is committed even if
// the client has gone away. Responses above origin.max_html_bytes are
// streamed through untouched instead.
func (s *ProxyService) relayHTML(conn net.Conn, oc io.Reader, entry *entryWriter) int64 {
	limit := s.cfg.Origin.MaxHTMLBytes
	body, readErr := io.ReadAll(io.LimitReader(oc, limit+1))
	if readErr != nil {
		s.logger.Warn("reading origin response failed", "key", entry.key, "err", readErr)
	}

	if int64(len(body)) > limit {
		s.logger.Warn("html response exceeds max_html_bytes; relaying without banner",
			"key", entry.key,
			"max_html_bytes", limit,
		)
		s.metrics.BannerInjections.WithLabelValues("skipped").Inc()
		return s.relayStream(conn, io.MultiReader(bytes.NewReader(body), oc), entry)
	}

	decoded := false
	if s.cfg.Origin.Charset == config.CharsetWindows1252 {
		b, err := banner.DecodeWindows1252(body)
		if err != nil {
			s.logger.Warn("charset decode failed; using raw bytes", "key", entry.key, "err", err)
		} else {
			body, decoded = b, true
		}
	}

	fresh, cached, ok := banner.Inject(body, s.now())
	if ok {
		s.metrics.BannerInjections.WithLabelValues("injected").Inc()
	} else {
		s.metrics.BannerInjections.WithLabelValues("skipped").Inc()
		s.logger.Debug("no <body> line found; banner skipped", "key", entry.key)
	}
	// Decoding widens every byte above 0x7F, so the length changes even
	// without a banner.
	if ok || decoded {
		fresh = banner.FixContentLength(fresh)
		cached = banner.FixContentLength(cached)
	}

	n, err := conn.Write(fresh)
	if err != nil {
		s.logger.Debug("client write failed", "key", entry.key, "err", err)
	}

	entry.write(cached)
	if readErr != nil {
		entry.discard()
	} else {
		entry.commit()
	}
	return int64(n)
}

// relayStream copies src to the client chunk by chunk, appending each
// chunk to the cache entry. A client write failure stops both and discards
// the entry.
func (s *ProxyService) relayStream(conn net.Conn, src io.Reader, entry *entryWriter) int64 {
	buf := make([]byte, chunkSize)
	var sent int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			m, werr := conn.Write(buf[:n])
			sent += int64(m)
			if werr != nil {
				s.logger.Debug("client write failed", "key", entry.key, "err", werr)
				entry.discard()
				return sent
			}
			entry.write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			entry.commit()
			return sent
		}
		if err != nil {
			s.logger.Warn("reading origin response failed", "key", entry.key, "err", err)
			entry.discard()
			return sent
		}
	}
}
