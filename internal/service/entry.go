package service

import (
	"log/slog"

	"banner-cache-proxy/internal/cache"
	"banner-cache-proxy/internal/metrics"
)

// entryWriter tracks one pending cache entry through a fetch. A nil
// pending entry (the store refused to create one) swallows all writes, so
// the client is still served.
type entryWriter struct {
	key     string
	pending cache.Pending
	failed  error
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func (s *ProxyService) newEntry(key string) *entryWriter {
	w := &entryWriter{key: key, logger: s.logger, metrics: s.metrics}
	p, err := s.store.Create(key)
	if err != nil {
		s.logger.Warn("cache entry not created; serving without caching", "key", key, "err", err)
		s.metrics.CacheWrites.WithLabelValues("failed").Inc()
		return w
	}
	w.pending = p
	return w
}

func (w *entryWriter) write(b []byte) {
	if w.pending == nil || w.failed != nil {
		return
	}
	if _, err := w.pending.Write(b); err != nil {
		w.failed = err
	}
}

func (w *entryWriter) commit() {
	if w.pending == nil {
		return
	}
	p := w.pending
	w.pending = nil

	if w.failed != nil {
		w.logger.Warn("cache write failed; entry dropped", "key", w.key, "err", w.failed)
		_ = p.Discard()
		w.metrics.CacheWrites.WithLabelValues("failed").Inc()
		return
	}
	if err := p.Commit(); err != nil {
		w.logger.Warn("cache commit failed", "key", w.key, "err", err)
		w.metrics.CacheWrites.WithLabelValues("failed").Inc()
		return
	}
	w.metrics.CacheWrites.WithLabelValues("committed").Inc()
}

func (w *entryWriter) discard() {
	if w.pending == nil {
		return
	}
	p := w.pending
	w.pending = nil

	if err := p.Discard(); err != nil {
		w.logger.Warn("cache discard failed", "key", w.key, "err", err)
	}
	w.metrics.CacheWrites.WithLabelValues("discarded").Inc()
}
