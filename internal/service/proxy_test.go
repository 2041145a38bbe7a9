package service

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"banner-cache-proxy/internal/banner"
	"banner-cache-proxy/internal/cache"
	"banner-cache-proxy/internal/client"
	"banner-cache-proxy/internal/config"
	"banner-cache-proxy/internal/metrics"
	"banner-cache-proxy/internal/request"
)

// testOrigin is a raw TCP origin server that answers every request with
// respond(request) and then closes the connection.
type testOrigin struct {
	ln       net.Listener
	hits     atomic.Int32
	mu       sync.Mutex
	requests []string
}

func newTestOrigin(t *testing.T, respond func(req string) []byte) *testOrigin {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	o := &testOrigin{ln: ln}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = conn.Close() }()
				head, err := request.ReadHead(conn, 64*1024)
				if err != nil {
					return
				}
				o.hits.Add(1)
				o.mu.Lock()
				o.requests = append(o.requests, string(head))
				o.mu.Unlock()
				_, _ = conn.Write(respond(string(head)))
			}()
		}
	}()
	return o
}

func (o *testOrigin) host() string { return o.ln.Addr().String() }

func (o *testOrigin) lastRequest() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.requests) == 0 {
		return ""
	}
	return o.requests[len(o.requests)-1]
}

func htmlResponse(body string) []byte {
	return []byte(fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: %d\r\n\r\n%s", len(body), body))
}

const page = "<html>\n<head><title>t</title></head>\n<body class=\"x\">\n<h1>Hello</h1>\n</body>\n</html>\n"

type testEnv struct {
	svc *ProxyService
	dir string
	cfg *config.Config
	m   *metrics.Metrics
}

func newTestEnv(t *testing.T, ttlSeconds uint64) *testEnv {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{MaxHeaderBytes: 8192},
		Origin: config.OriginConfig{Port: 80, MaxHTMLBytes: 1 << 20},
	}
	cfg.SetTTL(ttlSeconds)

	dir := t.TempDir()
	store, err := cache.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	svc := NewProxyService(store, client.NewOriginClient(cfg, logger, m), cfg, logger, m)
	return &testEnv{svc: svc, dir: dir, cfg: cfg, m: m}
}

// roundTrip runs Handle on one end of a pipe and returns everything the
// client end received before the proxy closed it.
func (e *testEnv) roundTrip(t *testing.T, req string) []byte {
	t.Helper()
	clientSide, proxySide := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.svc.Handle(context.Background(), proxySide)
	}()

	go func() { _, _ = clientSide.Write([]byte(req)) }()
	got, _ := io.ReadAll(clientSide)
	_ = clientSide.Close()
	<-done
	return got
}

func htmlRequest(host, path string) string {
	return "GET http://" + host + "/" + path + " HTTP/1.1\r\n" +
		"Host: localhost:8888\r\n" +
		"Accept: text/html,application/xhtml+xml\r\n" +
		"Accept-Encoding: gzip, deflate\r\n" +
		"Connection: keep-alive\r\n\r\n"
}

func bodyOf(t *testing.T, resp []byte) string {
	t.Helper()
	r, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(resp)), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v (raw %q)", err, resp)
	}
	defer func() { _ = r.Body.Close() }()
	b, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func cacheFile(t *testing.T, dir, host, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, cache.Key(host, path)))
	if err != nil {
		t.Fatalf("read cache file: %v", err)
	}
	return b
}

func TestHandle_ZeroTTLAlwaysFetchesFresh(t *testing.T) {
	origin := newTestOrigin(t, func(string) []byte { return htmlResponse(page) })
	env := newTestEnv(t, 0)

	base := time.Now().Truncate(time.Second)
	env.svc.now = func() time.Time { return base }
	first := bodyOf(t, env.roundTrip(t, htmlRequest(origin.host(), "index.html")))

	env.svc.now = func() time.Time { return base.Add(2 * time.Second) }
	second := bodyOf(t, env.roundTrip(t, htmlRequest(origin.host(), "index.html")))

	wantFirst := banner.Markup(banner.FreshLabel, base)
	wantSecond := banner.Markup(banner.FreshLabel, base.Add(2*time.Second))
	if !strings.Contains(first, wantFirst) {
		t.Errorf("first response missing %q:\n%s", wantFirst, first)
	}
	if !strings.Contains(second, wantSecond) {
		t.Errorf("second response missing %q:\n%s", wantSecond, second)
	}
	if got := origin.hits.Load(); got != 2 {
		t.Errorf("origin hits = %d, want 2 (no cache reuse with ttl 0)", got)
	}
}

func TestHandle_SecondRequestServedFromCache(t *testing.T) {
	origin := newTestOrigin(t, func(string) []byte { return htmlResponse(page) })
	env := newTestEnv(t, 60)

	stamp := time.Now().Truncate(time.Second)
	env.svc.now = func() time.Time { return stamp }
	first := bodyOf(t, env.roundTrip(t, htmlRequest(origin.host(), "index.html")))

	env.svc.now = func() time.Time { return stamp.Add(time.Second) }
	second := bodyOf(t, env.roundTrip(t, htmlRequest(origin.host(), "index.html")))

	if want := banner.Markup(banner.FreshLabel, stamp); !strings.Contains(first, want) {
		t.Errorf("first response missing %q:\n%s", want, first)
	}
	if want := banner.Markup(banner.CachedLabel, stamp); !strings.Contains(second, want) {
		t.Errorf("second response missing %q (first fetch's timestamp):\n%s", want, second)
	}
	if got := origin.hits.Load(); got != 1 {
		t.Errorf("origin hits = %d, want 1", got)
	}
}

func TestHandle_RewritesRequestForOrigin(t *testing.T) {
	origin := newTestOrigin(t, func(string) []byte { return htmlResponse(page) })
	env := newTestEnv(t, 60)

	env.roundTrip(t, htmlRequest(origin.host(), "dir/index.html"))

	got := origin.lastRequest()
	if !strings.HasPrefix(got, "GET /dir/index.html HTTP/1.1\r\n") {
		t.Errorf("origin request line = %q", strings.SplitN(got, "\r\n", 2)[0])
	}
	for _, want := range []string{"\r\nHost: " + origin.host() + "\r\n", "\r\nAccept-Encoding: identity\r\n", "\r\nConnection: close\r\n"} {
		if !strings.Contains(got, want) {
			t.Errorf("origin request missing %q:\n%s", want, got)
		}
	}
}

func TestHandle_HTMLBodyPreservedAroundBanner(t *testing.T) {
	origin := newTestOrigin(t, func(string) []byte { return htmlResponse(page) })
	env := newTestEnv(t, 60)

	stamp := time.Now().Truncate(time.Second)
	env.svc.now = func() time.Time { return stamp }
	got := bodyOf(t, env.roundTrip(t, htmlRequest(origin.host(), "index.html")))

	head, tail, _ := strings.Cut(page, "<body class=\"x\">\n")
	want := head + "<body class=\"x\">\n" + banner.Markup(banner.FreshLabel, stamp) + tail
	if got != want {
		t.Errorf("body =\n%q\nwant\n%q", got, want)
	}
}

func TestHandle_CacheHitIsIdempotent(t *testing.T) {
	origin := newTestOrigin(t, func(string) []byte { return htmlResponse(page) })
	env := newTestEnv(t, 60)

	env.roundTrip(t, htmlRequest(origin.host(), "index.html"))
	second := env.roundTrip(t, htmlRequest(origin.host(), "index.html"))
	third := env.roundTrip(t, htmlRequest(origin.host(), "index.html"))

	if !bytes.Equal(second, third) {
		t.Errorf("cache hits differ:\n%q\n%q", second, third)
	}
	if !bytes.Equal(second, cacheFile(t, env.dir, origin.host(), "index.html")) {
		t.Error("cache hit bytes differ from stored entry")
	}
	if !strings.Contains(string(second), banner.CachedLabel) {
		t.Errorf("cache hit missing %q", banner.CachedLabel)
	}
}

func TestHandle_FreshnessBoundary(t *testing.T) {
	const ttl = 30
	origin := newTestOrigin(t, func(string) []byte { return htmlResponse(page) })
	env := newTestEnv(t, ttl)
	req := htmlRequest(origin.host(), "index.html")
	file := filepath.Join(env.dir, cache.Key(origin.host(), "index.html"))

	env.roundTrip(t, req)

	inside := time.Now().Add(-(ttl - 1) * time.Second)
	if err := os.Chtimes(file, inside, inside); err != nil {
		t.Fatal(err)
	}
	env.roundTrip(t, req)
	if got := origin.hits.Load(); got != 1 {
		t.Fatalf("origin hits at T+TTL-1s = %d, want 1 (served from cache)", got)
	}

	outside := time.Now().Add(-(ttl + 1) * time.Second)
	if err := os.Chtimes(file, outside, outside); err != nil {
		t.Fatal(err)
	}
	resp := env.roundTrip(t, req)
	if got := origin.hits.Load(); got != 2 {
		t.Fatalf("origin hits at T+TTL+1s = %d, want 2 (re-fetched)", got)
	}
	if !strings.Contains(string(resp), banner.FreshLabel) {
		t.Errorf("re-fetch should carry %q", banner.FreshLabel)
	}

	info, err := os.Stat(file)
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(info.ModTime()) > 10*time.Second {
		t.Errorf("re-fetch did not replace writtenAt: %v", info.ModTime())
	}
}

func TestHandle_NonHTMLStreamedVerbatim(t *testing.T) {
	payload := make([]byte, 3*chunkSize+123)
	for i := range payload {
		payload[i] = byte(i % 256)
	}
	resp := append([]byte(fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: image/png\r\nContent-Length: %d\r\n\r\n", len(payload))), payload...)
	origin := newTestOrigin(t, func(string) []byte { return resp })
	env := newTestEnv(t, 60)

	req := "GET http://" + origin.host() + "/image.png HTTP/1.1\r\nHost: localhost:8888\r\nAccept: image/png\r\nAccept-Encoding: gzip\r\n\r\n"
	got := env.roundTrip(t, req)

	if !bytes.Equal(got, resp) {
		t.Errorf("client received %d bytes, want exact %d-byte origin response", len(got), len(resp))
	}
	if stored := cacheFile(t, env.dir, origin.host(), "image.png"); !bytes.Equal(stored, resp) {
		t.Errorf("cache file has %d bytes, want exact %d-byte origin response", len(stored), len(resp))
	}
	if !strings.Contains(origin.lastRequest(), "\r\nAccept-Encoding: gzip\r\n") {
		t.Errorf("non-HTML request should keep Accept-Encoding: %q", origin.lastRequest())
	}
}

func TestHandle_UnreachableOrigin(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	host := ln.Addr().String()
	_ = ln.Close()

	env := newTestEnv(t, 60)
	got := env.roundTrip(t, htmlRequest(host, "index.html"))

	if len(got) != 0 {
		t.Errorf("client received %d bytes, want 0", len(got))
	}
	entries, err := os.ReadDir(env.dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("cache dir has %d entries, want 0", len(entries))
	}
}

func TestHandle_InvalidRequest(t *testing.T) {
	env := newTestEnv(t, 60)
	if got := env.roundTrip(t, "\r\n\r\n"); len(got) != 0 {
		t.Errorf("client received %q, want nothing", got)
	}
}

func TestHandle_ContentLengthMatchesInjectedBody(t *testing.T) {
	origin := newTestOrigin(t, func(string) []byte { return htmlResponse(page) })
	env := newTestEnv(t, 60)

	resp := env.roundTrip(t, htmlRequest(origin.host(), "index.html"))
	r, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(resp)), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	body, _ := io.ReadAll(r.Body)
	if r.ContentLength != int64(len(body)) {
		t.Errorf("Content-Length = %d, body = %d bytes", r.ContentLength, len(body))
	}
	if int64(len(body)) <= int64(len(page)) {
		t.Errorf("body not extended by banner: %d bytes", len(body))
	}
}

func TestHandle_NoBodyTagPassesThrough(t *testing.T) {
	doc := "<html><head></head></html>"
	origin := newTestOrigin(t, func(string) []byte { return htmlResponse(doc) })
	env := newTestEnv(t, 60)

	got := env.roundTrip(t, htmlRequest(origin.host(), "nobody.html"))
	if !bytes.Equal(got, htmlResponse(doc)) {
		t.Errorf("response = %q, want origin bytes unchanged", got)
	}
}

func TestHandle_OversizedHTMLStreamsWithoutBanner(t *testing.T) {
	big := "<body>\n" + strings.Repeat("x", 500) + "\n"
	origin := newTestOrigin(t, func(string) []byte { return htmlResponse(big) })
	env := newTestEnv(t, 60)
	env.cfg.Origin.MaxHTMLBytes = 64

	got := env.roundTrip(t, htmlRequest(origin.host(), "big.html"))
	if !bytes.Equal(got, htmlResponse(big)) {
		t.Errorf("oversized html should be relayed verbatim, got %d bytes", len(got))
	}
	if stored := cacheFile(t, env.dir, origin.host(), "big.html"); !bytes.Equal(stored, got) {
		t.Error("cache entry should match relayed bytes")
	}
}

func TestHandle_Windows1252Charset(t *testing.T) {
	raw := append([]byte("HTTP/1.0 200 OK\r\nContent-Type: text/html\r\n\r\n<body>\ncaf"), 0xE9, '\n')
	origin := newTestOrigin(t, func(string) []byte { return raw })
	env := newTestEnv(t, 60)
	env.cfg.Origin.Charset = config.CharsetWindows1252

	got := env.roundTrip(t, htmlRequest(origin.host(), "cafe.html"))
	if !strings.Contains(string(got), "café\n") {
		t.Errorf("expected UTF-8 re-encoded body, got %q", got)
	}
}

func TestHandle_Windows1252NoBodyFixesContentLength(t *testing.T) {
	body := append([]byte("<html>caf"), 0xE9, 0xE9, 0xE9, '!')
	raw := append([]byte(fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: %d\r\n\r\n", len(body))), body...)
	origin := newTestOrigin(t, func(string) []byte { return raw })
	env := newTestEnv(t, 60)
	env.cfg.Origin.Charset = config.CharsetWindows1252

	want := "<html>cafééé!"
	if got := bodyOf(t, env.roundTrip(t, htmlRequest(origin.host(), "legacy.html"))); got != want {
		t.Errorf("fresh body = %q, want %q", got, want)
	}
	if got := bodyOf(t, cacheFile(t, env.dir, origin.host(), "legacy.html")); got != want {
		t.Errorf("cached body = %q, want %q", got, want)
	}
}

func TestHandle_HTMLClientGoneStillCaches(t *testing.T) {
	origin := newTestOrigin(t, func(string) []byte { return htmlResponse(page) })
	env := newTestEnv(t, 60)

	clientSide, proxySide := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.svc.Handle(context.Background(), proxySide)
	}()
	if _, err := clientSide.Write([]byte(htmlRequest(origin.host(), "index.html"))); err != nil {
		t.Fatalf("write request: %v", err)
	}
	_ = clientSide.Close()
	<-done

	stored := cacheFile(t, env.dir, origin.host(), "index.html")
	if !strings.Contains(string(stored), banner.CachedLabel) {
		t.Errorf("cache entry should hold the cached-wording banner, got %q", stored)
	}
}

func TestHandle_StreamClientGoneDiscardsEntry(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 64*chunkSize)
	resp := append([]byte("HTTP/1.1 200 OK\r\nContent-Type: application/octet-stream\r\n\r\n"), payload...)
	origin := newTestOrigin(t, func(string) []byte { return resp })
	env := newTestEnv(t, 60)

	clientSide, proxySide := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.svc.Handle(context.Background(), proxySide)
	}()
	req := "GET http://" + origin.host() + "/file.bin HTTP/1.1\r\nHost: localhost\r\n\r\n"
	if _, err := clientSide.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}
	if _, err := io.ReadFull(clientSide, make([]byte, 100)); err != nil {
		t.Fatalf("read first bytes: %v", err)
	}
	_ = clientSide.Close()
	<-done

	if _, err := os.Stat(filepath.Join(env.dir, cache.Key(origin.host(), "file.bin"))); !os.IsNotExist(err) {
		t.Errorf("truncated entry should not be cached, stat err = %v", err)
	}
	entries, _ := os.ReadDir(env.dir)
	if len(entries) != 0 {
		t.Errorf("cache dir has %d leftover entries, want 0", len(entries))
	}
}

func TestHandle_ConcurrentMissesFetchOnce(t *testing.T) {
	origin := newTestOrigin(t, func(string) []byte {
		time.Sleep(100 * time.Millisecond)
		return htmlResponse(page)
	})
	env := newTestEnv(t, 60)

	var wg sync.WaitGroup
	results := make([][]byte, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = env.roundTrip(t, htmlRequest(origin.host(), "index.html"))
		}()
	}
	wg.Wait()

	if got := origin.hits.Load(); got != 1 {
		t.Errorf("origin hits = %d, want 1", got)
	}
	fresh := 0
	for _, r := range results {
		if strings.Contains(string(r), banner.FreshLabel) {
			fresh++
		}
	}
	if fresh != 1 {
		t.Errorf("%d responses were fresh, want exactly 1", fresh)
	}
}
