// Package request parses raw client request heads and rewrites them for
// the origin server.
package request

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"banner-cache-proxy/internal/model"
)

// ErrEmptyRequest is returned when the client closed the connection before sending anything.
var ErrEmptyRequest = errors.New("empty request")

// ReadHead reads from r until the blank line that ends the header block.
// At most limit bytes are returned; a longer head is truncated and handed
// back as-is so callers can extract what they can.
func ReadHead(r io.Reader, limit int) ([]byte, error) {
	br := bufio.NewReader(r)
	head := make([]byte, 0, 1024)
	// midLine is set while a line longer than the reader's buffer is being
	// consumed; its tail must not be mistaken for the blank line.
	midLine := false

	for len(head) < limit {
		line, err := br.ReadSlice('\n')
		if room := limit - len(head); len(line) > room {
			line = line[:room]
		}
		head = append(head, line...)

		switch {
		case err == nil:
			if !midLine && isBlank(line) {
				return head, nil
			}
			midLine = false
		case errors.Is(err, bufio.ErrBufferFull):
			midLine = true
		case errors.Is(err, io.EOF):
			if len(head) == 0 {
				return nil, ErrEmptyRequest
			}
			return head, nil
		default:
			if len(head) == 0 {
				return nil, fmt.Errorf("read request head: %w", err)
			}
			return head, nil
		}
	}
	return head, nil
}

func isBlank(line []byte) bool {
	return string(line) == "\n" || string(line) == "\r\n"
}

// Parse derives the request descriptor from a raw request head.
func Parse(raw string) model.RequestDescriptor {
	host, path := ParseTarget(raw)
	return model.RequestDescriptor{
		Host:      host,
		Path:      path,
		WantsHTML: WantsHTML(raw),
	}
}

// ParseTarget extracts host and path from the request line. The target may
// be absolute-form (GET http://host/path HTTP/1.1) or name the host as the
// first path segment (GET /host/path HTTP/1.1). Query strings and fragments
// stay part of path.
func ParseTarget(raw string) (host, path string) {
	_, rest, ok := strings.Cut(firstLine(raw), " ")
	if !ok {
		return "", ""
	}
	target, _, _ := strings.Cut(rest, " ")

	if len(target) >= len("http://") && strings.EqualFold(target[:len("http://")], "http://") {
		target = target[len("http://"):]
	} else {
		target = strings.TrimPrefix(target, "/")
	}

	host, path, _ = strings.Cut(target, "/")
	return host, path
}

// WantsHTML reports whether any line of the request contains text/html.
// Only the substring is checked; the header name is not.
func WantsHTML(raw string) bool {
	for line := range strings.SplitSeq(raw, "\n") {
		if strings.Contains(line, "text/html") {
			return true
		}
	}
	return false
}

// RewriteForOrigin turns the client's request head into one addressed to
// the origin: origin-form request line, Host set to the extracted host and,
// for HTML requests, an identity Accept-Encoding so the body can be edited
// as text. The response is framed by the origin closing the connection, so
// any Connection header is replaced with "Connection: close". Lines are
// terminated with CRLF.
func RewriteForOrigin(raw string, d model.RequestDescriptor) []byte {
	var b strings.Builder
	b.Grow(len(raw) + 64)

	b.WriteString("GET /" + d.Path + " HTTP/1.1\r\n")

	lines := strings.Split(raw, "\n")
	hostDone := false
	encodingDone := !d.WantsHTML
	for _, line := range lines[1:] {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			break
		}
		switch {
		case !hostDone && strings.Contains(line, "Host:"):
			line = "Host: " + d.Host
			hostDone = true
		case !encodingDone && strings.Contains(line, "Accept-Encoding:"):
			line = "Accept-Encoding: identity"
			encodingDone = true
		case isConnectionHeader(line):
			continue
		}
		b.WriteString(line + "\r\n")
	}

	if !hostDone {
		b.WriteString("Host: " + d.Host + "\r\n")
	}
	b.WriteString("Connection: close\r\n\r\n")
	return []byte(b.String())
}

func isConnectionHeader(line string) bool {
	name, _, ok := strings.Cut(line, ":")
	if !ok {
		return false
	}
	name = strings.TrimSpace(name)
	return strings.EqualFold(name, "Connection") || strings.EqualFold(name, "Proxy-Connection")
}

func firstLine(raw string) string {
	line, _, _ := strings.Cut(raw, "\n")
	return strings.TrimSuffix(line, "\r")
}
