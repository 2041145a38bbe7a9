// Package banner injects the fresh/cached notification box into HTML
// responses.
package banner

import (
	"bytes"
	"strconv"
	"time"
)

// TimeLayout is the local-time format shown in the banner.
const TimeLayout = "2006-01-02 15:04:05"

const (
	boxOpen = `<p style="z-index:9999; position:fixed; top:20px; left:20px; ` +
		`width:200px; height:100px; background-color:yellow; padding:10px; ` +
		`font-weight:bold;">`
	boxClose = "</p>\n"

	FreshLabel  = "FRESH VERSION AT: "
	CachedLabel = "CACHED VERSION AS OF: "
)

var bodyTag = []byte("<body")

// Markup returns the banner element for label stamped with at.
func Markup(label string, at time.Time) string {
	return boxOpen + label + at.Local().Format(TimeLayout) + boxClose
}

// Inject inserts the banner right after the line holding the first <body
// tag. fresh carries the FRESH wording for the client, cached carries the
// CACHED wording for storage; both share the same timestamp. When there is
// no <body tag, or no line break after it, ok is false and both variants
// are resp itself.
func Inject(resp []byte, at time.Time) (fresh, cached []byte, ok bool) {
	i := bytes.Index(resp, bodyTag)
	if i < 0 {
		return resp, resp, false
	}
	nl := bytes.IndexByte(resp[i+1:], '\n')
	if nl < 0 {
		return resp, resp, false
	}
	cut := i + 1 + nl + 1

	fresh = splice(resp, cut, Markup(FreshLabel, at))
	cached = splice(resp, cut, Markup(CachedLabel, at))
	return fresh, cached, true
}

func splice(b []byte, at int, insert string) []byte {
	out := make([]byte, 0, len(b)+len(insert))
	out = append(out, b[:at]...)
	out = append(out, insert...)
	return append(out, b[at:]...)
}

// FixContentLength rewrites a Content-Length header in the response head to
// match the actual body length. Responses without a complete head or
// without the header are returned unchanged.
func FixContentLength(resp []byte) []byte {
	headEnd, bodyStart := splitHead(resp)
	if headEnd < 0 {
		return resp
	}
	bodyLen := strconv.Itoa(len(resp) - bodyStart)

	lineStart := 0
	for lineStart < headEnd {
		lineEnd := bytes.IndexByte(resp[lineStart:headEnd], '\n')
		if lineEnd < 0 {
			lineEnd = headEnd
		} else {
			lineEnd += lineStart
		}
		line := resp[lineStart:lineEnd]
		if name, _, found := bytes.Cut(line, []byte(":")); found && bytes.EqualFold(bytes.TrimSpace(name), []byte("Content-Length")) {
			valueStart := lineStart + len(name) + 1
			valueEnd := lineEnd
			if valueEnd > valueStart && resp[valueEnd-1] == '\r' {
				valueEnd--
			}
			out := make([]byte, 0, len(resp)+len(bodyLen))
			out = append(out, resp[:valueStart]...)
			out = append(out, ' ')
			out = append(out, bodyLen...)
			return append(out, resp[valueEnd:]...)
		}
		lineStart = lineEnd + 1
	}
	return resp
}

// splitHead returns the end of the header block and the start of the body,
// or -1, -1 when the head is incomplete.
func splitHead(resp []byte) (headEnd, bodyStart int) {
	if i := bytes.Index(resp, []byte("\r\n\r\n")); i >= 0 {
		return i, i + 4
	}
	if i := bytes.Index(resp, []byte("\n\n")); i >= 0 {
		return i, i + 2
	}
	return -1, -1
}
