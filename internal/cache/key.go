package cache

import (
	"strings"
	"time"
)

// Key returns the flat cache entry name for a host and path. Path
// separators become '-', so distinct pairs that differ only in where their
// separators fall map to the same key.
func Key(host, path string) string {
	return strings.ReplaceAll(host+"-"+path+".txt", "/", "-")
}

// Fresh reports whether an entry written at writtenAt may still be served
// at now. A zero ttl makes every entry stale.
func Fresh(writtenAt, now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(writtenAt) <= ttl
}
