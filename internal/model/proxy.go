// Package model defines shared types for the proxy.
package model

// RequestDescriptor is derived once per inbound connection from the raw
// request head and discarded when the connection is closed.
type RequestDescriptor struct {
	Host      string // bare host, optionally with :port
	Path      string // everything after the first '/' up to the next space
	WantsHTML bool   // some request line mentions text/html
}

// Outcome describes how a single client connection was served.
type Outcome string

const (
	OutcomeHit         Outcome = "hit"         // fresh entry replayed from the cache
	OutcomeMiss        Outcome = "miss"        // no entry, fetched from origin
	OutcomeStale       Outcome = "stale"       // expired entry, re-fetched from origin
	OutcomeUnreachable Outcome = "unreachable" // origin connect or send failed
	OutcomeInvalid     Outcome = "invalid"     // request head empty or unparseable
)
