// Package admission is the inbound counterpart to dispatch: where
// dispatch.UrlDispatcher admits outbound requests per upstream endpoint,
// this package admits inbound requests per calling client, combining a
// request-rate limit and a concurrency bulkhead behind one decision.
//
// It reuses dispatch/domain.StatsStore for telemetry rather than
// defining its own, so a gateway binary that wires both concerns
// records admission events through one shared interface.
package admission

import "context"

// ClientKey identifies the inbound caller an admission decision applies
// to (an IP address, an API key, a header value) — the client-side
// analogue of dispatch/domain.EndpointKey on the outbound side.
type ClientKey string

// RateLimiter decides whether a client may make another request right
// now. Implementations may be token-bucket, leaky-bucket, or anything
// else that can answer Allow without blocking.
type RateLimiter interface {
	Allow(ClientKey) bool
}

// Bulkhead bounds how many requests may be in flight at once, independent
// of client identity. Acquire blocks until a slot is free or ctx ends;
// the returned release must be called exactly once.
type Bulkhead interface {
	Acquire(ctx context.Context) (release func(), ok bool)
}
