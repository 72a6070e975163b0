// Package dispatch provides UrlDispatcher, the embedded-library
// admission controller described in spec.md: synchronous, short-async
// and long-async entry points over a per-endpoint admission gate built
// from dispatch/application, backed by the goroutine-based worker
// threads and HTTP transports in dispatch/infra.
//
// Mirrors the teacher's ratelimit package: domain + application +
// infra stay decoupled from net/http specifics; this package is the
// adapter that wires them together into the public API and, in
// cmd/admission-gateway, a net/http reverse proxy consuming
// it (plus an optional token-bucket rate limiter layered in front,
// exactly as the teacher's cmd/gateway composes its two middlewares).
package dispatch
