package domain

import (
	"context"
	"time"
)

// StatsEvent records one admission-lifecycle transition, kept
// deliberately thin so it can be persisted cheaply at high volume.
//
// Grounded on the teacher's domain.StatsEvent (ratelimit/domain/stats.go):
// same "agnostic, low-cardinality" design, adapted from rate-limit
// allow/deny decisions to admission-control transitions.
type StatsEvent struct {
	Endpoint EndpointKey
	Class    RequestClass
	Event    string // "admitted", "resource_exhausted", "completed", "cancelled", "timed_out", "failed"; "inbound_admitted"/"inbound_rejected" from middleware/admission
	At       time.Time
}

// StatsStore is the persistence strategy for admission telemetry.
// Implementations must treat errors as best-effort: a stats failure
// must never fail or delay the request it is describing.
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}
