package infra

import (
	"context"
	"testing"

	"admission-core/dispatch/domain"
)

func TestMemoryStatsStore_RecordAggregatesByEventAndEndpoint(t *testing.T) {
	s := NewMemoryStatsStore()
	key := domain.EndpointKey{Scheme: "https", Host: "example.test", Port: "443"}

	for i := 0; i < 3; i++ {
		_ = s.Record(context.Background(), domain.StatsEvent{Endpoint: key, Class: domain.Short, Event: "admitted"})
	}
	_ = s.Record(context.Background(), domain.StatsEvent{Endpoint: key, Class: domain.Short, Event: "timed_out"})

	total := s.Total()
	if total["admitted"] != 3 {
		t.Fatalf("expected 3 admitted events, got %d", total["admitted"])
	}
	if total["timed_out"] != 1 {
		t.Fatalf("expected 1 timed_out event, got %d", total["timed_out"])
	}

	byEndpoint := s.ByEndpoint()
	counts, ok := byEndpoint[key.String()]
	if !ok {
		t.Fatalf("expected counters for endpoint %s", key)
	}
	if counts["admitted"] != 3 {
		t.Fatalf("expected 3 admitted for endpoint, got %d", counts["admitted"])
	}
}
