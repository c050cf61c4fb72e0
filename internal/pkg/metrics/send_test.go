package metrics

import (
	"testing"
	"time"
)

func TestSendCollector_Snapshot(t *testing.T) {
	c := NewSendCollector()

	c.Attempt("acme", "start")
	c.Attempt("acme", "start")
	c.Outcome("acme", "start", true, false, 120*time.Millisecond)
	c.Outcome("acme", "start", false, true, 80*time.Millisecond)
	c.RateLimited("acme", "start")
	c.CacheLookup("acme", true)
	c.CacheLookup("acme", false)
	c.Outcome("other", "shot", true, false, 10*time.Millisecond)

	all := c.Snapshot("")
	if len(all) != 3 {
		t.Fatalf("snapshot series = %d, want 3", len(all))
	}

	filtered := c.Snapshot("acme:start")
	if len(filtered) != 1 {
		t.Fatalf("filtered series = %d, want 1", len(filtered))
	}
	s := filtered[0]
	if s.Attempts != 2 || s.OK != 1 || s.Err != 1 {
		t.Fatalf("counters = %+v", s)
	}
	if s.DedupeHits != 1 {
		t.Fatalf("dedupe hits = %d, want 1", s.DedupeHits)
	}
	if s.Count429 != 1 {
		t.Fatalf("429 count = %d, want 1", s.Count429)
	}
	if s.SendP50Ms == 0 {
		t.Fatal("expected latency samples")
	}

	cacheRows := c.Snapshot("acme:cache")
	if len(cacheRows) != 1 || cacheRows[0].CacheHits != 1 || cacheRows[0].CacheMiss != 1 {
		t.Fatalf("cache series = %+v", cacheRows)
	}
}

func TestPercentiles(t *testing.T) {
	p50, p95, p99 := percentiles(nil)
	if p50 != 0 || p95 != 0 || p99 != 0 {
		t.Fatal("empty samples must yield zeros")
	}

	samples := make([]float64, 100)
	for i := range samples {
		samples[i] = float64(i + 1)
	}
	p50, p95, p99 = percentiles(samples)
	if p50 < 49 || p50 > 51 {
		t.Fatalf("p50 = %v", p50)
	}
	if p95 < 94 || p95 > 96 {
		t.Fatalf("p95 = %v", p95)
	}
	if p99 < 98 || p99 > 100 {
		t.Fatalf("p99 = %v", p99)
	}
}
