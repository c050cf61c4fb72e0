package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// sampleWindow bounds how many latency samples are kept per series for
// percentile computation. Oldest samples are overwritten ring-style.
const sampleWindow = 2048

// SendCollector tracks per-tenant/purpose counters and latency
// distributions for the send pipeline. It mirrors the counters into the
// process prometheus registry and additionally keeps rolling samples so
// the admin API can serve p50/p95/p99 directly.
type SendCollector struct {
	mu     sync.Mutex
	series map[string]*series // key: "<slug>:<purpose>"

	attempts    *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
	cacheLookup *prometheus.CounterVec
	sendLatency *prometheus.HistogramVec
	tgLatency   *prometheus.HistogramVec
}

type series struct {
	Attempts   int64
	OK         int64
	Err        int64
	DedupeHits int64
	Count429   int64
	CacheHits  int64
	CacheMiss  int64

	sendMs []float64
	tgMs   []float64
	next   int
	tgNext int
}

// Summary is one admin-facing metrics row.
type Summary struct {
	Key        string  `json:"key"`
	Attempts   int64   `json:"attempts"`
	OK         int64   `json:"ok"`
	Err        int64   `json:"err"`
	DedupeHits int64   `json:"dedupe_hits"`
	Count429   int64   `json:"count_429"`
	CacheHits  int64   `json:"cache_hits"`
	CacheMiss  int64   `json:"cache_miss"`
	SendP50Ms  float64 `json:"send_p50_ms"`
	SendP95Ms  float64 `json:"send_p95_ms"`
	SendP99Ms  float64 `json:"send_p99_ms"`
	TgP50Ms    float64 `json:"telegram_p50_ms"`
	TgP95Ms    float64 `json:"telegram_p95_ms"`
	TgP99Ms    float64 `json:"telegram_p99_ms"`
}

func NewSendCollector() *SendCollector {
	c := &SendCollector{
		series: make(map[string]*series),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sendfleet_send_attempts_total",
			Help: "Telegram send attempts, including retries.",
		}, []string{"bot", "purpose"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sendfleet_send_outcomes_total",
			Help: "Finalized send operations by outcome.",
		}, []string{"bot", "purpose", "outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sendfleet_send_rate_limited_total",
			Help: "HTTP 429 responses observed from Telegram.",
		}, []string{"bot", "purpose"}),
		cacheLookup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sendfleet_media_cache_lookups_total",
			Help: "Media cache lookups at send time by result.",
		}, []string{"bot", "result"}),
		sendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sendfleet_send_latency_seconds",
			Help:    "Total send latency, dedupe insert through finalize.",
			Buckets: prometheus.DefBuckets,
		}, []string{"bot", "purpose"}),
		tgLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sendfleet_telegram_latency_seconds",
			Help:    "Telegram HTTP round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"bot", "purpose"}),
	}

	registry.MustRegister(c.attempts, c.outcomes, c.rateLimited, c.cacheLookup, c.sendLatency, c.tgLatency)
	return c
}

func (c *SendCollector) get(slug, purpose string) *series {
	key := slug + ":" + purpose
	s, ok := c.series[key]
	if !ok {
		s = &series{
			sendMs: make([]float64, 0, sampleWindow),
			tgMs:   make([]float64, 0, sampleWindow),
		}
		c.series[key] = s
	}
	return s
}

func (c *SendCollector) Attempt(slug, purpose string) {
	c.attempts.WithLabelValues(slug, purpose).Inc()
	c.mu.Lock()
	c.get(slug, purpose).Attempts++
	c.mu.Unlock()
}

func (c *SendCollector) Outcome(slug, purpose string, ok, dedupeApplied bool, total time.Duration) {
	outcome := "ok"
	if !ok {
		outcome = "err"
	}
	c.outcomes.WithLabelValues(slug, purpose, outcome).Inc()
	c.sendLatency.WithLabelValues(slug, purpose).Observe(total.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.get(slug, purpose)
	if ok {
		s.OK++
	} else {
		s.Err++
	}
	if dedupeApplied {
		s.DedupeHits++
	}
	if len(s.sendMs) < sampleWindow {
		s.sendMs = append(s.sendMs, float64(total.Milliseconds()))
	} else {
		s.sendMs[s.next] = float64(total.Milliseconds())
		s.next = (s.next + 1) % sampleWindow
	}
}

func (c *SendCollector) TelegramRTT(slug, purpose string, d time.Duration) {
	c.tgLatency.WithLabelValues(slug, purpose).Observe(d.Seconds())
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.get(slug, purpose)
	if len(s.tgMs) < sampleWindow {
		s.tgMs = append(s.tgMs, float64(d.Milliseconds()))
	} else {
		s.tgMs[s.tgNext] = float64(d.Milliseconds())
		s.tgNext = (s.tgNext + 1) % sampleWindow
	}
}

func (c *SendCollector) RateLimited(slug, purpose string) {
	c.rateLimited.WithLabelValues(slug, purpose).Inc()
	c.mu.Lock()
	c.get(slug, purpose).Count429++
	c.mu.Unlock()
}

func (c *SendCollector) CacheLookup(slug string, hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	c.cacheLookup.WithLabelValues(slug, result).Inc()
	c.mu.Lock()
	defer c.mu.Unlock()
	// Cache stats are tenant-wide, not purpose-scoped.
	s := c.get(slug, "cache")
	if hit {
		s.CacheHits++
	} else {
		s.CacheMiss++
	}
}

// Snapshot returns summaries for all series, sorted by key. When filter
// is non-empty, only keys containing the filter substring are returned.
func (c *SendCollector) Snapshot(filter string) []Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Summary, 0, len(c.series))
	for key, s := range c.series {
		if filter != "" && !strings.Contains(key, filter) {
			continue
		}
		sum := Summary{
			Key:        key,
			Attempts:   s.Attempts,
			OK:         s.OK,
			Err:        s.Err,
			DedupeHits: s.DedupeHits,
			Count429:   s.Count429,
			CacheHits:  s.CacheHits,
			CacheMiss:  s.CacheMiss,
		}
		sum.SendP50Ms, sum.SendP95Ms, sum.SendP99Ms = percentiles(s.sendMs)
		sum.TgP50Ms, sum.TgP95Ms, sum.TgP99Ms = percentiles(s.tgMs)
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func percentiles(samples []float64) (p50, p95, p99 float64) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	return quantile(sorted, 0.50), quantile(sorted, 0.95), quantile(sorted, 0.99)
}

func quantile(sorted []float64, q float64) float64 {
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}
