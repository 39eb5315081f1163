package metrics

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Metrics is a simple in-memory token and latency tracker, exposed as a
// JSON snapshot on the management API.
type Metrics struct {
	mu sync.RWMutex

	requestsTotal map[string]int64 // domain:request_type -> count
	statusTotal   map[int]int64
	errorsTotal   int64

	inputTokens  map[string]int64 // domain -> tokens
	outputTokens map[string]int64
	cacheRead    map[string]int64
	cacheCreate  map[string]int64

	durations map[string]*durationMetric // domain -> duration stats
	ttft      map[string]*durationMetric

	inFlight int64
	started  time.Time
}

type durationMetric struct {
	count int64
	sumMs int64
	minMs int64
	maxMs int64
}

func (d *durationMetric) observe(ms int64) {
	if d.count == 0 || ms < d.minMs {
		d.minMs = ms
	}
	if ms > d.maxMs {
		d.maxMs = ms
	}
	d.count++
	d.sumMs += ms
}

func (d *durationMetric) snapshot() map[string]int64 {
	avg := int64(0)
	if d.count > 0 {
		avg = d.sumMs / d.count
	}
	return map[string]int64{
		"count":  d.count,
		"avg_ms": avg,
		"min_ms": d.minMs,
		"max_ms": d.maxMs,
	}
}

func New() *Metrics {
	return &Metrics{
		requestsTotal: make(map[string]int64),
		statusTotal:   make(map[int]int64),
		inputTokens:   make(map[string]int64),
		outputTokens:  make(map[string]int64),
		cacheRead:     make(map[string]int64),
		cacheCreate:   make(map[string]int64),
		durations:     make(map[string]*durationMetric),
		ttft:          make(map[string]*durationMetric),
		started:       time.Now(),
	}
}

// RequestStarted bumps the in-flight gauge.
func (m *Metrics) RequestStarted() {
	m.mu.Lock()
	m.inFlight++
	m.mu.Unlock()
}

// RequestFinished records one completed exchange.
func (m *Metrics) RequestFinished(domain, requestType string, status int, inputTokens, outputTokens, cacheRead, cacheCreate int, durationMS, firstTokenMS int64, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inFlight--
	m.requestsTotal[domain+":"+requestType]++
	m.statusTotal[status]++
	if failed {
		m.errorsTotal++
	}

	m.inputTokens[domain] += int64(inputTokens)
	m.outputTokens[domain] += int64(outputTokens)
	m.cacheRead[domain] += int64(cacheRead)
	m.cacheCreate[domain] += int64(cacheCreate)

	d, ok := m.durations[domain]
	if !ok {
		d = &durationMetric{}
		m.durations[domain] = d
	}
	d.observe(durationMS)

	if firstTokenMS > 0 {
		t, ok := m.ttft[domain]
		if !ok {
			t = &durationMetric{}
			m.ttft[domain] = t
		}
		t.observe(firstTokenMS)
	}
}

// Snapshot returns the current counters as a JSON-friendly map.
func (m *Metrics) Snapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	requests := make(map[string]int64, len(m.requestsTotal))
	for k, v := range m.requestsTotal {
		requests[k] = v
	}
	statuses := make(map[int]int64, len(m.statusTotal))
	for k, v := range m.statusTotal {
		statuses[k] = v
	}

	tokens := make(map[string]map[string]int64)
	for domain, in := range m.inputTokens {
		tokens[domain] = map[string]int64{
			"input":          in,
			"output":         m.outputTokens[domain],
			"cache_read":     m.cacheRead[domain],
			"cache_creation": m.cacheCreate[domain],
		}
	}

	durations := make(map[string]map[string]int64)
	for domain, d := range m.durations {
		durations[domain] = d.snapshot()
	}
	ttft := make(map[string]map[string]int64)
	for domain, d := range m.ttft {
		ttft[domain] = d.snapshot()
	}

	return map[string]any{
		"uptime_seconds": int64(time.Since(m.started).Seconds()),
		"in_flight":      m.inFlight,
		"requests_total": requests,
		"status_total":   statuses,
		"errors_total":   m.errorsTotal,
		"tokens":         tokens,
		"durations":      durations,
		"time_to_first_token": ttft,
	}
}

// Handler serves the snapshot.
func (m *Metrics) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, m.Snapshot())
	}
}
