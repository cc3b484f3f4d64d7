// Package metrics exposes Prometheus instrumentation for the virtual
// filesystem. A nil *Collector is valid and records nothing, so callers
// never need to guard instrumentation sites.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the filesystem metric families.
type Collector struct {
	requests  *prometheus.CounterVec
	retries   *prometheus.CounterVec
	bytesDown prometheus.Counter
	bytesUp   prometheus.Counter
	listings  prometheus.Counter
	cacheHits *prometheus.CounterVec
}

// NewCollector builds a collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vfs_requests_total",
			Help: "Object store requests by HTTP verb and outcome.",
		}, []string{"verb", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vfs_request_retries_total",
			Help: "Request retries by HTTP verb.",
		}, []string{"verb"}),
		bytesDown: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vfs_bytes_downloaded_total",
			Help: "Object bytes read from the store.",
		}),
		bytesUp: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vfs_bytes_uploaded_total",
			Help: "Object bytes written to the store.",
		}),
		listings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vfs_listing_pages_total",
			Help: "Directory listing pages fetched.",
		}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vfs_cache_lookups_total",
			Help: "Property cache lookups by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(c.requests, c.retries, c.bytesDown, c.bytesUp, c.listings, c.cacheHits)
	}
	return c
}

// RecordRequest counts one completed request attempt.
func (c *Collector) RecordRequest(verb, outcome string) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(verb, outcome).Inc()
}

// RecordRetry counts one retried attempt.
func (c *Collector) RecordRetry(verb string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(verb).Inc()
}

// AddBytesDown accumulates downloaded payload bytes.
func (c *Collector) AddBytesDown(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.bytesDown.Add(float64(n))
}

// AddBytesUp accumulates uploaded payload bytes.
func (c *Collector) AddBytesUp(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.bytesUp.Add(float64(n))
}

// RecordListingPage counts one listing page fetch.
func (c *Collector) RecordListingPage() {
	if c == nil {
		return
	}
	c.listings.Inc()
}

// RecordCacheLookup counts a property cache hit or miss.
func (c *Collector) RecordCacheLookup(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.cacheHits.WithLabelValues("hit").Inc()
	} else {
		c.cacheHits.WithLabelValues("miss").Inc()
	}
}
