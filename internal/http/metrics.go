package httpx

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
)

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "merfy",
			Subsystem: "sitehost",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})

		r.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "merfy",
			Subsystem: "sitehost",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"})

		r.rateLimitHits = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "merfy",
			Subsystem: "sitehost",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route", "key"})

		r.publishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "merfy",
			Subsystem: "sitehost",
			Name:      "publishes_total",
			Help:      "Publish operations by outcome",
		}, []string{"outcome"})

		r.buildTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "merfy",
			Subsystem: "sitehost",
			Name:      "builds_total",
			Help:      "Build requests by outcome",
		}, []string{"outcome"})

		collectors := map[prometheus.Collector]func(prometheus.Collector){
			r.requestTotal:   func(c prometheus.Collector) { r.requestTotal = c.(*prometheus.CounterVec) },
			r.requestLatency: func(c prometheus.Collector) { r.requestLatency = c.(*prometheus.HistogramVec) },
			r.rateLimitHits:  func(c prometheus.Collector) { r.rateLimitHits = c.(*prometheus.CounterVec) },
			r.publishTotal:   func(c prometheus.Collector) { r.publishTotal = c.(*prometheus.CounterVec) },
			r.buildTotal:     func(c prometheus.Collector) { r.buildTotal = c.(*prometheus.CounterVec) },
		}
		for collector, assign := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					assign(are.ExistingCollector)
				}
			}
		}
		r.metricsInitialized = true
	})
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if !r.metricsInitialized {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestLatency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(route, key string) {
	if !r.metricsInitialized {
		return
	}
	r.rateLimitHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}

func (r *Router) recordPublish(outcome string) {
	if !r.metricsInitialized {
		return
	}
	r.publishTotal.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func (r *Router) recordBuild(outcome string) {
	if !r.metricsInitialized {
		return
	}
	r.buildTotal.With(prometheus.Labels{"outcome": outcome}).Inc()
}
