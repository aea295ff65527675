// Package metrics exposes Prometheus collectors for the crawl service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlOpsTotal              *prometheus.CounterVec
	crawlSkippedTotal          *prometheus.CounterVec
	crawlDurationSeconds       *prometheus.HistogramVec
	pagesFetchedTotal          *prometheus.CounterVec
	cooldownWaitsTotal         prometheus.Counter
	parseFailuresTotal         *prometheus.CounterVec
	quotesInsertedTotal        prometheus.Counter
	charactersTracked          prometheus.Gauge
	sessionAuthenticated       prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		crawlOpsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadwatch_crawl_ops_total",
				Help: "Completed crawl operations, labeled by op and outcome.",
			},
			[]string{"op", "status"},
		)

		crawlSkippedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadwatch_crawl_skipped_total",
				Help: "Crawl operations skipped because the same op was already running.",
			},
			[]string{"op"},
		)

		crawlDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "threadwatch_crawl_duration_seconds",
				Help:    "Wall time of crawl operations, labeled by op.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"op"},
		)

		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadwatch_pages_fetched_total",
				Help: "Pages fetched from the board, labeled by outcome.",
			},
			[]string{"status"},
		)

		cooldownWaitsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "threadwatch_cooldown_waits_total",
				Help: "Times the search cooldown interstitial forced a wait.",
			},
		)

		parseFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadwatch_parse_failures_total",
				Help: "Pages whose markup did not match the expected shape, labeled by page kind.",
			},
			[]string{"page"},
		)

		quotesInsertedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "threadwatch_quotes_inserted_total",
				Help: "New quotes stored after dedup.",
			},
		)

		charactersTracked = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "threadwatch_characters_tracked",
				Help: "Characters currently on the watch list.",
			},
		)

		sessionAuthenticated = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "threadwatch_session_authenticated",
				Help: "1 when the board session is a logged-in member, 0 for guest.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCrawlOp records one finished crawl operation.
func ObserveCrawlOp(op, status string, duration time.Duration) {
	crawlOpsTotal.WithLabelValues(op, status).Inc()
	crawlDurationSeconds.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveCrawlSkipped records an overlap skip.
func ObserveCrawlSkipped(op string) {
	crawlSkippedTotal.WithLabelValues(op).Inc()
}

// ObservePageFetched records one page fetch outcome.
func ObservePageFetched(status string) {
	pagesFetchedTotal.WithLabelValues(status).Inc()
}

// ObserveCooldownWait counts a cooldown pause.
func ObserveCooldownWait() {
	cooldownWaitsTotal.Inc()
}

// ObserveParseFailure counts an unexpected-markup page.
func ObserveParseFailure(page string) {
	parseFailuresTotal.WithLabelValues(page).Inc()
}

// AddQuotesInserted counts newly stored quotes.
func AddQuotesInserted(n int) {
	quotesInsertedTotal.Add(float64(n))
}

// SetCharactersTracked publishes the watch-list size.
func SetCharactersTracked(n int) {
	charactersTracked.Set(float64(n))
}

// SetSessionAuthenticated publishes the login state.
func SetSessionAuthenticated(ok bool) {
	v := 0.0
	if ok {
		v = 1.0
	}
	sessionAuthenticated.Set(v)
}

// ObserveHTTPRequest records one served API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
