package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "chainride", Name: "ledger_events_ingested_total", Help: "Ledger events applied to the mirror"},
		[]string{"kind"},
	)
	EventsDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "chainride", Name: "ledger_events_discarded_total", Help: "Ledger events discarded after re-validation"},
		[]string{"kind", "reason"},
	)
	LedgerDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{Namespace: "chainride", Name: "ledger_degraded", Help: "1 when the ledger health probe is failing"},
	)

	OffersPushed = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "chainride", Name: "offers_pushed_total", Help: "Order offers pushed to provider channels"},
	)
	PushFailures = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "chainride", Name: "offer_push_failures_total", Help: "Best-effort offer pushes that failed"},
	)
	ProvidersOnline = promauto.NewGauge(
		prometheus.GaugeOpts{Namespace: "chainride", Name: "providers_online", Help: "Providers currently online"},
	)
	PendingOrders = promauto.NewGauge(
		prometheus.GaugeOpts{Namespace: "chainride", Name: "pending_orders", Help: "Orders awaiting a provider"},
	)
	PendingEvicted = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "chainride", Name: "pending_evicted_total", Help: "Pending orders evicted by the sweep"},
	)
	PresenceEvicted = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "chainride", Name: "presence_evicted_total", Help: "Provider presences evicted for stale heartbeats"},
	)

	ResolverCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "chainride", Name: "resolver_cache_hits_total", Help: "Resolver queries served from cache"},
	)
	ResolverCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "chainride", Name: "resolver_cache_misses_total", Help: "Resolver queries that scanned the ledger"},
	)
	ResolverSkippedReads = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "chainride", Name: "resolver_skipped_reads_total", Help: "Per-order reads skipped for errors or timeouts"},
	)
	ResolverStaleServes = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "chainride", Name: "resolver_stale_serves_total", Help: "Resolver responses served from the last good value"},
	)

	TripsActive = promauto.NewGauge(
		prometheus.GaugeOpts{Namespace: "chainride", Name: "trips_active", Help: "Trips currently being tracked"},
	)
	ArchivePuts = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "chainride", Name: "archive_puts_total", Help: "Finalized trips archived"},
	)
	ArchiveFailures = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "chainride", Name: "archive_failures_total", Help: "Best-effort archive puts that failed"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "chainride", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chainride",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
