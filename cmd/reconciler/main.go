package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/chainride/internal/logging"
	"github.com/example/chainride/internal/mirror"
	"github.com/example/chainride/internal/stats"
)

var (
	runsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_runs_total",
		Help: "Total reconciliation passes attempted",
	})
	runsDirty = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_runs_dirty_total",
		Help: "Passes abandoned because live events updated the summary mid-scan",
	})
	runsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_runs_failed_total",
		Help: "Passes that failed on a store error",
	})
	lastRunUnix = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reconciler_last_success_timestamp_seconds",
		Help: "Unix time of the last successful reconciliation",
	})
)

func init() {
	prometheus.MustRegister(runsTotal, runsDirty, runsFailed, lastRunUnix)
}

func main() {
	var (
		metricsAddr string
		interval    time.Duration
		retries     int
	)
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.DurationVar(&interval, "interval", 0, "rerun period; 0 runs once and exits")
	flag.IntVar(&retries, "retries", 3, "attempts per pass when live writes race the scan")
	flag.Parse()

	logger := logging.NewLogger(os.Getenv("LOG_LEVEL"))

	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		logger.Error("PG_DSN is required")
		os.Exit(1)
	}
	store, err := mirror.NewPostgresStore(dsn)
	if err != nil {
		logger.Error("postgres unavailable", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	feePercent := int64(5)
	if v := os.Getenv("FEE_PERCENT"); v != "" {
		p, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			logger.Error("invalid FEE_PERCENT", "value", v, "error", err)
			os.Exit(1)
		}
		feePercent = p
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if interval > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(200)
				w.Write([]byte("ok"))
			})
			logger.Info("metrics listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	svc := stats.New(store, feePercent, logger)
	if err := svc.Load(ctx); err != nil {
		logger.Warn("summary load failed, reconciling from zero", "error", err)
	}

	if interval <= 0 {
		if err := reconcileOnce(ctx, svc, retries, logger); err != nil {
			os.Exit(1)
		}
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		_ = reconcileOnce(ctx, svc, retries, logger)
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-ticker.C:
		}
	}
}

// reconcileOnce rebuilds the platform summary from the order mirror. A
// dirty pass means live ingestion advanced the summary mid-scan; those
// retry after a short backoff since the incremental path already has the
// newer data.
func reconcileOnce(ctx context.Context, svc *stats.Service, retries int, logger *slog.Logger) error {
	backoff := 200 * time.Millisecond
	var err error
	for attempt := 1; attempt <= retries; attempt++ {
		runsTotal.Inc()
		sum, rerr := svc.Reconcile(ctx)
		err = rerr
		if err == nil {
			lastRunUnix.Set(float64(time.Now().Unix()))
			logger.Info("reconciled",
				"transactions", sum.Transactions,
				"disputes_opened", sum.DisputesOpened,
				"disputes_resolved", sum.DisputesResolved,
				"revenue", sum.Revenue.String(),
				"fees", sum.Fees.String(),
			)
			return nil
		}
		if errors.Is(err, stats.ErrDirtyReconcile) {
			runsDirty.Inc()
			logger.Warn("live writes raced the scan, retrying", "attempt", attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}
		runsFailed.Inc()
		logger.Error("reconciliation failed", "error", err)
		return err
	}
	logger.Warn("gave up after repeated dirty passes", "retries", retries)
	return err
}
