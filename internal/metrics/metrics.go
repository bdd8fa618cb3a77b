// Package metrics exposes swarm-wide counters and gauges over Prometheus's
// client library, for the optional HTTP endpoint named in Config's
// MetricsEnabled/MetricsBindAddr fields.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BytesDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "swarmd",
		Name:      "bytes_downloaded_total",
		Help:      "Total bytes received from peers across all pieces.",
	})

	BytesUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "swarmd",
		Name:      "bytes_uploaded_total",
		Help:      "Total bytes sent to peers.",
	})

	PiecesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "swarmd",
		Name:      "pieces_completed_total",
		Help:      "Pieces that passed hash verification and were written to disk.",
	})

	PieceHashFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "swarmd",
		Name:      "piece_hash_failures_total",
		Help:      "Pieces discarded due to a SHA-1 mismatch.",
	})

	ActivePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "swarmd",
		Name:      "active_peers",
		Help:      "Number of currently connected peer sessions.",
	})

	AnnounceLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "swarmd",
		Name:      "announce_latency_seconds",
		Help:      "Round-trip latency of tracker announce requests.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Serve blocks, listening on addr and answering /metrics with the process's
// registered collectors. The server is not exposed to the caller, so Serve
// returns only when the listener fails, with that error.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
