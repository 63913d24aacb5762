package metrics

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"time"

	"offsync/internal/action"
	"offsync/internal/log"
	"offsync/internal/queue"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type QueueMetrics struct {
	EnqueueTotal  *prometheus.CounterVec
	DispatchTotal *prometheus.CounterVec
	SyncRunsTotal prometheus.Counter
	QueueDepth    *prometheus.GaugeVec
	RunDuration   prometheus.Histogram
	mgr           *queue.Manager
	logger        *log.Logger
}

func NewQueueMetrics(mgr *queue.Manager, logger *log.Logger) *QueueMetrics {
	metrics := &QueueMetrics{
		EnqueueTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offsync_enqueue_total",
				Help: "Total number of enqueued actions",
			},
			[]string{"type"},
		),
		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offsync_dispatch_total",
				Help: "Total number of dispatch attempts by outcome",
			},
			[]string{"type", "outcome"},
		),
		SyncRunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "offsync_sync_runs_total",
				Help: "Total number of completed sync runs",
			},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "offsync_queue_depth",
				Help: "Number of queued actions per status",
			},
			[]string{"status"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "offsync_sync_run_duration_seconds",
				Help:    "Duration of sync runs",
				Buckets: prometheus.DefBuckets,
			},
		),
		mgr:    mgr,
		logger: logger,
	}

	prometheus.MustRegister(
		metrics.EnqueueTotal,
		metrics.DispatchTotal,
		metrics.SyncRunsTotal,
		metrics.QueueDepth,
		metrics.RunDuration,
	)

	return metrics
}

// ObserveDispatch implements the executor's Recorder.
func (m *QueueMetrics) ObserveDispatch(t action.Type, outcome string) {
	m.DispatchTotal.WithLabelValues(string(t), outcome).Inc()
}

// ObserveRun implements the executor's Recorder.
func (m *QueueMetrics) ObserveRun(d time.Duration) {
	m.SyncRunsTotal.Inc()
	m.RunDuration.Observe(d.Seconds())
}

func (m *QueueMetrics) Run(ctx context.Context) {
	logger := m.logger
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    ":2112",
		Handler: mux,
	}

	// Load TLS certificates
	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Fatal("Failed to load TLS certificates for metrics", zap.Error(err))
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warn("TLS_CERT_FILE or TLS_KEY_FILE not set for metrics, using HTTP")
	}

	go m.collectMetrics(ctx)

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Info("Metrics server starting on :2112 with TLS")
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		} else {
			logger.Info("Metrics server starting on :2112 without TLS")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}
	}()
	<-ctx.Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}

func (m *QueueMetrics) collectMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Metrics collection shutting down")
			return
		case <-ticker.C:
			stats := m.mgr.Stats()
			m.QueueDepth.WithLabelValues(string(action.StatusPending)).Set(float64(stats.Pending))
			m.QueueDepth.WithLabelValues(string(action.StatusFailed)).Set(float64(stats.Failed))
			m.QueueDepth.WithLabelValues(string(action.StatusSuccess)).Set(float64(stats.Success))
		}
	}
}
