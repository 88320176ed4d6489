// Package metrics provides Prometheus metrics for ingestion and querying.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds the collectors on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	DocumentsTotal       *prometheus.CounterVec
	ChunksIndexedTotal   *prometheus.CounterVec
	EmbeddingFailures    prometheus.Counter
	ExternalCallsTotal   *prometheus.CounterVec
	ExternalCallDuration *prometheus.HistogramVec
	QueriesTotal         *prometheus.CounterVec
	SubQuestions         prometheus.Histogram
	IndexSize            prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{Registry: reg}

	m.DocumentsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_documents_ingested_total",
			Help: "Documents processed by the ingestion pipeline",
		},
		[]string{"status"},
	)
	m.ChunksIndexedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_chunks_indexed_total",
			Help: "Chunks written to the index by content type",
		},
		[]string{"type"},
	)
	m.EmbeddingFailures = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "rag_embedding_failures_total",
			Help: "Chunks excluded from the index because embedding failed",
		},
	)
	m.ExternalCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_external_calls_total",
			Help: "Calls to captioning, embedding and completion services",
		},
		[]string{"service", "status"},
	)
	m.ExternalCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rag_external_call_duration_seconds",
			Help:    "Duration of external service calls including retries",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"service"},
	)
	m.QueriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_queries_total",
			Help: "Questions answered by outcome",
		},
		[]string{"status"},
	)
	m.SubQuestions = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rag_sub_questions",
			Help:    "Sub-questions per query after decomposition",
			Buckets: []float64{1, 2, 3, 4, 6, 8},
		},
	)
	m.IndexSize = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "rag_index_chunks",
			Help: "Chunks currently held by the index",
		},
	)
	return m
}

func (m *Metrics) RecordDocument(status string) {
	if m == nil {
		return
	}
	m.DocumentsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordIndexed(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ChunksIndexedTotal.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) RecordEmbeddingFailures(n int) {
	if m == nil || n == 0 {
		return
	}
	m.EmbeddingFailures.Add(float64(n))
}

func (m *Metrics) RecordExternalCall(service string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ExternalCallsTotal.WithLabelValues(service, status).Inc()
	m.ExternalCallDuration.WithLabelValues(service).Observe(duration.Seconds())
}

func (m *Metrics) RecordQuery(status string, subQuestions int) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(status).Inc()
	if subQuestions > 0 {
		m.SubQuestions.Observe(float64(subQuestions))
	}
}

func (m *Metrics) SetIndexSize(n int) {
	if m == nil {
		return
	}
	m.IndexSize.Set(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics and /health on addr until ctx is done.
func Serve(ctx context.Context, addr string, m *Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"multimodal-rag"}`))
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Metrics endpoint available")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
