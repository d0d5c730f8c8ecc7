// Package metrics holds the Prometheus collectors of the server.
package metrics

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "highload"

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of processed HTTP requests",
		},
		[]string{"method", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_processing_seconds",
			Help:      "Time spent parsing a request and building its response",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)

	responseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes, header included",
			Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		},
		[]string{"method", "status"},
	)

	connectionsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Connections handed to each worker",
		},
		[]string{"worker"},
	)

	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections currently owned by a worker",
		},
	)

	connectionsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_dropped_total",
			Help:      "Connections closed without a complete response, by reason",
		},
		[]string{"reason"},
	)

	acceptErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Failed accept calls",
		},
	)
)

// methodLabel bounds label cardinality: client-supplied methods are arbitrary.
func methodLabel(m string) string {
	switch m {
	case "GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS", "PATCH", "CONNECT", "TRACE":
		return m
	case "":
		return "NONE"
	default:
		return "OTHER"
	}
}

// ObserveRequest records one processed request.
func ObserveRequest(method string, status int, size int, took time.Duration) {
	m, s := methodLabel(method), strconv.Itoa(status)
	requestsTotal.WithLabelValues(m, s).Inc()
	requestDuration.WithLabelValues(m, s).Observe(took.Seconds())
	responseSize.WithLabelValues(m, s).Observe(float64(size))
}

// ConnectionOpened records a connection handed to worker.
func ConnectionOpened(worker int) {
	connectionsAccepted.WithLabelValues(strconv.Itoa(worker)).Inc()
	connectionsActive.Inc()
}

// ConnectionClosed records the end of a connection owned by a worker.
func ConnectionClosed() {
	connectionsActive.Dec()
}

// ConnectionDropped records a connection closed without a full response.
func ConnectionDropped(reason string) {
	connectionsDropped.WithLabelValues(reason).Inc()
}

// AcceptFailed records a transient accept error.
func AcceptFailed() {
	acceptErrors.Inc()
}

// Endpoint serves the default registry on /metrics.
type Endpoint struct {
	srv    *http.Server
	ln     net.Listener
	logger *log.Logger
}

// Listen binds the metrics endpoint to addr.
func Listen(addr string, logger *log.Logger) (*Endpoint, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Endpoint{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ErrorLog:          logger,
		},
		ln:     ln,
		logger: logger,
	}, nil
}

// Addr returns the bound address.
func (e *Endpoint) Addr() net.Addr { return e.ln.Addr() }

// Serve blocks until Shutdown is called.
func (e *Endpoint) Serve() {
	e.logger.Printf("Serving metrics on http://%s/metrics", e.ln.Addr())
	if err := e.srv.Serve(e.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		e.logger.Printf("Metrics endpoint stopped: %v", err)
	}
}

// Shutdown stops the endpoint.
func (e *Endpoint) Shutdown(ctx context.Context) error {
	return e.srv.Shutdown(ctx)
}
