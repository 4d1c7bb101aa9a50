// Package metrics exposes the relay's Prometheus counters, gauges, and
// histogram, plus the /metrics and /health HTTP handlers.
package metrics

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syslog_messages_received_total",
		Help: "Messages successfully parsed off an input listener.",
	}, []string{"protocol", "facility", "severity"})

	messagesForwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syslog_messages_forwarded_total",
		Help: "Messages successfully delivered to a destination.",
	}, []string{"destination"})

	messagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syslog_messages_dropped_total",
		Help: "Messages dropped by the filter engine, by reason.",
	}, []string{"reason"})

	messagesParseErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syslog_messages_parse_errors_total",
		Help: "Messages that failed to parse, by input protocol.",
	}, []string{"protocol"})

	destinationUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "syslog_destination_up",
		Help: "1 if the destination's forwarder is currently connected, else 0.",
	}, []string{"destination"})

	processingLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "syslog_processing_latency_seconds",
		Help:    "Wall-clock time spent evaluating the filter engine for one message.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}, []string{"filter"})

	activeConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "syslog_active_connections",
		Help: "Open TCP connections per input.",
	}, []string{"input"})
)

// registry is a dedicated registry rather than the global default so that
// repeated test construction of the metrics surface (e.g. multiple
// Orchestrators in one test binary) doesn't panic on duplicate
// registration.
var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(
		messagesReceived,
		messagesForwarded,
		messagesDropped,
		messagesParseErrors,
		destinationUp,
		processingLatency,
		activeConnections,
	)
}

// MessagesReceived increments the received counter for one parsed message.
func MessagesReceived(protocol string, facility, severity int) {
	messagesReceived.WithLabelValues(protocol, strconv.Itoa(facility), strconv.Itoa(severity)).Inc()
}

// MessagesForwarded increments the forwarded counter for one destination.
func MessagesForwarded(destination string) {
	messagesForwarded.WithLabelValues(destination).Inc()
}

// MessagesDropped increments the dropped counter for one reason
// ("filter:<name>" or "no_match").
func MessagesDropped(reason string) {
	messagesDropped.WithLabelValues(reason).Inc()
}

// MessagesParseError increments the parse-error counter for one protocol.
func MessagesParseError(protocol string) {
	messagesParseErrors.WithLabelValues(protocol).Inc()
}

// SetDestinationUp sets the up/down gauge for one destination.
func SetDestinationUp(destination string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	destinationUp.WithLabelValues(destination).Set(v)
}

// ProcessingLatency observes one filter-evaluation duration.
func ProcessingLatency(filter string, d time.Duration) {
	processingLatency.WithLabelValues(filter).Observe(d.Seconds())
}

// IncActiveConnections bumps the active-connection gauge for one input.
func IncActiveConnections(input string) {
	activeConnections.WithLabelValues(input).Inc()
}

// DecActiveConnections drops the active-connection gauge for one input.
func DecActiveConnections(input string) {
	activeConnections.WithLabelValues(input).Dec()
}

// Server is the HTTP surface exposing /metrics and /health, per §6.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer builds a metrics HTTP server bound to addr. It does not start
// listening until Start is called.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start begins serving in a background goroutine. Bind failures are
// returned synchronously; later accept-loop errors are dropped (the
// http.Server is torn down by Stop).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	go s.srv.Serve(ln)
	return nil
}

// Stop gracefully shuts the metrics server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
