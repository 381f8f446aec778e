package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/landsendsolo/junkshop-live/checkout"
	"github.com/landsendsolo/junkshop-live/service/reconcile"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"handler", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "method"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
}

// Server is the thin HTTP boundary over the checkout client and the
// reconciliation engine. It owns response-code mapping and nothing else.
type Server struct {
	checkout   checkout.IClient
	reconciler reconcile.IService
}

func New(checkoutClient checkout.IClient, reconciler reconcile.IService) *Server {
	return &Server{
		checkout:   checkoutClient,
		reconciler: reconciler,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/webhooks/sumup", instrument("webhook", http.HandlerFunc(s.handleWebhook)))
	mux.Handle("/api/checkout", instrument("checkout", http.HandlerFunc(s.handleCreateCheckout)))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// handleWebhook receives SumUp outcome notifications. A 200 tells the
// gateway to stop retrying, including for idempotent no-ops; a 500 invites
// redelivery, which is safe because the engine is idempotent.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 10*1024)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	n, err := reconcile.ParseNotification(body)
	if err != nil {
		log.Printf("rejecting webhook payload: %v", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	err = s.reconciler.ApplyOutcome(r.Context(), n)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	case errors.Is(err, reconcile.ErrMalformedNotification):
		http.Error(w, "Bad Request", http.StatusBadRequest)
	case errors.Is(err, reconcile.ErrOrderNotFound):
		log.Printf("no order for checkout reference %q", n.Reference)
		http.Error(w, "Order Not Found", http.StatusNotFound)
	default:
		log.Printf("failed to process webhook: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 10*1024)
	var req checkout.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	session, err := s.checkout.CreateCheckout(r.Context(), req)
	var gatewayErr *checkout.GatewayError
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(session)
	case errors.Is(err, checkout.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, checkout.ErrNotConfigured):
		log.Printf("checkout rejected: %v", err)
		http.Error(w, "payment system not configured", http.StatusServiceUnavailable)
	case errors.As(err, &gatewayErr):
		log.Printf("sumup rejected checkout: %v", gatewayErr)
		http.Error(w, gatewayErr.Reason, http.StatusBadGateway)
	default:
		log.Printf("failed to create checkout: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// instrument records request counts and latency per handler.
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		httpRequestsTotal.WithLabelValues(name, r.Method, strconv.Itoa(recorder.status)).Inc()
		httpRequestDuration.WithLabelValues(name, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
