// Package httpapi exposes the lifecycle operations over HTTP/JSON.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jacentio/waybill/store"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

const maxBodyBytes = 1 << 20

// Lifecycle is the subset of *lifecycle.Controller served over HTTP.
type Lifecycle interface {
	RegisterProduct(ctx context.Context, name, manufacturer, location string) (uint64, error)
	AddSupplyStep(ctx context.Context, productID uint64, location, handler, notes string) (uint64, error)
	MarkDelivered(ctx context.Context, productID uint64, consumerLocation string) error
	ViewProduct(ctx context.Context, productID uint64) (store.Product, error)
	ViewStep(ctx context.Context, stepID uint64) (store.SupplyStep, bool, error)
}

// Options configures a Server.
type Options struct {
	// AuthToken, when set, is required as a Bearer token on mutating routes.
	AuthToken string

	// Gatherer backs GET /metrics. Nil uses prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	Logger *slog.Logger

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server routes HTTP requests to a Lifecycle.
type Server struct {
	lifecycle Lifecycle
	opts      Options
	logger    *slog.Logger
	handler   http.Handler
}

// New creates a server for l.
func New(l Lifecycle, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 5 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{lifecycle: l, opts: opts, logger: opts.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /v1/products", s.authorize(s.handleRegister))
	mux.HandleFunc("POST /v1/products/{id}/steps", s.authorize(s.handleAddStep))
	mux.HandleFunc("POST /v1/products/{id}/delivery", s.authorize(s.handleDeliver))
	mux.HandleFunc("GET /v1/products/{id}", s.handleViewProduct)
	mux.HandleFunc("GET /v1/steps/{id}", s.handleViewStep)

	s.handler = s.withRequestID(mux)
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		s.logger.Info("http server stopped")
		return nil
	}
}

type registerRequest struct {
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Location     string `json:"location"`
}

type registerResponse struct {
	ProductID uint64 `json:"product_id"`
}

type stepRequest struct {
	Location string `json:"location"`
	Handler  string `json:"handler"`
	Notes    string `json:"notes"`
}

type stepResponse struct {
	StepID uint64 `json:"step_id"`
}

type deliveryRequest struct {
	ConsumerLocation string `json:"consumer_location"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.lifecycle.RegisterProduct(r.Context(), req.Name, req.Manufacturer, req.Location)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{ProductID: id})
}

func (s *Server) handleAddStep(w http.ResponseWriter, r *http.Request) {
	productID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req stepRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.lifecycle.AddSupplyStep(r.Context(), productID, req.Location, req.Handler, req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stepResponse{StepID: id})
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	productID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req deliveryRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.lifecycle.MarkDelivered(r.Context(), productID, req.ConsumerLocation); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleViewProduct answers unknown ids with the sentinel body and 200.
func (s *Server) handleViewProduct(w http.ResponseWriter, r *http.Request) {
	productID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	p, err := s.lifecycle.ViewProduct(r.Context(), productID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleViewStep(w http.ResponseWriter, r *http.Request) {
	stepID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	step, found, err := s.lifecycle.ViewStep(r.Context(), stepID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		s.writeError(w, r, fmt.Errorf("step %d: %w", stepID, store.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:     fmt.Sprintf("invalid id %q", r.PathValue("id")),
			RequestID: w.Header().Get(RequestIDHeader),
		})
		return 0, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:     "invalid json: " + err.Error(),
			RequestID: w.Header().Get(RequestIDHeader),
		})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	requestID := w.Header().Get(RequestIDHeader)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"requestID", requestID,
			"error", err,
		)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), RequestID: requestID})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConcurrentModification), errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// authorize requires the configured bearer token. Reads stay open.
func (s *Server) authorize(next http.HandlerFunc) http.HandlerFunc {
	if s.opts.AuthToken == "" {
		return next
	}
	want := []byte(s.opts.AuthToken)
	return func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="waybill"`)
			writeJSON(w, http.StatusUnauthorized, errorResponse{
				Error:     "unauthorized",
				RequestID: w.Header().Get(RequestIDHeader),
			})
			return
		}
		next(w, r)
	}
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
