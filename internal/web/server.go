package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/settle/internal/domain"
	"github.com/vadiminshakov/settle/internal/services/quotecache"
	"github.com/vadiminshakov/settle/internal/services/transfers"
	"go.uber.org/zap"
)

const (
	outcomePollInterval = 2 * time.Second
	heartbeatInterval   = 30 * time.Second
	maxBodyBytes        = 1 << 16
)

type quoteService interface {
	Quote(ctx context.Context, base, target string, amount decimal.Decimal) (quotecache.Result, error)
}

type transferService interface {
	Submit(ctx context.Context, req domain.TransferRequest, onUpdate transfers.UpdateFunc) (domain.TransferReference, error)
	Get(referenceID string) (domain.ReconciliationState, error)
	Refresh(ctx context.Context, referenceID string) (domain.ReconciliationState, domain.CanonicalStatus, error)
	Cancel(referenceID string) (domain.ReconciliationState, error)
}

type balanceReader interface {
	Balances() map[string]decimal.Decimal
}

type outcomeReader interface {
	EventsAfter(index uint64) ([]domain.TransferOutcomeRecord, error)
}

// Server exposes the quote and transfer API plus an SSE stream of finalized transfers.
type Server struct {
	Addr string

	quotes       quoteService
	transfers    transferService
	balances     balanceReader
	outcomes     outcomeReader
	metrics      http.Handler
	pollInterval time.Duration
	l            *zap.Logger
}

// Option defines a function to configure the Server.
type Option func(*Server)

// WithBalances serves GET /balances.
func WithBalances(b balanceReader) Option {
	return func(s *Server) {
		s.balances = b
	}
}

// WithOutcomes serves GET /outcomes/stream.
func WithOutcomes(o outcomeReader) Option {
	return func(s *Server) {
		s.outcomes = o
	}
}

// WithMetricsHandler serves GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithPollInterval sets how often the outcome stream checks the journal.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.l = l
		}
	}
}

// NewServer creates a new web server instance.
func NewServer(addr string, quotes quoteService, ts transferService, opts ...Option) *Server {
	s := &Server{
		Addr:         addr,
		quotes:       quotes,
		transfers:    ts,
		pollInterval: outcomePollInterval,
		l:            zap.NewNop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /quotes", s.handleQuote)
	mux.HandleFunc("POST /transfers", s.handleSubmit)
	mux.HandleFunc("GET /transfers/{id}", s.handleGetTransfer)
	mux.HandleFunc("DELETE /transfers/{id}", s.handleCancelTransfer)
	mux.HandleFunc("GET /balances", s.handleBalances)
	mux.HandleFunc("GET /outcomes/stream", s.handleOutcomeStream)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.l.Info("http server listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "listen")
	}

	return nil
}

type quoteRequest struct {
	Base   string          `json:"base"`
	Target string          `json:"target"`
	Amount decimal.Decimal `json:"amount"`
}

type quoteResponse struct {
	Quote     domain.Quote `json:"quote"`
	Stale     bool         `json:"stale"`
	Cached    bool         `json:"cached"`
	FetchedAt time.Time    `json:"fetchedAt"`
	Warning   string       `json:"warning,omitempty"`
}

type transferResponse struct {
	Reference domain.TransferReference `json:"reference"`
	Warning   string                   `json:"warning,omitempty"`
}

// refreshResponse carries the provider's current answer next to the reconciliation state.
type refreshResponse struct {
	domain.ReconciliationState
	Current domain.CanonicalStatus `json:"current"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	res, err := s.quotes.Quote(r.Context(), req.Base, req.Target, req.Amount)
	if err != nil && !res.Stale {
		var qe *domain.QuoteError
		if errors.As(err, &qe) {
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Reason: string(qe.Reason)})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	resp := quoteResponse{Quote: res.Quote, Stale: res.Stale, Cached: res.Cached, FetchedAt: res.FetchedAt}
	if err != nil {
		resp.Warning = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req domain.TransferRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	ref, err := s.transfers.Submit(r.Context(), req, nil)
	if err != nil {
		var se *domain.SubmissionError
		if !errors.As(err, &se) || ref.ReferenceID == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		// polling continues with the fallback reference
		writeJSON(w, http.StatusAccepted, transferResponse{Reference: ref, Warning: err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, transferResponse{Reference: ref})
}

func (s *Server) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		s.handleRefreshTransfer(w, r)
		return
	}

	state, err := s.transfers.Get(r.PathValue("id"))
	if err != nil {
		s.writeTransferError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleRefreshTransfer(w http.ResponseWriter, r *http.Request) {
	state, current, err := s.transfers.Refresh(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, transfers.ErrNotFound) {
			s.writeTransferError(w, err)
			return
		}
		// the provider could not be queried
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{ReconciliationState: state, Current: current})
}

func (s *Server) handleCancelTransfer(w http.ResponseWriter, r *http.Request) {
	state, err := s.transfers.Cancel(r.PathValue("id"))
	if err != nil {
		s.writeTransferError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleBalances(w http.ResponseWriter, _ *http.Request) {
	if s.balances == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "balances not available"})
		return
	}

	writeJSON(w, http.StatusOK, s.balances.Balances())
}

func (s *Server) handleOutcomeStream(w http.ResponseWriter, r *http.Request) {
	if s.outcomes == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "outcome journal not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// comment heartbeat keeps proxies from closing the connection
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	pollTicker := time.NewTicker(s.pollInterval)
	defer pollTicker.Stop()

	lastIndex := uint64(0)
	sendOutcomes := func() error {
		records, err := s.outcomes.EventsAfter(lastIndex)
		if err != nil {
			return err
		}
		for _, record := range records {
			payload, err := json.Marshal(record.Outcome)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "id: %d\n", record.Index)
			fmt.Fprintf(w, "event: transfer_outcome\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			lastIndex = record.Index
		}
		flusher.Flush()
		return nil
	}

	if err := sendOutcomes(); err != nil {
		http.Error(w, "failed to load outcomes", http.StatusInternalServerError)
		s.l.Error("outcome stream initial load", zap.Error(err))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case <-pollTicker.C:
			if err := sendOutcomes(); err != nil {
				s.l.Warn("outcome stream poll", zap.Error(err))
			}
		}
	}
}

func (s *Server) writeTransferError(w http.ResponseWriter, err error) {
	if errors.Is(err, transfers.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}

	s.l.Error("transfer request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Wrap(err, "invalid request body")
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
