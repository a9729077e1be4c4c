package server

import (
	"TokenLedger/internal/ingestion"
	"TokenLedger/internal/ledger"
	"TokenLedger/internal/observability"
	"TokenLedger/internal/query"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

type api struct {
	engine      Engine
	qs          *query.QueryService
	metrics     *observability.Metrics
	rebuildFees func(ctx context.Context) error
	logger      zerolog.Logger
}

type route struct {
	method  string
	pattern string
	name    string
	handler runtime.HandlerFunc
}

func (a *api) register(mux *runtime.ServeMux) error {
	routes := []route{
		{"POST", "/v1/transfers", "transfer", a.transfer},
		{"GET", "/v1/transactions/{id}", "transaction", a.transaction},
		{"POST", "/v1/transactions/{id}/cancel", "cancel", a.cancel},
		{"GET", "/v1/wallets/{address}/balances", "balances", a.balances},
		{"GET", "/v1/wallets/{address}/transactions", "history", a.history},
		{"GET", "/v1/wallets/{address}/summary", "summary", a.summary},
		{"GET", "/v1/tokens/{token}/supply", "supply", a.supply},
		{"GET", "/v1/fees", "fees", a.fees},
		{"GET", "/v1/admin/integrity", "integrity", a.integrity},
	}
	if a.rebuildFees != nil {
		routes = append(routes, route{"POST", "/v1/admin/fees/rebuild", "rebuild_fees", a.rebuild})
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, a.instrument(rt.name, rt.handler)); err != nil {
			return fmt.Errorf("%s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// --- write side ---

type transferResponse struct {
	ledger.TransactionResult
	Error string `json:"error,omitempty"`
}

func (a *api) transfer(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fmt.Errorf("%w: read body: %w", ingestion.ErrMalformedRequest, err))
		return
	}

	evt, err := ingestion.ParseTransferRequest(body)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := a.engine.Transfer(r.Context(), evt.Request())
	if err != nil {
		if res.TransactionID == "" {
			writeError(w, err)
			return
		}
		// A record exists: report it with the failure.
		writeJSON(w, statusFor(err), transferResponse{TransactionResult: res, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, transferResponse{TransactionResult: res})
}

func (a *api) cancel(w http.ResponseWriter, r *http.Request, p map[string]string) {
	res, err := a.engine.Cancel(r.Context(), p["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- read side ---

func (a *api) transaction(w http.ResponseWriter, r *http.Request, p map[string]string) {
	rec, err := a.qs.GetTransaction(r.Context(), p["id"])
	respond(w, rec, err)
}

func (a *api) balances(w http.ResponseWriter, r *http.Request, p map[string]string) {
	resp, err := a.qs.GetBalances(r.Context(), p["address"])
	respond(w, resp, err)
}

func (a *api) history(w http.ResponseWriter, r *http.Request, p map[string]string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, fmt.Errorf("%w: %q", ledger.ErrInvalidLimit, raw))
			return
		}
		limit = n
	}
	resp, err := a.qs.GetHistory(r.Context(), p["address"], limit)
	respond(w, resp, err)
}

func (a *api) summary(w http.ResponseWriter, r *http.Request, p map[string]string) {
	resp, err := a.qs.GetSummary(r.Context(), p["address"])
	respond(w, resp, err)
}

func (a *api) supply(w http.ResponseWriter, r *http.Request, p map[string]string) {
	resp, err := a.qs.GetSupply(r.Context(), p["token"])
	respond(w, resp, err)
}

func (a *api) fees(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	totals, err := a.qs.GetFeeTotals(r.Context())
	respond(w, map[string]interface{}{"fees": totals}, err)
}

// --- admin ---

func (a *api) integrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report := a.qs.VerifyIntegrity(r.Context())
	code := http.StatusOK
	if !report.IsHealthy {
		code = http.StatusConflict
	}
	writeJSON(w, code, report)
}

func (a *api) rebuild(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := a.rebuildFees(r.Context()); err != nil {
		a.logger.Error().Err(err).Msg("fee projection rebuild failed")
		writeError(w, fmt.Errorf("%w: %w", ledger.ErrLedgerUnavailable, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rebuilt"})
}

// ============================================================================
// Helpers
// ============================================================================

func (a *api) instrument(name string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r, p)

		if a.metrics != nil {
			a.metrics.QueryRequests.WithLabelValues(name, strconv.Itoa(rec.code)).Inc()
			a.metrics.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
		if rec.code >= http.StatusInternalServerError {
			a.logger.Warn().Str("route", name).Int("code", rec.code).Msg("request failed")
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

// statusFor maps ledger errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ingestion.ErrMalformedRequest),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidAddress),
		errors.Is(err, ledger.ErrSelfTransfer),
		errors.Is(err, ledger.ErrUnsupportedToken),
		errors.Is(err, ledger.ErrInvalidLimit):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, ledger.ErrInFlight),
		errors.Is(err, ledger.ErrIdempotencyConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrLedgerUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respond(w http.ResponseWriter, v interface{}, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
