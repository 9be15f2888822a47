package server

import (
	"IsoLedger/internal/adapter"
	"IsoLedger/internal/core"
	"IsoLedger/internal/ingestion"
	"IsoLedger/internal/ledger"
	"IsoLedger/internal/liquidation"
	"IsoLedger/internal/observability"
	"IsoLedger/internal/query"
	"IsoLedger/internal/registry"
	"IsoLedger/internal/vault"
	"IsoLedger/internal/zap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

// HTTPDeps holds everything the HTTP surface serves from.
type HTTPDeps struct {
	Query *query.Service
	// Commands enables the POST write routes. Optional.
	Commands Commands
	Manual   *ingestion.ManualIngest // nil disables POST /v1/callbacks
	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
	// MetricsHandler serves GET /metrics. Optional.
	MetricsHandler http.Handler
	Logger         zerolog.Logger
}

type route struct {
	method, pattern, endpoint string
	handler                   func(r *http.Request, params map[string]string) (any, error)
}

// NewHTTPHandler routes JSON endpoints through a grpc-gateway ServeMux.
func NewHTTPHandler(deps HTTPDeps) (http.Handler, error) {
	mux := runtime.NewServeMux()
	h := &handlers{deps: deps}

	routes := []route{
		{"GET", "/v1/requests/{key}", "get_request", h.getRequest},
		{"GET", "/v1/vaults/{vault}", "get_vault", h.getVault},
		{"GET", "/v1/vaults/{vault}/requests", "vault_requests", h.vaultRequests},
		{"GET", "/v1/positions/{owner}/{number}/{market}", "get_position", h.getPosition},
		{"GET", "/v1/quote", "quote", h.quote},
		{"GET", "/v1/events", "events", h.events},
	}
	if deps.Commands != nil {
		routes = append(routes, h.commandRoutes()...)
	}
	if deps.Manual != nil {
		routes = append(routes, route{"POST", "/v1/callbacks", "inject_callback", h.injectCallback})
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, h.wrap(rt)); err != nil {
			return nil, fmt.Errorf("route %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	if deps.Health != nil {
		if err := mux.HandlePath("GET", "/healthz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			deps.Health.LivenessHandler(w, r)
		}); err != nil {
			return nil, err
		}
		if err := mux.HandlePath("GET", "/readyz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			deps.Health.ReadinessHandler(w, r)
		}); err != nil {
			return nil, err
		}
	}
	if deps.MetricsHandler != nil {
		if err := mux.HandlePath("GET", "/metrics", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			deps.MetricsHandler.ServeHTTP(w, r)
		}); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

// ServeHTTP runs handler on addr until ctx is cancelled (blocking).
func ServeHTTP(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info().Str("addr", addr).Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("HTTP server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type handlers struct {
	deps HTTPDeps
}

type errorBody struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (h *handlers) wrap(rt route) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		body, err := rt.handler(r, params)

		code := http.StatusOK
		if err != nil {
			code = statusFor(err)
			body = errorBody{Error: err.Error(), Code: code}
			if code >= http.StatusInternalServerError {
				h.deps.Logger.Error().Err(err).Str("endpoint", rt.endpoint).Msg("query failed")
			}
		}
		if m := h.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(rt.endpoint).Inc()
			m.QueryDuration.WithLabelValues(rt.endpoint).Observe(time.Since(start).Seconds())
			if err != nil {
				m.QueryErrors.WithLabelValues(rt.endpoint, strconv.Itoa(code)).Inc()
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, query.ErrInvalidArgument),
		errors.Is(err, ingestion.ErrMalformedCallback),
		errors.Is(err, adapter.ErrInvalidPair),
		errors.Is(err, adapter.ErrZeroInput):
		return http.StatusBadRequest
	case errors.Is(err, ingestion.ErrMessageTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, query.ErrNotFound),
		errors.Is(err, registry.ErrNotRegistered),
		errors.Is(err, registry.ErrWrongComponent),
		errors.Is(err, core.ErrNoAsyncMarket),
		errors.Is(err, core.ErrNotIsolationMarket),
		errors.Is(err, vault.ErrUnknownRequest),
		errors.Is(err, vault.ErrUnknownVault):
		return http.StatusNotFound
	case errors.Is(err, vault.ErrNotVaultOwner),
		errors.Is(err, vault.ErrNotAuthorized),
		errors.Is(err, vault.ErrLiquidatorNotAllowed),
		errors.Is(err, liquidation.ErrUnauthorized),
		errors.Is(err, liquidation.ErrNotAllowed),
		errors.Is(err, zap.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, vault.ErrVaultExists),
		errors.Is(err, vault.ErrVaultFrozen),
		errors.Is(err, liquidation.ErrVaultFrozen),
		errors.Is(err, zap.ErrVaultFrozen),
		errors.Is(err, vault.ErrLiquidationPending),
		errors.Is(err, vault.ErrRequestNotPending),
		errors.Is(err, vault.ErrRequestNotRetryable),
		errors.Is(err, vault.ErrCancelTooEarly):
		return http.StatusConflict
	case errors.Is(err, adapter.ErrExchangeCostUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, query.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, errRejected):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

var errRejected = errors.New("rejected")

func (h *handlers) getRequest(r *http.Request, params map[string]string) (any, error) {
	key, err := query.ParseKey(params["key"])
	if err != nil {
		return nil, err
	}
	return h.deps.Query.GetRequest(r.Context(), key)
}

func (h *handlers) vaultRequests(r *http.Request, params map[string]string) (any, error) {
	addr, err := query.ParseAddress(params["vault"])
	if err != nil {
		return nil, err
	}
	var limit uint64 = 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = query.ParseUint("limit", raw); err != nil {
			return nil, err
		}
	}
	return h.deps.Query.GetVaultRequests(r.Context(), addr, int(limit))
}

func (h *handlers) getVault(_ *http.Request, params map[string]string) (any, error) {
	addr, err := query.ParseAddress(params["vault"])
	if err != nil {
		return nil, err
	}
	return h.deps.Query.GetVault(addr)
}

func (h *handlers) getPosition(_ *http.Request, params map[string]string) (any, error) {
	owner, err := query.ParseAddress(params["owner"])
	if err != nil {
		return nil, err
	}
	number, err := query.ParseUint("number", params["number"])
	if err != nil {
		return nil, err
	}
	market, err := query.ParseUint("market", params["market"])
	if err != nil {
		return nil, err
	}
	return h.deps.Query.GetPosition(ledger.Position{Owner: owner, Number: number}, ledger.MarketID(market))
}

// quote: /v1/quote?trader=0x..&input=1&output=2&amount=1000[&data=0x..]
func (h *handlers) quote(r *http.Request, _ map[string]string) (any, error) {
	q := r.URL.Query()
	trader, err := query.ParseAddress(q.Get("trader"))
	if err != nil {
		return nil, err
	}
	input, err := query.ParseUint("input", q.Get("input"))
	if err != nil {
		return nil, err
	}
	output, err := query.ParseUint("output", q.Get("output"))
	if err != nil {
		return nil, err
	}
	amount, err := query.ParseAmount(q.Get("amount"))
	if err != nil {
		return nil, err
	}
	var data []byte
	if raw := q.Get("data"); raw != "" {
		if data, err = hexutil.Decode(raw); err != nil {
			return nil, fmt.Errorf("%w: data: %v", query.ErrInvalidArgument, err)
		}
	}
	return h.deps.Query.Quote(r.Context(), trader, ledger.MarketID(input), ledger.MarketID(output), amount, data)
}

// events: /v1/events?from=1&limit=100
func (h *handlers) events(r *http.Request, _ map[string]string) (any, error) {
	q := r.URL.Query()
	var from, limit uint64 = 1, 100
	var err error
	if raw := q.Get("from"); raw != "" {
		if from, err = query.ParseUint("from", raw); err != nil {
			return nil, err
		}
	}
	if raw := q.Get("limit"); raw != "" {
		if limit, err = query.ParseUint("limit", raw); err != nil {
			return nil, err
		}
	}
	return h.deps.Query.GetEvents(r.Context(), int64(from), int(limit))
}

type callbackResult struct {
	Outcome core.CallbackOutcome `json:"outcome"`
}

func (h *handlers) injectCallback(r *http.Request, _ map[string]string) (any, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("%w: body: %v", query.ErrInvalidArgument, err)
	}
	outcome, err := h.deps.Manual.InjectJSON(r.Context(), data)
	if err != nil {
		if outcome == core.OutcomeRejected && !errors.Is(err, ingestion.ErrMalformedCallback) && !errors.Is(err, ingestion.ErrMessageTooLarge) {
			return nil, fmt.Errorf("%w: %v", errRejected, err)
		}
		return nil, err
	}
	return callbackResult{Outcome: outcome}, nil
}
