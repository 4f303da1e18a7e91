// Package adminapi is the minimal JSON admin surface (spec §6.4), serving
// health/readiness, signal/order submission, position/account queries, and
// Prometheus metrics over stdlib net/http. Consolidates the concerns the
// teacher spread across internal/infrastructure/{server,metrics,http}: a
// plain ServeMux plus promhttp.Handler(), with no gRPC or WebSocket surface
// since neither has a home in this spec.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradeengine/internal/core"
	"tradeengine/pkg/cli"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// envelope is the fixed response shape spec §6.4 requires.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OrderLister is the narrow slice of OrderManager the admin API reads from
// for GET /orders. It may be nil, in which case the endpoint reports an
// empty list rather than failing the whole server.
type OrderLister interface {
	ListOrders(ctx context.Context, limit int) ([]map[string]interface{}, error)
}

// AuditReader is the narrow slice of audit.Logger the admin API reads from
// for GET /api/v1/audit (SPEC_FULL.md §6).
type AuditReader interface {
	ListEvents(ctx context.Context, limit int) ([]map[string]interface{}, error)
}

// Server is the admin HTTP surface.
type Server struct {
	mux        *http.ServeMux
	httpServer *http.Server
	dispatcher core.Dispatcher
	exchange   core.Exchange
	position   core.PositionManager
	oco        core.OCOManager
	lock       core.DistributedLockManager
	risk       core.RiskConfig
	orders     OrderLister
	audit      AuditReader
	logger     core.ILogger
}

// New builds the admin server bound to addr (host:port). orders and audit
// may be nil, in which case their endpoints return an empty list.
func New(addr string, dispatcher core.Dispatcher, exchange core.Exchange, position core.PositionManager, oco core.OCOManager, lock core.DistributedLockManager, risk core.RiskConfig, orders OrderLister, audit AuditReader, logger core.ILogger) *Server {
	s := &Server{
		mux:        http.NewServeMux(),
		dispatcher: dispatcher,
		exchange:   exchange,
		position:   position,
		oco:        oco,
		lock:       lock,
		risk:       risk,
		orders:     orders,
		audit:      audit,
		logger:     logger.WithField("component", "admin_api"),
	}
	s.routes()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ready", s.handleReady)
	s.mux.HandleFunc("/live", s.handleLive)
	s.mux.HandleFunc("/trade", s.handleTrade)
	s.mux.HandleFunc("/order", s.handleOrder)
	s.mux.HandleFunc("/positions", s.handlePositions)
	s.mux.HandleFunc("/orders", s.handleOrders)
	s.mux.HandleFunc("/orders/", s.handleOrderByID)
	s.mux.HandleFunc("/account", s.handleAccount)
	s.mux.HandleFunc("/price/", s.handlePrice)
	s.mux.HandleFunc("/api/v1/config/trading/", s.handleTradingConfig)
	s.mux.HandleFunc("/api/v1/audit", s.handleAudit)
	s.mux.Handle("/metrics", promhttp.Handler())
}

// Run implements bootstrap.Runner.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin api listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Success: false, Error: &apiError{Code: code, Message: message}})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]string{"status": "ok"}})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{"leader": s.lock.IsLeader(), "leader_pod_id": s.lock.LeaderPodID()}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]string{"status": "alive"}})
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	var signal core.Signal
	if err := json.NewDecoder(r.Body).Decode(&signal); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_signal", err.Error())
		return
	}
	result := s.dispatcher.Dispatch(r.Context(), &signal)
	status := http.StatusOK
	if result.Status == core.StatusError {
		status = http.StatusInternalServerError
	} else if result.Status == core.StatusRejected {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, envelope{Success: result.Status == core.StatusExecuted || result.Status == core.StatusHold, Data: result})
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	var order core.Order
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_order", err.Error())
		return
	}
	result, err := s.dispatcher.ExecuteOrder(r.Context(), &order)
	if err != nil {
		writeError(w, http.StatusBadGateway, "execution_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: result})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := s.position.GetPositions()
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: positions})
}

// handleOrders serves GET /orders: the durable list of orders this process
// has placed, bounded by ?limit (default 100) with no offset (spec.md §6.4),
// distinct from
// GET/DELETE /orders/{id} which targets one order on the exchange.
func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	if s.orders == nil {
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: []map[string]interface{}{}})
		return
	}
	limit := parseLimit(r, 100)
	rows, err := s.orders.ListOrders(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "orders_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: rows})
}

// handleAudit serves GET /api/v1/audit: a read-only view of the audit trail
// bounded by ?limit (default 100), with no offset (SPEC_FULL.md §6).
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	if s.audit == nil {
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: []map[string]interface{}{}})
		return
	}
	limit := parseLimit(r, 100)
	rows, err := s.audit.ListEvents(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: rows})
}

func parseLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *Server) handleOrderByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/orders/")
	symbol := r.URL.Query().Get("symbol")
	if id == "" || symbol == "" {
		writeError(w, http.StatusBadRequest, "missing_params", "symbol query parameter and order id are required")
		return
	}
	if err := cli.ValidateInput(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_order_id", err.Error())
		return
	}

	if r.Method == http.MethodDelete {
		if err := s.exchange.CancelOrder(r.Context(), symbol, id); err != nil {
			writeError(w, http.StatusBadGateway, "cancel_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]string{"order_id": id, "status": "cancelled"}})
		return
	}

	status, err := s.exchange.GetOrderStatus(r.Context(), symbol, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "order_not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: status})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	summary, err := s.position.GetPortfolioSummary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "account_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: summary})
}

// handleTradingConfig serves the read-only view of the resolved risk
// parameters for a symbol, e.g. /api/v1/config/trading/BTCUSDT.
func (s *Server) handleTradingConfig(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimPrefix(r.URL.Path, "/api/v1/config/trading/")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "missing_symbol", "symbol path segment is required")
		return
	}
	if err := cli.ValidateInput(symbol); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_symbol", err.Error())
		return
	}
	data := map[string]interface{}{
		"symbol":                 symbol,
		"leverage_long":          s.risk.Leverage(symbol, core.PositionLong),
		"leverage_short":         s.risk.Leverage(symbol, core.PositionShort),
		"margin_type":            s.risk.MarginType(symbol),
		"default_order_type":     string(s.risk.DefaultOrderType(symbol)),
		"default_time_in_force":  string(s.risk.DefaultTimeInForce(symbol)),
		"position_size_pct":      s.risk.PositionSizePct(symbol),
		"stop_loss_pct":          s.risk.StopLossPct(symbol),
		"take_profit_pct":        s.risk.TakeProfitPct(symbol),
		"max_position_size":      s.risk.MaxPositionSize(symbol),
		"max_accumulations":      s.risk.MaxAccumulations(symbol),
		"accumulation_cooldown":  s.risk.AccumulationCooldown(symbol).String(),
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimPrefix(r.URL.Path, "/price/")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "missing_symbol", "symbol path segment is required")
		return
	}
	if err := cli.ValidateInput(symbol); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_symbol", err.Error())
		return
	}
	price, err := s.exchange.GetSymbolPrice(r.Context(), symbol)
	if err != nil {
		writeError(w, http.StatusBadGateway, "price_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]interface{}{"symbol": symbol, "price": price}})
}
