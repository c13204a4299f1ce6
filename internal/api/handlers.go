package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"atb-dashboard-go/internal/bots"
	"atb-dashboard-go/internal/broker"
	"atb-dashboard-go/internal/ledger"
	"atb-dashboard-go/internal/marketdata"
	"github.com/go-chi/chi/v5"
)

// sourceHeader names the provenance of a timeframe series.
const sourceHeader = "X-Data-Source"

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

type statusResponse struct {
	UUID          string              `json:"uuid"`
	Name          string              `json:"name"`
	StartTime     string              `json:"start_time"`
	Uptime        string              `json:"uptime"`
	Broker        broker.StatusReport `json:"broker"`
	SelectedBot   string              `json:"selected_bot,omitempty"`
	Markets       int                 `json:"markets"`
	Subscriptions int                 `json:"subscriptions"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := statusResponse{
		UUID:          s.dash.ID,
		Name:          s.dash.Name,
		StartTime:     s.dash.StartTime.Format(time.RFC3339),
		Uptime:        s.now().Sub(s.dash.StartTime).Round(time.Second).String(),
		Broker:        s.dash.Broker.Status(),
		Markets:       len(s.dash.Feed.Symbols()),
		Subscriptions: s.dash.Feed.Subscriptions(),
	}
	if b, ok := s.dash.Bots.Selected(); ok {
		status.SelectedBot = b.ID
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) marketsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.dash.Feed.Summary())
}

// queryTimeframe reads the timeframe parameter. Unknown values fall back
// to one minute.
func queryTimeframe(r *http.Request) marketdata.Timeframe {
	tf, err := marketdata.ParseTimeframe(r.URL.Query().Get("timeframe"))
	if err != nil {
		return marketdata.TF1m
	}
	return tf
}

// timeframeHandler answers with a bare bar array so that one dashboard
// can act as the mirror of another.
func (s *Server) timeframeHandler(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	bars, source := s.dash.Timeframe(r.Context(), symbol, queryTimeframe(r))
	w.Header().Set(sourceHeader, string(source))
	s.writeJSON(w, http.StatusOK, bars)
}

// parseTime accepts RFC3339 or unix milliseconds. Empty yields def.
func parseTime(v string, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: time %q", errBadRequest, v)
	}
	return t, nil
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	symbol := marketdata.Canonical(chi.URLParam(r, "symbol"))
	if _, ok := s.dash.Feed.LastUpdate(symbol); !ok {
		s.writeError(w, fmt.Errorf("%w: %s", marketdata.ErrUnknownSymbol, symbol))
		return
	}

	q := r.URL.Query()
	now := s.now()
	to, err := parseTime(q.Get("to"), now)
	if err != nil {
		s.writeError(w, err)
		return
	}
	from, err := parseTime(q.Get("from"), time.Time{})
	if err != nil {
		s.writeError(w, err)
		return
	}

	bars := s.dash.Feed.History(symbol, queryTimeframe(r), from, to)
	if bars == nil {
		bars = []marketdata.Bar{}
	}
	s.writeJSON(w, http.StatusOK, bars)
}

func (s *Server) positionsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.dash.Broker.Positions())
}

type accountResponse struct {
	ledger.AccountInfo
	Allocations map[string]float64 `json:"allocations"`
}

func (s *Server) account() accountResponse {
	return accountResponse{
		AccountInfo: s.dash.Broker.AccountInfo(),
		Allocations: s.dash.Account.Allocations(),
	}
}

func (s *Server) accountHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.account())
}

type pnlResponse struct {
	ledger.Totals
	Daily           float64 `json:"daily"`
	WinRate         float64 `json:"win_rate"`
	ActivePositions int     `json:"active_positions"`
}

func (s *Server) pnlHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, pnlResponse{
		Totals:          s.dash.Broker.TotalPnl(),
		Daily:           s.dash.Broker.DailyPnl(),
		WinRate:         s.dash.Broker.WinRate(),
		ActivePositions: s.dash.Broker.ActivePositions(),
	})
}

// tradesHandler returns the trades of this session. scope=history reads
// the stored trade history instead, newest first.
func (s *Server) tradesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("scope") != "history" {
		s.writeJSON(w, http.StatusOK, s.dash.Broker.Trades())
		return
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, fmt.Errorf("%w: limit %q", errBadRequest, v))
			return
		}
		limit = n
	}
	trades, err := s.dash.TradeHistory(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trades)
}

type orderRequest struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
}

type orderAccepted struct {
	ID     string        `json:"id"`
	Status broker.Status `json:"status"`
}

func (s *Server) placeOrderHandler(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	side, err := ledger.ParseSide(req.Side)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.Symbol == "" {
		s.writeError(w, fmt.Errorf("%w: symbol is required", errBadRequest))
		return
	}

	id, err := s.dash.PlaceOrder(req.Symbol, side, req.Quantity, req.Price)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, orderAccepted{ID: id, Status: broker.StatusPending})
}

func (s *Server) listOrdersHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.dash.Broker.Orders())
}

func (s *Server) orderHandler(w http.ResponseWriter, r *http.Request) {
	order, err := s.dash.Broker.Order(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) cancelOrderHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.dash.Broker.CancelOrder(id) {
		if _, err := s.dash.Broker.Order(id); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeError(w, fmt.Errorf("%w: %s", errOrderSettled, id))
		return
	}
	order, err := s.dash.Broker.Order(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

type connectRequest struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	Broker    string `json:"broker"`
}

func (s *Server) connectHandler(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.dash.Connect(r.Context(), req.APIKey, req.APISecret, req.Broker); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.dash.Broker.Status())
}

func (s *Server) disconnectHandler(w http.ResponseWriter, r *http.Request) {
	s.dash.Broker.Disconnect()
	s.writeJSON(w, http.StatusOK, s.dash.Broker.Status())
}

func (s *Server) listBotsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.dash.BotViews())
}

func (s *Server) addBotHandler(w http.ResponseWriter, r *http.Request) {
	var b bots.Bot
	if err := decodeJSON(r, &b); err != nil {
		s.writeError(w, err)
		return
	}
	added, err := s.dash.Bots.Add(b)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, added)
}

func (s *Server) updateBotHandler(w http.ResponseWriter, r *http.Request) {
	var b bots.Bot
	if err := decodeJSON(r, &b); err != nil {
		s.writeError(w, err)
		return
	}
	updated, err := s.dash.Bots.Update(chi.URLParam(r, "id"), b)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteBotHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.dash.DeleteBot(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) botActionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var (
		b   bots.Bot
		err error
	)
	switch action := chi.URLParam(r, "action"); action {
	case "select":
		b, err = s.dash.SelectBot(id)
	case "start":
		b, err = s.dash.StartBot(id)
	case "pause":
		b, err = s.dash.PauseBot(id)
	case "reset":
		b, err = s.dash.ResetBot(id)
	case "deactivate":
		b, err = s.dash.DeactivateBot(id)
	default:
		err = fmt.Errorf("%w: %q", errUnknownAction, action)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) getStateHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.dash.Bots.State())
}

// putStateHandler accepts a state pushed by a peer dashboard.
func (s *Server) putStateHandler(w http.ResponseWriter, r *http.Request) {
	var state bots.State
	if err := decodeJSON(r, &state); err != nil {
		s.writeError(w, err)
		return
	}
	s.dash.ImportState(r.Context(), state)
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type fundsRequest struct {
	BotID  string  `json:"bot_id"`
	Amount float64 `json:"amount"`
}

func (s *Server) depositHandler(w http.ResponseWriter, r *http.Request) {
	var req fundsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.dash.Deposit(req.Amount); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.account())
}

func (s *Server) transferHandler(w http.ResponseWriter, r *http.Request) {
	var req fundsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.dash.Transfer(r.Context(), req.BotID, req.Amount); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.account())
}

func (s *Server) withdrawHandler(w http.ResponseWriter, r *http.Request) {
	var req fundsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.dash.Withdraw(r.Context(), req.BotID, req.Amount); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.account())
}
