package api

import (
	"errors"
	"net/http"
	"time"

	"atb-dashboard-go/internal/dashboard"
	"atb-dashboard-go/internal/models"
)

// StatsDetail holds calculated statistics for a given period.
type StatsDetail struct {
	TotalTrades      int64   `json:"total_trades"`
	ProfitableTrades int64   `json:"profitable_trades"`
	WinRate          float64 `json:"win_rate"`
	TotalProfit      float64 `json:"total_profit"`
}

func (d *StatsDetail) add(profit float64) {
	d.TotalTrades++
	if profit > 0 {
		d.ProfitableTrades++
	}
	d.TotalProfit += profit
}

func (d *StatsDetail) finish() {
	if d.TotalTrades > 0 {
		d.WinRate = cents(float64(d.ProfitableTrades) / float64(d.TotalTrades) * 100)
	}
	d.TotalProfit = cents(d.TotalProfit)
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
type StatisticsResponse struct {
	Since24h StatsDetail            `json:"since_24h"`
	AllTime  StatsDetail            `json:"all_time"`
	BySource map[string]StatsDetail `json:"by_source"`
}

// closedTrade is a trade that realized a profit or a loss.
type closedTrade struct {
	source    string
	timestamp time.Time
	profit    float64
}

// closedTrades reads the stored history. Without a store it falls back
// to the broker trades of this session.
func (s *Server) closedTrades(r *http.Request) ([]closedTrade, error) {
	stored, err := s.dash.TradeHistory(r.Context(), 0)
	if errors.Is(err, dashboard.ErrNoStore) {
		var out []closedTrade
		for _, t := range s.dash.Broker.Trades() {
			if t.Pnl != 0 {
				out = append(out, closedTrade{source: models.SourceBroker, timestamp: t.Timestamp, profit: t.Pnl})
			}
		}
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	var out []closedTrade
	for _, t := range stored {
		if t.Profit != 0 {
			out = append(out, closedTrade{source: t.Source, timestamp: time.UnixMilli(t.Timestamp), profit: t.Profit})
		}
	}
	return out, nil
}

// statisticsHandler calculates and returns trading statistics.
func (s *Server) statisticsHandler(w http.ResponseWriter, r *http.Request) {
	trades, err := s.closedTrades(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	since24h := s.now().Add(-24 * time.Hour)
	resp := StatisticsResponse{BySource: make(map[string]StatsDetail)}

	for _, t := range trades {
		resp.AllTime.add(t.profit)
		if t.timestamp.After(since24h) {
			resp.Since24h.add(t.profit)
		}
		src := resp.BySource[t.source]
		src.add(t.profit)
		resp.BySource[t.source] = src
	}

	resp.AllTime.finish()
	resp.Since24h.finish()
	for k, v := range resp.BySource {
		v.finish()
		resp.BySource[k] = v
	}
	s.writeJSON(w, http.StatusOK, resp)
}
