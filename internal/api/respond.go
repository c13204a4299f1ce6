package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"atb-dashboard-go/internal/bots"
	"atb-dashboard-go/internal/broker"
	"atb-dashboard-go/internal/dashboard"
	"atb-dashboard-go/internal/ledger"
	"atb-dashboard-go/internal/marketdata"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	errBadRequest    = errors.New("malformed request")
	errOrderSettled  = errors.New("order is no longer pending")
	errUnknownAction = errors.New("unknown bot action")
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, bots.ErrBotNotFound),
		errors.Is(err, broker.ErrOrderNotFound),
		errors.Is(err, marketdata.ErrUnknownSymbol):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, errUnknownAction),
		errors.Is(err, bots.ErrInvalidBot),
		errors.Is(err, broker.ErrInvalidQuantity),
		errors.Is(err, broker.ErrInvalidCredentials),
		errors.Is(err, ledger.ErrInvalidSide),
		errors.Is(err, ledger.ErrInvalidQuantity),
		errors.Is(err, ledger.ErrInvalidPrice),
		errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, broker.ErrNotConnected),
		errors.Is(err, broker.ErrInsufficientShares),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientAllocation),
		errors.Is(err, bots.ErrNoBotSelected),
		errors.Is(err, errOrderSettled):
		return http.StatusConflict
	case errors.Is(err, dashboard.ErrNoStore):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// cents rounds a money value to two decimals.
func cents(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}
