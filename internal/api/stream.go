package api

import (
	"fmt"
	"net/http"
	"time"

	"atb-dashboard-go/internal/marketdata"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	streamBuffer = 64
)

// Stream message types.
const (
	messageSnapshot = "snapshot"
	messageBar      = "bar"
)

type streamMessage struct {
	Type      string               `json:"type"`
	Symbol    string               `json:"symbol"`
	Timeframe marketdata.Timeframe `json:"timeframe,omitempty"`
	Source    marketdata.Source    `json:"source,omitempty"`
	Bars      []marketdata.Bar     `json:"bars,omitempty"`
	Bar       *marketdata.Bar      `json:"bar,omitempty"`
}

// streamHandler sends the series of a symbol, then every live bar until
// the client goes away or the server stops. A slow client misses bars.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	symbol := marketdata.Canonical(r.URL.Query().Get("symbol"))
	if symbol == "" {
		s.writeError(w, fmt.Errorf("%w: symbol is required", errBadRequest))
		return
	}
	if _, ok := s.dash.Feed.LastUpdate(symbol); !ok {
		s.writeError(w, fmt.Errorf("%w: %s", marketdata.ErrUnknownSymbol, symbol))
		return
	}
	tf := queryTimeframe(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	logger := s.logger.With(zap.String("symbol", symbol), zap.String("timeframe", string(tf)))
	logger.Debug("Stream opened")

	updates := make(chan marketdata.Bar, streamBuffer)
	remove := s.dash.OnBar(symbol, func(b marketdata.Bar) {
		select {
		case updates <- b:
		default:
		}
	})
	defer remove()

	bars, source := s.dash.Timeframe(r.Context(), symbol, tf)
	if err := s.send(conn, streamMessage{Type: messageSnapshot, Symbol: symbol, Timeframe: tf, Source: source, Bars: bars}); err != nil {
		logger.Debug("Failed to send snapshot", zap.Error(err))
		return
	}

	// The read loop only detects the client closing the connection.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			logger.Debug("Stream closed by client")
			return
		case <-s.quit:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"),
				time.Now().Add(writeWait))
			return
		case b := <-updates:
			if err := s.send(conn, streamMessage{Type: messageBar, Symbol: symbol, Bar: &b}); err != nil {
				logger.Debug("Failed to send bar", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) send(conn *websocket.Conn, msg streamMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
