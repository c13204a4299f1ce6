package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"atb-dashboard-go/internal/config"
	"atb-dashboard-go/internal/dashboard"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 60 * time.Second

// Server exposes the dashboard over HTTP and WebSocket.
type Server struct {
	server   *http.Server
	dash     *dashboard.Dashboard
	logger   *zap.Logger
	cfg      config.Server
	upgrader websocket.Upgrader
	now      func() time.Time

	quit     chan struct{}
	quitOnce sync.Once
}

// NewServer creates a new Server for dash.
func NewServer(cfg config.Server, dash *dashboard.Dashboard, logger *zap.Logger) *Server {
	s := &Server{
		dash:   dash,
		logger: logger.Named("api-server"),
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now:  time.Now,
		quit: make(chan struct{}),
	}
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.Handler(),
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	timeout := s.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)
	// Streams outlive the request timeout.
	r.Get("/ws", s.streamHandler)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))

		r.Route("/api", func(r chi.Router) {
			r.Get("/status", s.statusHandler)
			r.Get("/markets", s.marketsHandler)
			r.Get("/market-data/{symbol}/timeframe", s.timeframeHandler)
			r.Get("/market-data/{symbol}/history", s.historyHandler)

			r.Get("/positions", s.positionsHandler)
			r.Get("/pnl", s.pnlHandler)
			r.Get("/trades", s.tradesHandler)
			r.Get("/statistics", s.statisticsHandler)

			r.Route("/orders", func(r chi.Router) {
				r.Get("/", s.listOrdersHandler)
				r.Post("/", s.placeOrderHandler)
				r.Get("/{id}", s.orderHandler)
				r.Delete("/{id}", s.cancelOrderHandler)
			})

			r.Post("/broker/connect", s.connectHandler)
			r.Post("/broker/disconnect", s.disconnectHandler)

			r.Route("/bots", func(r chi.Router) {
				r.Get("/", s.listBotsHandler)
				r.Post("/", s.addBotHandler)
				r.Get("/state", s.getStateHandler)
				r.Post("/state", s.putStateHandler)
				r.Put("/{id}", s.updateBotHandler)
				r.Delete("/{id}", s.deleteBotHandler)
				r.Post("/{id}/{action}", s.botActionHandler)
			})

			r.Route("/account", func(r chi.Router) {
				r.Get("/", s.accountHandler)
				r.Post("/deposit", s.depositHandler)
				r.Post("/transfer", s.transferHandler)
				r.Post("/withdraw", s.withdrawHandler)
			})
		})
	})

	if s.cfg.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}
	return r
}

// Start runs the HTTP server in a new goroutine.
func (s *Server) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop closes open streams and gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	s.quitOnce.Do(func() { close(s.quit) })
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug("Request served",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
