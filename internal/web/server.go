package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/vitos/crypto_virtual_grid/internal/domain"
	"github.com/vitos/crypto_virtual_grid/internal/usecase"
	"go.uber.org/zap"
)

type Server struct {
	router    *http.ServeMux
	server    *http.Server
	service   *usecase.GridService
	tradeRepo domain.TradeRepository
	metrics   http.Handler
	logger    *zap.Logger
	started   time.Time
}

// NewServer wires the JSON API. tradeRepo and metrics may be nil.
func NewServer(
	port int,
	service *usecase.GridService,
	tradeRepo domain.TradeRepository,
	metrics http.Handler,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:    http.NewServeMux(),
		service:   service,
		tradeRepo: tradeRepo,
		metrics:   metrics,
		logger:    logger,
		started:   time.Now(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	// Status
	s.router.HandleFunc("GET /status", s.handleStatus)

	// Grids
	s.router.HandleFunc("GET /api/grids", s.handleListGrids)
	s.router.HandleFunc("GET /api/grids/{symbol}", s.handleGetGrid)
	s.router.HandleFunc("GET /api/grids/{symbol}/levels", s.handleGridLevels)

	// Positions
	s.router.HandleFunc("POST /api/grids/{symbol}/positions/{id}/close", s.handleClosePosition)

	// Signals
	s.router.HandleFunc("POST /api/signals", s.handleSubmitSignal)
	s.router.HandleFunc("GET /api/executions", s.handleExecutions)

	// Trades
	s.router.HandleFunc("GET /api/trades", s.handleTrades)

	if s.metrics != nil {
		s.router.Handle("GET /metrics", s.metrics)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
