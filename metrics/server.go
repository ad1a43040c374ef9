package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const readHeaderTimeout = 10 * time.Second

// Server serves the default prometheus registry over HTTP.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// Start serves /metrics on addr in the background.
func Start(addr string, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	s := &Server{
		httpServer: server,
		logger:     logger,
	}

	go func() {
		s.logger.Info("metrics server is starting", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped unexpectedly", zap.Error(err))
		}
	}()

	return s
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("metrics server shutdown failed", zap.Error(err))
		return
	}
	s.logger.Info("metrics server stopped")
}
