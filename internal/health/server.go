package health

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/nigping/relay-agent/internal/constants"
	"github.com/nigping/relay-agent/internal/errors"
	"github.com/nigping/relay-agent/internal/limiter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is the agent's only HTTP listener.
type Server struct {
	srv     *http.Server
	limiter *limiter.IPRateLimiter
	logger  *zap.Logger
}

// NewHandler wires the routes. A nil limiter disables rate limiting.
func NewHandler(checker *HealthChecker, lim *limiter.IPRateLimiter, metricsEnabled bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HandleHealth)
	mux.HandleFunc("/", checker.HandleRoot)
	if metricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	var handler http.Handler = mux
	if lim != nil {
		handler = lim.Middleware(handler)
	}
	return errors.RecoveryMiddleware(handler)
}

// NewServer returns a Server listening on addr.
func NewServer(addr string, handler http.Handler, lim *limiter.IPRateLimiter, logger *zap.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		limiter: lim,
		logger:  logger.Named("health_server"),
	}
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "LISTEN_FAILED", "Health endpoint could not listen")
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.limiter != nil {
		go s.limiter.RunGC(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Health endpoint listening", zap.String("addr", ln.Addr().String()))
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("Health endpoint shutdown", zap.Error(err))
		return err
	}
	s.logger.Info("Health endpoint stopped")
	return nil
}
