package apiserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coldbell/agentarena/backend/internal/config"
	"github.com/coldbell/agentarena/backend/internal/indexer"
)

// Service serves the read API and accepts agent registrations and fills.
type Service struct {
	cfg     config.APIServerConfig
	logger  *slog.Logger
	store   *indexer.Store
	engine  *indexer.Engine
	limiter *clientLimiter
	origins originPolicy
}

func New(cfg config.APIServerConfig, logger *slog.Logger) (*Service, error) {
	store, err := indexer.NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	return newService(cfg, logger, store), nil
}

func newService(cfg config.APIServerConfig, logger *slog.Logger, store *indexer.Store) *Service {
	var limiter *clientLimiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = newClientLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	}
	return &Service{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		engine:  indexer.NewEngine(store, cfg.Performance, nil),
		limiter: limiter,
		origins: newOriginPolicy(cfg.AllowedOrigins),
	}
}

// Handler returns the route table behind request logging, CORS and rate
// limiting, outermost first.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/agents", s.handleAgentsRoot)
	mux.HandleFunc("/v1/agents/", s.handleAgentsSubroutes)
	mux.HandleFunc("/v1/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("/v1/prices/latest", s.handleLatestPrices)
	mux.HandleFunc("/v1/chart/candles", s.handleChartCandles)
	mux.HandleFunc("/ws", s.handleWebsocket)

	return s.withRequestLog(s.withCORS(s.withRateLimit(mux)))
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	if s.limiter != nil {
		go s.limiter.runJanitor(ctx, time.Minute)
	}

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
		"rate_limit_rps", s.cfg.RateLimitPerSecond,
		"window", s.cfg.Performance.Window,
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}
