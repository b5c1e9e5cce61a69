package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coldbell/agentarena/backend/internal/config"
)

// Service ingests market prices and periodically persists leaderboard
// snapshots for every registered agent.
type Service struct {
	cfg    config.IndexerConfig
	store  *Store
	cache  *LivePriceCache
	engine *Engine
	pyth   *pythStream
	quotes *quoteFeed
	logger *slog.Logger
}

func New(cfg config.IndexerConfig, logger *slog.Logger) (*Service, error) {
	store, err := NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	cache := NewLivePriceCache()
	svc := &Service{
		cfg:    cfg,
		store:  store,
		cache:  cache,
		engine: NewEngine(store, cfg.Performance, cache),
		logger: logger,
	}
	if cfg.EnablePythPriceStream && len(cfg.PythFeeds) > 0 {
		svc.pyth = newPythStream(cfg, store, cache, logger)
	}
	if cfg.EnableQuoteFeed && len(cfg.QuoteTargets) > 0 {
		svc.quotes = newQuoteFeed(cfg, store, cache, logger)
	}
	return svc, nil
}

func (s *Service) Store() *Store { return s.store }

func (s *Service) Engine() *Engine { return s.engine }

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	s.logger.Info("indexer started",
		"db", redactDSN(s.cfg.DBDSN),
		"window", s.cfg.Performance.Window,
		"snapshot_interval", s.cfg.SnapshotInterval.String(),
		"pyth", s.pyth != nil,
		"quotes", s.quotes != nil,
	)

	var feeds sync.WaitGroup
	if s.pyth != nil {
		feeds.Add(1)
		go func() {
			defer feeds.Done()
			s.pyth.Run(ctx)
		}()
	}
	if s.quotes != nil {
		feeds.Add(1)
		go func() {
			defer feeds.Done()
			s.quotes.Run(ctx)
		}()
	}
	defer feeds.Wait()

	if err := s.snapshotOnce(ctx, time.Now()); err != nil {
		s.logger.Error("initial snapshot failed", "err", err)
	}

	interval := normalizeSnapshotInterval(s.cfg.SnapshotInterval)
	timer := time.NewTimer(nextSnapshotDelay(time.Now(), interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("indexer stopped")
			return nil
		case now := <-timer.C:
			if err := s.snapshotOnce(ctx, now.Truncate(interval)); err != nil {
				s.logger.Error("snapshot failed", "err", err)
			}
			timer.Reset(nextSnapshotDelay(time.Now(), interval))
		}
	}
}

// snapshotOnce evaluates every agent, stores the results and trims history.
func (s *Service) snapshotOnce(ctx context.Context, computedAt time.Time) error {
	started := time.Now()
	snapshots, err := s.engine.Snapshot(ctx, computedAt)
	if err != nil {
		return err
	}

	var pruned int64
	if s.cfg.Performance.SnapshotHistory > 0 {
		pruned, err = s.store.PruneSnapshots(ctx, s.cfg.Performance.SnapshotHistory)
		if err != nil {
			return fmt.Errorf("prune snapshots: %w", err)
		}
	}

	s.logger.Info("snapshot stored",
		"agents", len(snapshots),
		"computed_at", computedAt.UTC().Format(time.RFC3339),
		"pruned", pruned,
		"live_markets", s.cache.Len(),
		"elapsed", time.Since(started).String(),
	)
	return nil
}

func nextSnapshotDelay(now time.Time, interval time.Duration) time.Duration {
	interval = normalizeSnapshotInterval(interval)
	nextBoundary := now.Truncate(interval).Add(interval)
	delay := nextBoundary.Sub(now)
	if delay <= 0 {
		return time.Second
	}
	return delay
}

func normalizeSnapshotInterval(interval time.Duration) time.Duration {
	if interval < time.Second {
		return time.Minute
	}
	return interval.Truncate(time.Second)
}
