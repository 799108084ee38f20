package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/newsmail/internal/metrics"
	"github.com/foxzi/newsmail/internal/models"
)

// Scheduler runs one batch for every due mailing per tick
type Scheduler struct {
	engine   *Engine
	limit    int
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(engine *Engine, limit int, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		engine:   engine,
		limit:    limit,
		interval: interval,
		logger:   logger.With("component", "scheduler"),
	}
}

// RunDue processes one batch of each due mailing. Mailings are independent:
// a hard failure of one is collected and the others still run.
func (s *Scheduler) RunDue(ctx context.Context, limit int) ([]BatchResult, error) {
	due, err := s.engine.mailings.ListDue(s.engine.now())
	if err != nil {
		return nil, fmt.Errorf("failed to list due mailings: %w", err)
	}

	var results []BatchResult
	var errs []error
	for _, m := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := s.engine.ProcessBatch(ctx, m.UID, limit)
		results = append(results, res)
		if err != nil {
			s.logger.Error("batch failed", "mailing", m.UID, "error", err)
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}

// MailingStats reports scheduled and sending mailings for the metrics collector
func (s *Scheduler) MailingStats(ctx context.Context) (*metrics.MailingStats, error) {
	counts, err := s.engine.mailings.CountByStatus()
	if err != nil {
		return nil, err
	}
	return &metrics.MailingStats{
		Scheduled: counts[models.StatusScheduled],
		Sending:   counts[models.StatusSending],
	}, nil
}

// Start runs RunDue on every tick until Stop is called
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
	s.logger.Info("scheduler started", "interval", s.interval, "max_per_cycle", s.limit)
}

// Stop stops the scheduler and waits for the running batch
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.logger.Info("stopping scheduler...")
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx, s.limit)
		}
	}
}
