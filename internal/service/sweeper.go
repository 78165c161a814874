package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wenwu/saas-platform/panel-order-service/internal/client"
	"github.com/wenwu/saas-platform/panel-order-service/internal/clock"
)

// SweeperConfig tunes the expiry sweeper.
type SweeperConfig struct {
	Interval    time.Duration
	Concurrency int
	BatchSize   int
	ClaimTTL    time.Duration
}

// SweepReport summarizes one sweep cycle. Found equals
// Succeeded + Failed + Skipped.
type SweepReport struct {
	Found     int
	Claimed   int
	Succeeded int
	Failed    int
	Skipped   int
}

// ExpirySweeper expires ACTIVE orders whose access period has ended.
type ExpirySweeper struct {
	orders *OrderService
	store  OrderStore
	clock  clock.Clock
	cfg    SweeperConfig
	logger *slog.Logger
}

// NewExpirySweeper creates a new expiry sweeper
func NewExpirySweeper(orders *OrderService, store OrderStore, clk clock.Clock, cfg SweeperConfig, logger *slog.Logger) *ExpirySweeper {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ExpirySweeper{
		orders: orders,
		store:  store,
		clock:  clk,
		cfg:    cfg,
		logger: logger.With("component", "ExpirySweeper"),
	}
}

// Run sweeps once per interval until ctx is cancelled. A cycle in flight
// when ctx is cancelled finishes its claimed orders before Run returns.
func (w *ExpirySweeper) Run(ctx context.Context) {
	ticker := w.clock.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info("expiry sweeper started", "interval", w.cfg.Interval, "concurrency", w.cfg.Concurrency)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			report := w.RunExpirySweepCycle(ctx)
			if report.Found > 0 {
				w.logger.Info("sweep cycle finished",
					"found", report.Found,
					"claimed", report.Claimed,
					"succeeded", report.Succeeded,
					"failed", report.Failed,
					"skipped", report.Skipped,
				)
			}
		}
	}
}

// RunExpirySweepCycle expires every due order once. Per-order failures are
// logged and counted and never abort the cycle. Once ctx is done no new
// claims are taken; orders already claimed run to completion.
func (w *ExpirySweeper) RunExpirySweepCycle(ctx context.Context) SweepReport {
	var report SweepReport

	due, err := w.store.ListExpiredActive(ctx, w.clock.Now(), w.cfg.ClaimTTL, w.cfg.BatchSize)
	if err != nil {
		w.logger.Error("failed to list expired orders", "error", err)
		return report
	}
	report.Found = len(due)
	if len(due) == 0 {
		return report
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(w.cfg.Concurrency)

	for i, order := range due {
		if ctx.Err() != nil {
			mu.Lock()
			report.Skipped += len(due) - i
			mu.Unlock()
			break
		}
		order := order
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				report.Skipped++
				mu.Unlock()
				return nil
			}

			_, claimed, err := w.orders.expire(ctx, order)

			mu.Lock()
			defer mu.Unlock()
			if claimed {
				report.Claimed++
			}
			switch {
			case err == nil:
				report.Succeeded++
			case !claimed && errors.Is(err, ErrClaimConflict):
				report.Skipped++
			case client.IsTransient(err):
				// Retried on the next tick
				report.Failed++
				w.logger.Warn("failed to expire order", "order_id", order.ID, "error", err)
			default:
				report.Failed++
				w.logger.Error("failed to expire order", "order_id", order.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return report
}
