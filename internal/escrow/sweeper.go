package escrow

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/parcelmarket/escrowd/internal/metrics"
	"github.com/parcelmarket/escrowd/internal/traces"
)

// SweepResult reports one sweep pass.
type SweepResult struct {
	Processed []string `json:"processedContracts"`
	Skipped   int      `json:"skipped"`
}

// Sweep auto-releases every FUNDED escrow whose deadline passed before
// now. Each record is re-read under its per-entity lock, so contracts
// released or disputed since the listing are skipped silently and a
// concurrent sweep of the same batch is idempotent. A failing record is
// logged and skipped, never aborting the batch.
func (s *Service) Sweep(ctx context.Context, now time.Time) (*SweepResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Sweep")
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	expired, err := s.store.ListExpired(ctx, now, s.sweepBatch)
	if err != nil {
		return nil, err
	}

	result := &SweepResult{Processed: []string{}}
	for _, candidate := range expired {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		released, err := s.sweepOne(ctx, candidate.ID)
		switch {
		case err == nil && released:
			result.Processed = append(result.Processed, candidate.ID)
			metrics.SweepProcessedTotal.Inc()
		case err == nil:
			result.Skipped++
		default:
			result.Skipped++
			s.logger.Warn("sweep: auto-release failed, skipping record",
				"escrow_id", candidate.ID, "error", err)
		}
	}

	span.SetAttributes(traces.Processed(len(result.Processed)))
	if len(result.Processed) > 0 {
		s.logger.Info("sweep complete",
			"processed", len(result.Processed), "skipped", result.Skipped)
	}
	return result, nil
}

// sweepOne returns (false, nil) when the record no longer qualifies.
func (s *Service) sweepOne(ctx context.Context, escrowID string) (bool, error) {
	unlock := s.locks.Lock(escrowID)
	defer unlock()

	if _, err := s.autoRelease(ctx, escrowID); err != nil {
		if errors.Is(err, ErrInvalidStatus) || errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Sweeper runs Sweep on an interval until stopped.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
	running  atomic.Bool
	inFlight atomic.Bool
}

// NewSweeper creates a sweeper; it does nothing until Start.
func NewSweeper(service *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. Safe to call once.
func (sw *Sweeper) Start(ctx context.Context) {
	if !sw.running.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer close(sw.done)
		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		sw.logger.Info("expiration sweeper started", "interval", sw.interval)
		for {
			select {
			case <-ticker.C:
				sw.safeSweep(ctx)
			case <-sw.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for any in-progress sweep to finish.
func (sw *Sweeper) Stop() {
	if !sw.running.CompareAndSwap(true, false) {
		return
	}
	close(sw.stop)
	<-sw.done
	sw.logger.Info("expiration sweeper stopped")
}

// safeSweep skips the tick when the previous sweep is still running and
// recovers from panics so a bad record cannot kill the loop.
func (sw *Sweeper) safeSweep(ctx context.Context) {
	if !sw.inFlight.CompareAndSwap(false, true) {
		sw.logger.Warn("sweep still in progress, skipping tick")
		return
	}
	defer sw.inFlight.Store(false)
	defer func() {
		if r := recover(); r != nil {
			sw.logger.Error("sweep panic recovered", "panic", r)
		}
	}()

	if _, err := sw.service.Sweep(ctx, time.Now().UTC()); err != nil {
		sw.logger.Error("sweep failed", "error", err)
	}
}
