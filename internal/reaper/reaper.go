// Package reaper destroys kept-alive sandboxes whose deadline lapsed.
// Providers enforce their own sandbox lifetime; the reaper is the
// backstop that also keeps run records truthful.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/sandstorm/internal/observability"
	"github.com/jkaninda/sandstorm/internal/sandbox"
	"github.com/jkaninda/sandstorm/internal/store"
)

const sweepTimeout = 2 * time.Minute

// Runs is the slice of the run store the reaper needs.
type Runs interface {
	ExpiredKeptAlive(ctx context.Context, now time.Time) ([]store.RunRecord, error)
	MarkDestroyed(ctx context.Context, runID string) error
}

// Reaper periodically sweeps expired kept-alive sandboxes.
type Reaper struct {
	runs     Runs
	provider sandbox.Provider
	interval time.Duration
	logger   *slog.Logger
	metrics  *observability.MetricsCollector
	cron     *cron.Cron
}

// New creates a Reaper sweeping at the given interval. metrics may be nil.
func New(runs Runs, provider sandbox.Provider, interval time.Duration, logger *slog.Logger, metrics *observability.MetricsCollector) *Reaper {
	return &Reaper{
		runs:     runs,
		provider: provider,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
		cron:     cron.New(),
	}
}

// Start schedules the sweep and begins running it.
func (r *Reaper) Start() {
	r.cron.Schedule(cron.Every(r.interval), cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Error("reaper sweep failed", slog.String("error", err.Error()))
		}
	}))
	r.cron.Start()
	r.logger.Info("reaper started", slog.Duration("interval", r.interval))
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("reaper stopped")
}

// Sweep destroys every expired kept-alive sandbox and marks its run
// destroyed. A sandbox the provider no longer knows is treated as
// already gone. Returns the number of runs transitioned.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	expired, err := r.runs.ExpiredKeptAlive(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	destroyed := 0
	for _, rec := range expired {
		if err := r.destroy(ctx, rec); err != nil {
			r.logger.Warn("destroying expired sandbox failed",
				slog.String("run_id", rec.ID),
				slog.String("sandbox_id", rec.SandboxID),
				slog.String("error", err.Error()),
			)
			continue
		}
		destroyed++
	}
	if destroyed > 0 {
		r.logger.Info("reaped expired sandboxes", slog.Int("count", destroyed))
	}
	return destroyed, nil
}

func (r *Reaper) destroy(ctx context.Context, rec store.RunRecord) error {
	sbx, err := r.provider.Connect(ctx, rec.SandboxID, "")
	switch {
	case errors.Is(err, sandbox.ErrNotFound):
		// Provider lifetime already removed it; just settle the record.
	case err != nil:
		return err
	default:
		if err := sbx.Kill(ctx); err != nil {
			return err
		}
		if r.metrics != nil {
			r.metrics.SandboxesDestroyedTotal.WithLabelValues("reaped").Inc()
		}
		r.logger.Info("destroyed expired sandbox",
			slog.String("run_id", rec.ID),
			slog.String("sandbox_id", rec.SandboxID),
		)
	}
	return r.runs.MarkDestroyed(ctx, rec.ID)
}
