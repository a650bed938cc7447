// Package sweeper fails orphaned pending messages. A generation that
// crashed or was abandoned mid-flight leaves its message pending forever;
// the sweeper transitions anything pending longer than the configured
// lifetime to failed so readers never wait on a dead stream.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"weft/pkg/config"
	"weft/pkg/logger"
	"weft/pkg/models"
	"weft/pkg/store"
	"weft/pkg/stream"
	"weft/pkg/telemetry"
)

const failReason = "generation abandoned: exceeded maximum pending lifetime"

// Start launches the cron-scheduled sweeper. Returns a no-op cancel when
// disabled.
func Start(ctx context.Context, st *store.Store, eng *stream.Engine, cfg config.SweeperConfig) (context.CancelFunc, error) {
	if !cfg.Enabled {
		logger.Info("sweeper_disabled")
		return func() {}, nil
	}
	cronExpr := cfg.Cron
	if cronExpr == "" {
		cronExpr = "*/5 * * * *"
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid sweeper cron expression: %s", cfg.Cron)
	}
	maxPending := cfg.MaxPending.Duration()
	if maxPending <= 0 {
		maxPending = 10 * time.Minute
	}

	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, st, eng, cronExpr, maxPending)
	logger.Info("sweeper_started", "cron", cronExpr, "max_pending", maxPending.String())
	return cancel, nil
}

// runScheduler sleeps until the next cron tick and sweeps.
func runScheduler(ctx context.Context, st *store.Store, eng *stream.Engine, cronExpr string, maxPending time.Duration) {
	for {
		next, err := gronx.NextTickAfter(cronExpr, time.Now().UTC(), false)
		if err != nil {
			logger.Error("sweeper_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-time.After(time.Until(next)):
			if n, err := SweepOnce(st, eng, maxPending); err != nil {
				logger.Error("sweep_failed", "error", err)
			} else if n > 0 {
				logger.Info("sweep_complete", "failed_messages", n)
			}
		case <-ctx.Done():
			logger.Info("sweeper_stopping")
			return
		}
	}
}

// SweepOnce fails every message pending longer than maxPending and closes
// its stream. Returns the number of messages transitioned.
func SweepOnce(st *store.Store, eng *stream.Engine, maxPending time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxPending)
	ids, err := st.ListPendingOlderThan(cutoff)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, id := range ids {
		if _, err := st.FinalizeMessage(id, store.FinalizeOutcome{
			Status:    models.StatusFailed,
			ErrReason: failReason,
		}); err != nil {
			// a racing finalize got there first; nothing to do
			logger.Debug("sweep_skip", "message", id, "error", err)
			continue
		}
		if eng != nil {
			if err := eng.Finish(id); err != nil {
				logger.Warn("sweep_stream_finish_failed", "message", id, "error", err)
			}
		}
		swept++
	}
	if swept > 0 {
		telemetry.PendingSwept(swept)
	}
	return swept, nil
}
