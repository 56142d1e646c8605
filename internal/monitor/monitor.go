package monitor

import (
	"context"
	"time"

	"github.com/crosslogic/session-billing/internal/billing"
	"github.com/crosslogic/session-billing/internal/session"
	"github.com/crosslogic/session-billing/pkg/apperr"
	"github.com/crosslogic/session-billing/pkg/clock"
	"github.com/crosslogic/session-billing/pkg/metrics"
	"go.uber.org/zap"
)

// Sessions is the part of session.Machine the reaper drives.
type Sessions interface {
	ListOpen(ctx context.Context) ([]*session.Usage, error)
	End(ctx context.Context, usageID string, rating *int) (*billing.Bill, bool, error)
}

// Reaper force-ends open sessions that have gone silent or overrun their
// window. It is the only timer in the system; the session machine itself is
// purely request driven.
type Reaper struct {
	sessions  Sessions
	clock     clock.Clock
	threshold time.Duration
	interval  time.Duration
	logger    *zap.Logger
}

// NewReaper builds a reaper. threshold is the disconnect threshold added to
// each session's max duration.
func NewReaper(sessions Sessions, clk clock.Clock, threshold, interval time.Duration, logger *zap.Logger) *Reaper {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		sessions:  sessions,
		clock:     clk,
		threshold: threshold,
		interval:  interval,
		logger:    logger,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("session reaper started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("session reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("session sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep ends every expired session once and returns the ids it ended.
// A failure on one session does not stop the sweep.
func (r *Reaper) Sweep(ctx context.Context) ([]string, error) {
	open, err := r.sessions.ListOpen(ctx)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	var reaped []string
	for _, u := range r.Expired(open, now) {
		bill, _, err := r.sessions.End(ctx, u.ID, nil)
		if err != nil {
			// Another request may have closed it between list and end.
			if apperr.CodeOf(err) == apperr.CodeInvalidState {
				continue
			}
			r.logger.Warn("failed to reap session",
				zap.String("usage_id", u.ID),
				zap.Error(err),
			)
			continue
		}
		metrics.ReapedSessions.Inc()
		r.logger.Info("reaped idle session",
			zap.String("usage_id", u.ID),
			zap.Time("last_heartbeat", u.LastHeartbeat),
			zap.Int64("final_charge", bill.Billing.FinalCharge),
		)
		reaped = append(reaped, u.ID)
	}
	return reaped, nil
}

// Expired lists sessions silent for longer than their window, or running past
// it since join. The window is maxMinutes plus the disconnect threshold.
func (r *Reaper) Expired(open []*session.Usage, now time.Time) []*session.Usage {
	expired := make([]*session.Usage, 0)
	for _, u := range open {
		window := time.Duration(u.MaxMinutes)*time.Minute + r.threshold
		if now.Sub(u.LastHeartbeat) > window || now.Sub(u.JoinTime) > window {
			expired = append(expired, u)
		}
	}
	return expired
}
