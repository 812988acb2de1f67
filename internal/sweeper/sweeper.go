// Package sweeper drives the periodic grant lifecycle passes: retiring
// expired grants and activating due ones.
package sweeper

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/leader"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"go.uber.org/zap"
)

// Runner ticks on a fixed interval and, while holding leadership, runs the
// expiration pass followed by the issuance pass. The two passes operate on
// disjoint grant sets, so their order only affects statement timestamps.
type Runner struct {
	service  *credits.Service
	guard    leader.Guard
	interval time.Duration
	logger   *zap.Logger
}

// New wires a Runner.
func New(service *credits.Service, guard leader.Guard, interval time.Duration, logger *zap.Logger) *Runner {
	if guard == nil {
		guard = leader.Static(true)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{service: service, guard: guard, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (runner *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(runner.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := runner.guard.Release(context.Background()); err != nil {
				runner.logger.Warn("leadership release failed", zap.Error(err))
			}
			return ctx.Err()
		case <-ticker.C:
			runner.sweepOnce(ctx)
		}
	}
}

func (runner *Runner) sweepOnce(ctx context.Context) {
	isLeader, err := runner.guard.Acquire(ctx)
	if err != nil {
		runner.logger.Warn("leadership check failed", zap.Error(err))
		return
	}
	if !isLeader {
		return
	}
	expiredCount, err := runner.service.ExpireDueGrants(ctx, "")
	if err != nil {
		runner.logger.Error("expiration pass failed", zap.Int("expired", expiredCount), zap.Error(err))
	}
	issuedCount, err := runner.service.IssueDueGrants(ctx, "")
	if err != nil {
		runner.logger.Error("issuance pass failed", zap.Int("issued", issuedCount), zap.Error(err))
	}
	if expiredCount > 0 || issuedCount > 0 {
		runner.logger.Info("sweep completed", zap.Int("expired", expiredCount), zap.Int("issued", issuedCount))
	}
}
