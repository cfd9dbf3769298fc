package scheduler

import (
	"context"
	"log/slog"
)

// Rotator trims stored history. *history.Store satisfies it.
type Rotator interface {
	Rotate(ctx context.Context) (int64, error)
}

// Sweeper drops expired confirmations. *approval.Manager satisfies it.
type Sweeper interface {
	Sweep() int
}

// Job names.
const (
	JobRotateHistory  = "rotate-history"
	JobSweepApprovals = "sweep-confirmations"
)

// AddMaintenance registers the rotation and sweep jobs. A nil rotator or
// sweeper skips its job.
func (s *Scheduler) AddMaintenance(cfg Config, rotator Rotator, sweeper Sweeper, logger *slog.Logger) error {
	if logger == nil {
		logger = s.logger
	}
	if rotator != nil {
		err := s.Add(Job{
			Name:     JobRotateHistory,
			Schedule: cfg.Rotate,
			Run: func(ctx context.Context) error {
				n, err := rotator.Rotate(ctx)
				if err != nil {
					return err
				}
				if n > 0 {
					logger.Info("history rotated", "deleted", n)
				}
				return nil
			},
		})
		if err != nil {
			return err
		}
	}
	if sweeper != nil {
		err := s.Add(Job{
			Name:     JobSweepApprovals,
			Schedule: cfg.Sweep,
			Run: func(context.Context) error {
				if n := sweeper.Sweep(); n > 0 {
					logger.Debug("expired confirmations swept", "removed", n)
				}
				return nil
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}
