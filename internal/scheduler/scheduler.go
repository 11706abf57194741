package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/counselkit/metering/internal/clock"
	"github.com/counselkit/metering/internal/config"
	ledgerdomain "github.com/counselkit/metering/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler configuration is invalid")

type Params struct {
	fx.In

	Log       *zap.Logger
	Config    config.Config
	Clock     clock.Clock
	LedgerSvc ledgerdomain.Service
}

// Scheduler owns the idempotency-record retention sweep. Pruning is a
// maintenance concern only: the retention window must stay long enough
// that no plausible client retry can outlive its key.
type Scheduler struct {
	log       *zap.Logger
	clock     clock.Clock
	ledgerSvc ledgerdomain.Service

	retention time.Duration
	interval  time.Duration
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.LedgerSvc == nil {
		return nil, ErrInvalidConfig
	}

	retention := p.Config.IdempotencyRetention
	if retention <= 0 {
		retention = 48 * time.Hour
	}
	interval := p.Config.PruneInterval
	if interval <= 0 {
		interval = time.Hour
	}

	return &Scheduler{
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		clock:     p.Clock,
		ledgerSvc: p.LedgerSvc,
		retention: retention,
		interval:  interval,
	}, nil
}

func (s *Scheduler) RunOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cutoff := s.clock.Now().Add(-s.retention)
	pruned, err := s.ledgerSvc.PruneIdempotencyRecords(ctx, cutoff)
	if err != nil {
		return err
	}
	if pruned > 0 {
		s.log.Info("retention sweep complete",
			zap.Int64("pruned", pruned),
			zap.Time("cutoff", cutoff),
		)
	}
	return nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("retention sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
