package executors

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"vaultexecutor/src/engine"
	"vaultexecutor/src/locks"
	"vaultexecutor/src/model"
	"vaultexecutor/src/oracle"
	"vaultexecutor/src/pricing"
)

// PositionLister is the slice of the position repository the sweep needs.
type PositionLister interface {
	ListByStatus(ctx context.Context, statuses ...string) ([]model.Position, error)
}

// PriceHinter is an optional source of free off-chain prices used to skip
// paid cycles. Decisions never rest on it; it only gates whether a full
// on-chain cycle is worth paying for.
type PriceHinter interface {
	Latest(feedID string) (oracle.PriceUpdate, bool)
}

// Sweeper drives periodic evaluation of every eligible position.
type Sweeper struct {
	cfg       Config
	engine    *engine.Engine
	positions PositionLister
	lockMgr   *locks.Manager
	hinter    PriceHinter
}

// NewSweeper wires a sweeper. hinter and lockMgr may be nil; the sweep then
// runs unfiltered and uncoordinated, which is correct but wasteful when
// several workers share the database.
func NewSweeper(cfg Config, eng *engine.Engine, positions PositionLister, lockMgr *locks.Manager, hinter PriceHinter) *Sweeper {
	return &Sweeper{cfg: cfg, engine: eng, positions: positions, lockMgr: lockMgr, hinter: hinter}
}

// StartLoop ticks until the context is cancelled, sweeping all active and
// in-flight positions each period.
func (s *Sweeper) StartLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.LoopPeriod)
	defer ticker.Stop()

	logger.WithField("period", s.cfg.LoopPeriod).Info("trigger sweep loop started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("sweep loop stopped")
			return nil
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("sweep failed")
			}
		}
	}
}

// SweepOnce evaluates every eligible position once, with bounded
// concurrency. Cycles for distinct positions run in parallel; per-position
// serialization is handled by the store's conditional updates, with the
// redis lock only trimming wasted work.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	positions, err := s.positions.ListByStatus(ctx, model.PositionStatusActive, model.PositionStatusExecuting)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	limit := s.cfg.Concurrency
	if limit <= 0 {
		limit = 8
	}
	g.SetLimit(limit)

	for i := range positions {
		pos := positions[i]
		g.Go(func() error {
			s.processOne(gctx, pos)
			return nil
		})
	}

	return g.Wait()
}

func (s *Sweeper) processOne(ctx context.Context, pos model.Position) {
	// In-flight executions are always resumed; the pre-filter only applies
	// to fresh evaluations.
	if pos.Status == model.PositionStatusActive && !s.worthEvaluating(&pos) {
		return
	}

	if s.lockMgr != nil {
		release, err := s.lockMgr.AcquirePosition(ctx, pos.ID, s.cfg.LockTTL)
		if err != nil {
			if !errors.Is(err, locks.ErrHeld) {
				logger.WithError(err).WithField("position_id", pos.ID).Warn("sweep lock unavailable, proceeding unlocked")
			} else {
				return
			}
		} else {
			defer release()
		}
	}

	outcome, err := s.engine.Execute(ctx, pos.ID, s.engine.Policy())
	if err != nil {
		logger.WithError(err).WithField("position_id", pos.ID).Warn("evaluation cycle failed")
		return
	}

	if outcome.Executed {
		logger.WithFields(map[string]interface{}{
			"position_id":    pos.ID,
			"kind":           outcome.Kind,
			"settlement_ref": outcome.SettlementRef,
		}).Info("sweep executed position")
	}
}

// worthEvaluating consults the free stream price. Without stream data the
// sweep fails open and evaluates, since skipping on ignorance could delay a
// protective exit.
func (s *Sweeper) worthEvaluating(pos *model.Position) bool {
	if s.hinter == nil || s.cfg.ProximityBps <= 0 || !pos.HasTriggers() {
		return true
	}

	hint, ok := s.hinter.Latest(pos.FeedID)
	if !ok {
		return true
	}

	price, _ := pricing.Normalize(hint)
	if !price.IsPositive() {
		return true
	}

	margin := decimal.New(s.cfg.ProximityBps, -4) // bps to fraction

	slBand := pos.StopLossPrice.Mul(decimal.NewFromInt(1).Add(margin))
	tpBand := pos.TakeProfitPrice.Mul(decimal.NewFromInt(1).Sub(margin))

	return price.LessThanOrEqual(slBand) || price.GreaterThanOrEqual(tpBand)
}
