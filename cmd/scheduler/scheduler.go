package scheduler

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"vaultexecutor/src/database"
	"vaultexecutor/src/executors"
	"vaultexecutor/src/locks"
	"vaultexecutor/src/model"
	"vaultexecutor/src/oracle"
	"vaultexecutor/src/repository"
)

// Scheduler is the long running sweep process. It evaluates every
// active position on a fixed period and executes triggers that are met.
type Scheduler struct{}

func (s *Scheduler) Start() error {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Error("connecting to the main database")
		return err
	}

	eng, _, err := executors.BuildEngine()
	if err != nil {
		logrus.WithError(err).Error("building execution engine")
		return err
	}

	positions := repository.NewPositionRepository()

	lockMgr := locks.NewManager(locks.GetConfig())
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := lockMgr.Ping(pingCtx); err != nil {
		logrus.WithError(err).Warn("redis unreachable, sweeping without distributed locks")
		lockMgr = nil
	}
	cancel()

	hinter, err := startStream(ctx, positions)
	if err != nil {
		logrus.WithError(err).Warn("price stream unavailable, sweeping without pre-filter")
	}

	sweeper := executors.NewSweeper(executors.GetConfig(), eng, positions, lockMgr, hinter)

	logrus.Info("scheduler started")
	return sweeper.StartLoop(ctx)
}

// startStream subscribes to the off-chain price stream for every feed
// referenced by an active position. The stream only serves as a cheap
// proximity hint, so failing to start it is not fatal.
func startStream(ctx context.Context, positions *repository.PositionRepository) (executors.PriceHinter, error) {
	active, err := positions.ListByStatus(ctx, model.PositionStatusActive)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	feedIDs := make([]string, 0, len(active))
	for _, pos := range active {
		id := oracle.NormalizeFeedID(pos.FeedID)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		feedIDs = append(feedIDs, id)
	}
	if len(feedIDs) == 0 {
		return nil, nil
	}

	stream, err := oracle.NewStream(oracle.GetConfig(), feedIDs)
	if err != nil {
		return nil, err
	}
	go stream.Run(ctx)

	return stream, nil
}
