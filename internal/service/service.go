package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/maxphoton/PiggyBank/internal/diff"
	"github.com/maxphoton/PiggyBank/internal/dispatch"
	"github.com/maxphoton/PiggyBank/internal/feed"
	"github.com/maxphoton/PiggyBank/internal/scheduler"
	"github.com/maxphoton/PiggyBank/internal/snapshot"
)

// Dispatcher fans a batch of notifications out to recipients.
type Dispatcher interface {
	Dispatch(ctx context.Context, notifications []diff.Notification) dispatch.Result
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Service orchestrates the fetch → diff → dispatch → persist pipeline.
type Service struct {
	scheduler  *scheduler.Scheduler
	source     feed.Source
	snapshots  snapshot.Store
	engine     *diff.Engine
	dispatcher Dispatcher
	logger     zerolog.Logger

	locker  AdvisoryLocker
	lockKey int64

	dispatches sync.WaitGroup
}

// New constructs the monitoring service.
func New(sched *scheduler.Scheduler, source feed.Source, snapshots snapshot.Store, engine *diff.Engine, dispatcher Dispatcher, locker AdvisoryLocker, lockKey int64, logger zerolog.Logger) *Service {
	return &Service{
		scheduler:  sched,
		source:     source,
		snapshots:  snapshots,
		engine:     engine,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "service").Logger(),
		locker:     locker,
		lockKey:    lockKey,
	}
}

// Run begins the polling loop and, on shutdown, drains any dispatch still
// in flight.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	err := s.scheduler.Run(ctx, s.Cycle)
	s.dispatches.Wait()
	return err
}

// Cycle 执行一次完整的检测周期。
// Fetch and diff run inline; dispatch is detached so a large audience
// never delays the next cycle's freshness. The new snapshot is always
// persisted before returning, so detection only ever compares against
// the previous cycle.
func (s *Service) Cycle(ctx context.Context, tick time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	current, err := s.source.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch assets: %w", err)
	}

	saved, err := s.snapshots.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	if saved == nil {
		// First run: seed the snapshot, notify nobody.
		s.logger.Info().Int("assets", len(current)).Msg("no prior snapshot, seeding")
		if err := s.snapshots.Save(ctx, current); err != nil {
			return fmt.Errorf("seed snapshot: %w", err)
		}
		return nil
	}

	notifications := s.engine.Detect(ctx, current, saved)

	if err := s.snapshots.Save(ctx, current); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	if len(notifications) == 0 {
		s.logger.Debug().Time("tick", tick).Msg("no changes detected")
		return nil
	}

	s.logger.Info().Int("notifications", len(notifications)).Msg("launching dispatch in background")
	s.dispatches.Add(1)
	go func() {
		defer s.dispatches.Done()
		result := s.dispatcher.Dispatch(ctx, notifications)
		s.logger.Info().Int("sent", result.Sent).Int("failed", result.Failed).Msg("background dispatch finished")
	}()

	return nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
