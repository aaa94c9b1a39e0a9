package pdslot

import (
	"context"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

const (
	DefaultSweepInterval    = 1 * time.Minute
	DefaultSweepParallelism = 4
)

// Sweeper periodically enforces retention across every slot in the store so
// that expired items are purged even if nobody asks for them again.
type Sweeper struct {
	interval         time.Duration
	logger           *logrus.Logger
	name             string
	parallelism      int
	service          *Service
	sweepLoopStarted bool
}

func NewSweeper(logger *logrus.Logger, service *Service, interval time.Duration, parallelism int) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if parallelism < 1 {
		parallelism = DefaultSweepParallelism
	}

	return &Sweeper{
		interval:    interval,
		logger:      logger,
		name:        reflect.TypeOf(Sweeper{}).Name(),
		parallelism: parallelism,
		service:     service,
	}
}

// SweepLoop sweeps on an interval until ctx is cancelled.
func (s *Sweeper) SweepLoop(ctx context.Context) {
	if s.sweepLoopStarted {
		panic("SweepLoop already started -- should only be run once")
	}

	s.sweepLoopStarted = true

	for {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Errorf(s.name+": Error sweeping: %v", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Info(s.name + ": Received shutdown signal")
			return

		case <-time.After(s.interval):
		}
	}
}

// Sweep enforces retention on every slot once and returns the number of
// expired slots deleted. A failure on one slot is logged and doesn't stop the
// sweep. An error is returned only if slots couldn't be listed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	keys, err := s.service.store.Keys(ctx)
	if err != nil {
		return 0, xerrors.Errorf("error listing slots: %w", err)
	}

	var (
		errGroup  errgroup.Group
		numErrors int64
		numSwept  int64
	)
	errGroup.SetLimit(s.parallelism)

	for _, key := range keys {
		key := key
		errGroup.Go(func() error {
			view, err := s.service.enforceKey(ctx, key)
			if err != nil {
				atomic.AddInt64(&numErrors, 1)
				s.logger.WithFields(logrus.Fields{
					"slot_key": key,
				}).Errorf(s.name+": Error sweeping slot: %v", err)
				return nil
			}

			if view.State == StateExpired {
				atomic.AddInt64(&numSwept, 1)
			}
			return nil
		})
	}

	_ = errGroup.Wait()

	s.logger.WithFields(logrus.Fields{
		"num_errors": numErrors,
		"num_slots":  len(keys),
		"num_swept":  numSwept,
	}).Infof(s.name+": Swept %d expired slot(s)", numSwept)

	return int(numSwept), nil
}
