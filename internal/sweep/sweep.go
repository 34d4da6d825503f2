// Package sweep periodically re-runs backfill for users who are online, so
// messages whose live push failed do not wait for a reconnect.
package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

type Redeliverer interface {
	RedeliverOnline(ctx context.Context) (int, error)
}

type Scheduler struct {
	cron   string
	target Redeliverer
	log    *zap.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cron string, target Redeliverer, log *zap.Logger) (*Scheduler, error) {
	if !gronx.IsValid(cron) {
		return nil, fmt.Errorf("invalid sweep cron expression: %s", cron)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		cron:   cron,
		target: target,
		log:    log,
		now:    time.Now,
		after:  time.After,
	}, nil
}

// Start runs the schedule in the background until Stop or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	s.log.Info("sweep_scheduler_started", zap.String("cron", s.cron))
}

// Stop cancels the schedule and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(s.cron, s.now().UTC(), false)
		if err != nil {
			s.log.Error("sweep_nexttick_failed", zap.String("cron", s.cron), zap.Error(err))
			next = s.now().Add(30 * time.Second)
		}

		select {
		case <-s.after(time.Until(next)):
			s.RunOnce(ctx)
		case <-ctx.Done():
			s.log.Info("sweep_scheduler_stopping")
			return
		}
	}
}

// RunOnce performs a single sweep and returns the number of messages
// delivered.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	start := s.now()
	n, err := s.target.RedeliverOnline(ctx)
	if err != nil {
		s.log.Warn("sweep_partial_failure", zap.Int("delivered", n), zap.Error(err))
		return n
	}
	s.log.Info("sweep_done", zap.Int("delivered", n), zap.Duration("took", s.now().Sub(start)))
	return n
}
