// Package scheduler drives the poll loop: one immediate poll on start,
// then one per interval, with at most one poll in flight at any time.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler runs a poll function on a fixed interval. A tick that fires
// while a previous poll is still running is skipped, never run
// concurrently: sensor values have a single writer.
type Scheduler struct {
	ctx      context.Context
	run      func(context.Context)
	interval time.Duration
	logger   *logrus.Logger
	cron     *cron.Cron

	inFlight atomic.Bool
	wg       sync.WaitGroup
}

// New creates a Scheduler that invokes run with the given parent context.
// Cancelling ctx aborts an in-flight poll.
func New(ctx context.Context, interval time.Duration, run func(context.Context), logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		ctx:      ctx,
		run:      run,
		interval: interval,
		logger:   logger,
		cron:     cron.New(cron.WithLogger(cron.PrintfLogger(logger))),
	}
}

// Start registers the interval job, runs one immediate poll so sensors are
// live before the first interval elapses, and starts the timer.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), s.runOnce)
	if err != nil {
		return err
	}

	go s.runOnce()
	s.cron.Start()
	return nil
}

// runOnce executes one poll unless one is already in flight.
func (s *Scheduler) runOnce() {
	s.wg.Add(1)
	defer s.wg.Done()

	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Debug("poll still in flight, skipping tick")
		return
	}
	defer s.inFlight.Store(false)

	s.run(s.ctx)
}

// Stop halts the timer and blocks until any in-flight poll returns.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.wg.Wait()
}
