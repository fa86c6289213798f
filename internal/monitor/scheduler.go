package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler drives the monitor at a fixed cadence, decoupled from the ingest
// path. Ticks that arrive while a cycle is still running coalesce: at most
// one pending cycle waits to start.
type Scheduler struct {
	interval time.Duration
	run      func(context.Context)
	logger   *zap.Logger

	trigger chan struct{}
	quit    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewScheduler creates a Scheduler invoking run every interval.
func NewScheduler(interval time.Duration, run func(context.Context), logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		interval: interval,
		run:      run,
		logger:   logger.Named("scheduler"),
		trigger:  make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
}

// Start launches the tick and worker loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.tick()
	go s.work(ctx)
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
}

func (s *Scheduler) tick() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case s.trigger <- struct{}{}:
			default:
				// A cycle is running and one is already pending; coalesce.
				coalescedCounter.Inc()
				s.logger.Debug("tick coalesced, previous cycle still running")
			}
		case <-s.quit:
			return
		}
	}
}

func (s *Scheduler) work(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.trigger:
			s.run(ctx)
		case <-s.quit:
			return
		}
	}
}

// Kick requests an immediate cycle, subject to the same coalescing.
func (s *Scheduler) Kick() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Stop halts further triggers and waits for the in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.quit) })
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}
