package crawl

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andrecp/telemirror/internal/status"
)

// Scheduler runs crawl cycles on a fixed interval and on demand. Cycles
// never overlap: a trigger that lands while a cycle is running coalesces
// into a single follow-up run.
type Scheduler struct {
	engine   *Engine
	machine  *status.Machine
	interval time.Duration
	logger   *zap.Logger

	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// NewScheduler creates a scheduler for the given engine.
func NewScheduler(engine *Engine, machine *status.Machine, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		engine:   engine,
		machine:  machine,
		interval: interval,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// Start launches the scheduling loop. The first cycle runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop halts the loop and waits for any in-progress cycle to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
	})
}

// TriggerNow requests an immediate cycle. Non-blocking; if a trigger is
// already pending the request coalesces into it.
func (s *Scheduler) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx)
		case <-s.trigger:
			s.runCycle(ctx)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := s.machine.Transition(status.Crawling); err != nil {
		s.logger.Warn("skipping cycle", zap.Error(err))
		return
	}
	if _, err := s.engine.RunCycle(ctx); err != nil {
		s.logger.Error("crawl cycle failed", zap.Error(err))
	}
	if err := s.machine.Transition(status.Idle); err != nil {
		s.logger.Warn("status transition failed", zap.Error(err))
	}
}
