// Package worker runs the engine's periodic maintenance: proxy health
// checks, model retraining, pattern analysis and snapshots. Loops are owned
// by a supervisor instead of being spawned fire-and-forget from
// constructors, so shutdown is explicit and each loop can be cancelled on
// its own.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Loop is one named periodic job. Run is called once per tick and must
// return when its work is done; it is never invoked concurrently with
// itself.
type Loop struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Supervisor owns a set of loops and their cancellation.
type Supervisor struct {
	log *zap.Logger

	mu      sync.Mutex
	loops   []Loop
	started bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(logger *zap.Logger) *Supervisor {
	return &Supervisor{
		log: logger.With(zap.String("component", "supervisor")),
	}
}

// Add registers a loop. Loops with a non-positive interval are ignored;
// that is how config disables a maintenance job. Add panics after Start.
func (s *Supervisor) Add(loop Loop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("worker: Add after Start")
	}
	if loop.Interval <= 0 || loop.Run == nil {
		s.log.Info("Maintenance loop disabled", zap.String("loop", loop.Name))
		return
	}
	s.loops = append(s.loops, loop)
}

// Start launches every registered loop. The loops stop when ctx is
// cancelled or Stop is called, whichever comes first.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	loops := append([]Loop(nil), s.loops...)
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Info("Starting maintenance loops", zap.Int("count", len(loops)))
	for _, loop := range loops {
		s.wg.Add(1)
		go s.runLoop(runCtx, loop)
	}
}

// Stop cancels all loops and waits for in-flight iterations to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info("Maintenance loops stopped")
}

func (s *Supervisor) runLoop(ctx context.Context, loop Loop) {
	defer s.wg.Done()
	logger := s.log.With(zap.String("loop", loop.Name))
	logger.Info("Loop started", zap.Duration("interval", loop.Interval))

	ticker := time.NewTicker(loop.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Loop stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx, loop, logger)
		}
	}
}

// runOnce executes one iteration, absorbing panics so one bad maintenance
// pass cannot take the process down.
func (s *Supervisor) runOnce(ctx context.Context, loop Loop, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Loop iteration panicked", zap.Any("panic", r))
		}
	}()
	loop.Run(ctx)
}
