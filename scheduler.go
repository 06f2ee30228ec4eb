package backfila

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// SchedulerConfig tunes a RunnerScheduler. Zero fields take their defaults.
type SchedulerConfig struct {
	// PoolSize bounds concurrently executing runners (default: 10).
	PoolSize int
	// MinHuntInterval and MaxHuntInterval bound the random pause between hunts
	// (default: 1s and 5s).
	MinHuntInterval time.Duration
	MaxHuntInterval time.Duration
	// ShutdownTimeout is how long Stop waits for runners to drain (default: 10s).
	ShutdownTimeout time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.MinHuntInterval <= 0 {
		c.MinHuntInterval = time.Second
	}
	if c.MaxHuntInterval <= 0 {
		c.MaxHuntInterval = 5 * time.Second
	}
	if c.MaxHuntInterval < c.MinHuntInterval {
		c.MaxHuntInterval = c.MinHuntInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// RunnerScheduler repeatedly hunts for leases and executes the won partitions on a bounded
// pool of goroutines.
type RunnerScheduler struct {
	hunter *LeaseHunter
	config SchedulerConfig
	logger *slog.Logger

	mu      sync.Mutex
	runners map[*BackfillRunner]struct{}
	wg      sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
	cancel    context.CancelFunc
}

// NewRunnerScheduler creates a scheduler that hunts with hunter.
func NewRunnerScheduler(hunter *LeaseHunter, config SchedulerConfig) *RunnerScheduler {
	return &RunnerScheduler{
		hunter:  hunter,
		config:  config.withDefaults(),
		logger:  hunter.env.Logger.With("component", "scheduler"),
		runners: make(map[*BackfillRunner]struct{}),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the hunt loop and returns immediately. Runners execute under ctx until Stop.
func (s *RunnerScheduler) Start(ctx context.Context) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	started := false
	s.startOnce.Do(func() {
		started = true
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		go s.huntLoop(runCtx)
	})
	if !started {
		return fmt.Errorf("scheduler already started")
	}
	s.logger.Info("scheduler started", "poolSize", s.config.PoolSize)
	return nil
}

// Stop stops hunting, asks every runner to stop after its current call and waits up to
// ShutdownTimeout for them. Runners still going after that have their context cancelled.
func (s *RunnerScheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.startOnce.Do(func() { close(s.doneCh) })
		<-s.doneCh

		for _, runner := range s.activeRunners() {
			runner.Stop()
		}
		if !s.waitRunners(s.config.ShutdownTimeout) {
			for _, runner := range s.activeRunners() {
				s.logger.Warn("runner did not stop in time",
					"run", runner.Run().ID,
					"partition", runner.Partition().PartitionName,
				)
			}
			if s.cancel != nil {
				s.cancel()
			}
			s.waitRunners(s.config.ShutdownTimeout)
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.logger.Info("scheduler stopped")
	})
}

// ActiveRunners returns the number of runners executing right now.
func (s *RunnerScheduler) ActiveRunners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runners)
}

func (s *RunnerScheduler) activeRunners() []*BackfillRunner {
	s.mu.Lock()
	defer s.mu.Unlock()
	runners := make([]*BackfillRunner, 0, len(s.runners))
	for runner := range s.runners {
		runners = append(runners, runner)
	}
	return runners
}

func (s *RunnerScheduler) waitRunners(timeout time.Duration) bool {
	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-drained:
		return true
	case <-timer.C:
		return false
	}
}

func (s *RunnerScheduler) huntLoop(ctx context.Context) {
	defer close(s.doneCh)

	for {
		timer := time.NewTimer(s.nextInterval())
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.hunt(ctx)
		}
	}
}

// nextInterval is randomized so competing instances do not hunt in lockstep.
func (s *RunnerScheduler) nextInterval() time.Duration {
	spread := s.config.MaxHuntInterval - s.config.MinHuntInterval
	if spread <= 0 {
		return s.config.MinHuntInterval
	}
	return s.config.MinHuntInterval + rand.N(spread)
}

func (s *RunnerScheduler) hunt(ctx context.Context) {
	runners, err := s.hunter.Hunt(ctx)
	if err != nil {
		s.logger.Error("lease hunt failed", "error", err)
		return
	}
	for _, runner := range runners {
		s.submit(ctx, runner)
	}
}

func (s *RunnerScheduler) submit(ctx context.Context, runner *BackfillRunner) {
	s.mu.Lock()
	if len(s.runners) >= s.config.PoolSize {
		s.mu.Unlock()
		s.logger.Warn("runner pool full, releasing lease",
			"run", runner.Run().ID,
			"partition", runner.Partition().PartitionName,
		)
		runner.ReleaseLease(ctx)
		return
	}
	s.runners[runner] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.runners, runner)
			s.mu.Unlock()
		}()
		runner.Execute(ctx)
	}()
}
