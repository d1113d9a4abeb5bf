package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Runner is the part of the Engine the Scheduler drives.
type Runner interface {
	SyncAll(ctx context.Context, tables []string) (*Report, error)
	CheckOnline(ctx context.Context) bool
	ProcessSyncQueue(ctx context.Context) int
}

type SchedulerConfig struct {
	Tables []string
	// SyncInterval is the period of full sync passes.
	SyncInterval time.Duration
	// QueueInterval is the period at which connectivity is re-probed and
	// the retry queue drained.
	QueueInterval time.Duration
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SyncInterval:  5 * time.Minute,
		QueueInterval: time.Minute,
	}
}

// Scheduler runs periodic full syncs and queue drains in one goroutine.
type Scheduler struct {
	runner Runner
	config SchedulerConfig
	log    *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(runner Runner, config SchedulerConfig, logger *zap.Logger) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.QueueInterval <= 0 {
		config.QueueInterval = defaults.QueueInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{runner: runner, config: config, log: logger}
}

// Start launches the loop. It is a no-op when the scheduler already runs.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.log.Info("sync scheduler started",
		zap.Duration("sync_interval", s.config.SyncInterval),
		zap.Duration("queue_interval", s.config.QueueInterval))
}

// Stop ends the loop and waits for a pass in flight to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if done == nil {
		return
	}
	cancel()
	<-done
	s.log.Info("sync scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	syncTicker := time.NewTicker(s.config.SyncInterval)
	defer syncTicker.Stop()
	queueTicker := time.NewTicker(s.config.QueueInterval)
	defer queueTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			if _, err := s.runner.SyncAll(ctx, s.config.Tables); err != nil && !errors.Is(err, ErrSyncInProgress) {
				s.log.Error("scheduled sync failed", zap.Error(err))
			}
		case <-queueTicker.C:
			if s.runner.CheckOnline(ctx) {
				if n := s.runner.ProcessSyncQueue(ctx); n > 0 {
					s.log.Info("drained sync queue", zap.Int("completed", n))
				}
			}
		}
	}
}
