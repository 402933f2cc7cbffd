package sessions

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically expires pending sessions that never connected.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	logger   *zap.Logger
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates a sweeper. A non-positive interval defaults to one minute.
func NewSweeper(registry *Registry, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{registry: registry, interval: interval, logger: logger}
}

// Start begins sweeping. Call Stop() to release resources.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	s.logger.Info("session sweeper started", zap.Duration("interval", s.interval))
}

// Stop stops sweeping and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	<-s.done
	s.logger.Info("session sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.registry.ExpireStale(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("expire stale sessions", zap.Error(err))
			}
			if n > 0 {
				s.logger.Info("expired stale sessions", zap.Int("count", n))
			}
		}
	}
}
