package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofrs/flock"
)

// ErrSchedulerLocked is returned when another process holds the scheduler
// lock.
var ErrSchedulerLocked = errors.New("scheduler already running")

// Discoverer starts one round of discovery.
type Discoverer interface {
	Discover(ctx context.Context) (int, error)
}

// Scheduler runs discovery on a fixed period. A file lock keeps a single
// scheduler per lock path across processes.
type Scheduler struct {
	discoverer Discoverer
	interval   time.Duration
	lock       *flock.Flock
	logger     *log.Logger
}

// NewScheduler creates a scheduler that runs d every interval.
func NewScheduler(d Discoverer, interval time.Duration, lockPath string) *Scheduler {
	return &Scheduler{
		discoverer: d,
		interval:   interval,
		lock:       flock.New(lockPath),
		logger:     log.WithPrefix("scheduler"),
	}
}

// Run discovers once immediately, then on every tick until ctx is done.
// A failed round is logged and does not stop the schedule.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("invalid scheduler interval %s", s.interval)
	}

	if err := os.MkdirAll(filepath.Dir(s.lock.Path()), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire scheduler lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w (lock %s)", ErrSchedulerLocked, s.lock.Path())
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("Failed to release scheduler lock", "error", err)
		}
	}()

	s.logger.Info("Scheduler started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.round(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
			s.round(ctx)
		}
	}
}

func (s *Scheduler) round(ctx context.Context) {
	n, err := s.discoverer.Discover(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("Discovery failed", "error", err)
		}
		return
	}
	s.logger.Debug("Discovery dispatched scans", "users", n)
}
