// ==============================================================================
// WINDOW SCHEDULER - internal/scheduler/service.go
// ==============================================================================
// Background loop that keeps every region's clearing calendar moving: opens
// the next window when none is accepting, drives time-based status
// transitions, and hands Processing windows to the clearing orchestrator.
// Safe to run on multiple instances; a per-region Redis lease elects one
// active scheduler per region per tick.
// ==============================================================================

package scheduler

import (
	"context"
	"sync"
	"time"

	"railnet/internal/domain"
	"railnet/pkg/errors"
	"railnet/pkg/logger"

	"github.com/google/uuid"
)

// WindowManager is the slice of the window service the scheduler drives.
type WindowManager interface {
	OpenNextWindow(ctx context.Context, region string) (*domain.ClearingWindow, error)
	AdvanceWindow(ctx context.Context, windowID uuid.UUID) (*domain.ClearingWindow, error)
	WindowsInStatus(ctx context.Context, region string, status domain.WindowStatus) ([]*domain.ClearingWindow, error)
}

// Processor runs the clearing cycle for one window.
type Processor interface {
	ProcessWindow(ctx context.Context, windowID uuid.UUID) error
}

// Lease provides the per-region scheduler lock.
type Lease interface {
	AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, holder string) error
}

type Config struct {
	Regions  []string
	Tick     time.Duration
	LeaseTTL time.Duration
}

type Service struct {
	windows   WindowManager
	processor Processor
	lease     Lease
	cfg       Config
	logger    logger.Logger
	holder    string

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewService(windows WindowManager, processor Processor, lease Lease, cfg Config, log logger.Logger) *Service {
	return &Service{
		windows:   windows,
		processor: processor,
		lease:     lease,
		cfg:       cfg,
		logger:    log,
		holder:    uuid.NewString(),
		inflight:  make(map[uuid.UUID]struct{}),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the scheduler loop until Stop is called or ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	go s.run(ctx)
	s.logger.Info("scheduler started", map[string]interface{}{
		"regions": s.cfg.Regions,
		"tick":    s.cfg.Tick.String(),
	})
}

// Stop signals the loop to exit and waits for the current tick to finish.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
	s.logger.Info("scheduler stopped", nil)
}

func (s *Service) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	// First pass immediately so a fresh deployment opens windows without
	// waiting out a full tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	for _, region := range s.cfg.Regions {
		s.tickRegion(ctx, region)
	}
}

func (s *Service) tickRegion(ctx context.Context, region string) {
	key := "scheduler:" + region
	acquired, err := s.lease.AcquireLease(ctx, key, s.holder, s.cfg.LeaseTTL)
	if err != nil {
		s.logger.Warn("scheduler lease check failed", map[string]interface{}{
			"region": region,
			"error":  err.Error(),
		})
		return
	}
	if !acquired {
		return
	}
	defer func() {
		_ = s.lease.ReleaseLease(context.Background(), key, s.holder)
	}()

	if err := s.ensureOpenWindow(ctx, region); err != nil {
		s.logger.Error("failed to open window", map[string]interface{}{
			"region": region,
			"error":  err.Error(),
		})
	}
	s.advanceAccepting(ctx, region)
	s.dispatchProcessing(ctx, region)
}

// ensureOpenWindow opens the region's next window when nothing is accepting.
// OpenNextWindow is idempotent, so a race with another instance is harmless.
func (s *Service) ensureOpenWindow(ctx context.Context, region string) error {
	_, err := s.windows.OpenNextWindow(ctx, region)
	return err
}

// advanceAccepting applies any due time-based transitions to the region's
// accepting windows.
func (s *Service) advanceAccepting(ctx context.Context, region string) {
	accepting := []domain.WindowStatus{
		domain.WindowStatusOpen,
		domain.WindowStatusClosing,
		domain.WindowStatusGracePeriod,
	}
	for _, status := range accepting {
		windows, err := s.windows.WindowsInStatus(ctx, region, status)
		if err != nil {
			s.logger.Warn("failed to list windows", map[string]interface{}{
				"region": region,
				"status": string(status),
				"error":  err.Error(),
			})
			continue
		}
		for _, w := range windows {
			if _, err := s.windows.AdvanceWindow(ctx, w.ID); err != nil {
				s.logger.Warn("failed to advance window", map[string]interface{}{
					"window_id": w.ID.String(),
					"error":     err.Error(),
				})
			}
		}
	}
}

// dispatchProcessing starts one clearing cycle goroutine per window sitting
// in Processing or Settling. Settling covers resumption after a crash between
// persistence and completion.
func (s *Service) dispatchProcessing(ctx context.Context, region string) {
	for _, status := range []domain.WindowStatus{domain.WindowStatusProcessing, domain.WindowStatusSettling} {
		windows, err := s.windows.WindowsInStatus(ctx, region, status)
		if err != nil {
			s.logger.Warn("failed to list windows", map[string]interface{}{
				"region": region,
				"status": string(status),
				"error":  err.Error(),
			})
			continue
		}
		for _, w := range windows {
			s.dispatch(ctx, w.ID, region)
		}
	}
}

func (s *Service) dispatch(ctx context.Context, windowID uuid.UUID, region string) {
	s.mu.Lock()
	if _, busy := s.inflight[windowID]; busy {
		s.mu.Unlock()
		return
	}
	s.inflight[windowID] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.inflight, windowID)
			s.mu.Unlock()
		}()

		if err := s.processor.ProcessWindow(ctx, windowID); err != nil {
			if errors.Is(err, errors.ErrWindowLeaseHeld) {
				// Another instance is already on it.
				return
			}
			s.logger.Error("clearing cycle failed", map[string]interface{}{
				"window_id": windowID.String(),
				"region":    region,
				"error":     err.Error(),
			})
		}
	}()
}
