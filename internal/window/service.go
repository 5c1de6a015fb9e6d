// ==============================================================================
// WINDOW MANAGER - internal/window/service.go
// ==============================================================================
package window

import (
	"context"
	"fmt"
	"time"

	"railnet/internal/domain"
	"railnet/pkg/errors"
	"railnet/pkg/logger"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// Repository persists clearing windows.
type Repository interface {
	Create(ctx context.Context, w *domain.ClearingWindow) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.ClearingWindow, error)
	FindAccepting(ctx context.Context, region string) (*domain.ClearingWindow, error)
	FindByStatus(ctx context.Context, region string, status domain.WindowStatus) ([]*domain.ClearingWindow, error)
	// UpdateStatus performs a compare-and-set transition; false means the
	// window was no longer in the expected state.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.WindowStatus, reason string) (bool, error)
	// UpdateStatusTx performs the same compare-and-set inside the caller's
	// transaction.
	UpdateStatusTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, from, to domain.WindowStatus) (bool, error)
	UpdateMetrics(ctx context.Context, id uuid.UUID, metrics domain.WindowMetrics) error
	NextSequence(ctx context.Context, region string) (int64, error)
}

// ObligationRepository persists obligations on the admission path.
type ObligationRepository interface {
	// InsertIfAccepting atomically inserts the obligation only while its
	// window still admits obligations, marking it late when the window is
	// past cutoff. Returns false if the window stopped accepting.
	InsertIfAccepting(ctx context.Context, ob *domain.Obligation) (bool, error)
	WindowTotals(ctx context.Context, windowID uuid.UUID) (int, decimal.Decimal, error)
	RequeueWindow(ctx context.Context, from, to uuid.UUID) (int64, error)
}

// Cache holds short-lived read-path state such as running window totals.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
}

// SubmitObligationRequest is the inbound admission payload.
type SubmitObligationRequest struct {
	PayerID         string          `json:"payer_id" validate:"required,participant_id"`
	PayeeID         string          `json:"payee_id" validate:"required,participant_id,nefield=PayerID"`
	Currency        domain.Currency `json:"currency" validate:"required,currency_code"`
	Amount          decimal.Decimal `json:"amount" validate:"required,positive_decimal"`
	OriginReference string          `json:"origin_reference" validate:"required,max=64"`
}

// WindowSnapshot is the current-window view with running totals.
type WindowSnapshot struct {
	Window          *domain.ClearingWindow `json:"window"`
	ObligationCount int                    `json:"obligation_count"`
	GrossValue      decimal.Decimal        `json:"gross_value"`
}

type Service struct {
	repo        Repository
	obligations ObligationRepository
	cache       Cache
	region      RegionConfig
	logger      logger.Logger
	now         func() time.Time
}

// RegionConfig carries the window timing rules.
type RegionConfig struct {
	WindowDuration time.Duration
	GracePeriod    time.Duration
}

func NewService(repo Repository, obligations ObligationRepository, c Cache, region RegionConfig, log logger.Logger) *Service {
	return &Service{
		repo:        repo,
		obligations: obligations,
		cache:       c,
		region:      region,
		logger:      log,
		now:         time.Now,
	}
}

// OpenNextWindow ensures the region has an open window, creating one aligned
// to fixed UTC boundaries when none exists. Returns the accepting window.
// The per-region exclusivity invariant is enforced twice: here by the
// find-first check and in the store by a partial unique index.
//
// Windows created here are born Open, since creation happens at (or after)
// their start boundary. The Scheduled state is inhabited only by windows an
// operator provisions ahead of time; AdvanceWindow opens those once their
// start time passes.
func (s *Service) OpenNextWindow(ctx context.Context, region string) (*domain.ClearingWindow, error) {
	current, err := s.repo.FindAccepting(ctx, region)
	if err == nil {
		return current, nil
	}
	if !errors.Is(err, errors.ErrWindowNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	start := now.Truncate(s.region.WindowDuration)
	cutoff := start.Add(s.region.WindowDuration)
	end := cutoff.Add(s.region.GracePeriod)

	sequence, err := s.repo.NextSequence(ctx, region)
	if err != nil {
		return nil, errors.Wrap(err, "failed to allocate window sequence")
	}

	w := &domain.ClearingWindow{
		ID:            uuid.New(),
		Sequence:      sequence,
		Name:          fmt.Sprintf("%s-%s-%04d", region, start.Format("20060102T1504"), sequence),
		Region:        region,
		StartAt:       start,
		CutoffAt:      cutoff,
		EndAt:         end,
		GracePeriod:   s.region.GracePeriod,
		Status:        domain.WindowStatusOpen,
		GrossValue:    decimal.Zero,
		NetValue:      decimal.Zero,
		SavedValue:    decimal.Zero,
		EfficiencyPct: decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.repo.Create(ctx, w); err != nil {
		return nil, errors.Wrap(err, "failed to open window")
	}

	s.logger.Info("opened clearing window", map[string]interface{}{
		"window_id": w.ID.String(),
		"region":    region,
		"sequence":  sequence,
		"cutoff_at": cutoff.Format(time.RFC3339),
	})

	return w, nil
}

// CurrentWindow returns the region's accepting window with running totals.
// Totals are served from a short-lived cache to keep the high-frequency
// query path off the store.
func (s *Service) CurrentWindow(ctx context.Context, region string) (*WindowSnapshot, error) {
	w, err := s.repo.FindAccepting(ctx, region)
	if err != nil {
		if errors.Is(err, errors.ErrWindowNotFound) {
			return nil, errors.ErrNoOpenWindow
		}
		return nil, err
	}

	snapshot := &WindowSnapshot{Window: w, GrossValue: decimal.Zero}

	cacheKey := "window:totals:" + w.ID.String()
	var cached struct {
		Count int    `json:"count"`
		Gross string `json:"gross"`
	}
	if s.cache != nil && s.cache.Get(ctx, cacheKey, &cached) == nil {
		if gross, perr := decimal.NewFromString(cached.Gross); perr == nil {
			snapshot.ObligationCount = cached.Count
			snapshot.GrossValue = gross
			return snapshot, nil
		}
	}

	count, gross, err := s.obligations.WindowTotals(ctx, w.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load window totals")
	}
	snapshot.ObligationCount = count
	snapshot.GrossValue = gross

	if s.cache != nil {
		cached.Count = count
		cached.Gross = gross.String()
		_ = s.cache.Set(ctx, cacheKey, cached, 5*time.Second)
	}

	return snapshot, nil
}

// AdmitObligation validates and atomically inserts an obligation into the
// region's current window. High-frequency and safe under concurrent callers:
// the insert itself checks the window status, closing the race with a
// concurrent cutoff transition.
func (s *Service) AdmitObligation(ctx context.Context, region string, req *SubmitObligationRequest) (*domain.Obligation, error) {
	if req.Amount.Sign() <= 0 {
		return nil, errors.ErrNonPositiveAmount
	}
	if req.PayerID == req.PayeeID {
		return nil, errors.ErrSelfObligation
	}

	w, err := s.repo.FindAccepting(ctx, region)
	if err != nil {
		if errors.Is(err, errors.ErrWindowNotFound) {
			return nil, errors.ErrWindowClosed
		}
		return nil, err
	}

	now := s.now().UTC()
	ob := &domain.Obligation{
		ID:              uuid.New(),
		WindowID:        w.ID,
		PayerID:         req.PayerID,
		PayeeID:         req.PayeeID,
		Currency:        req.Currency,
		Amount:          req.Amount.Round(domain.AmountPrecision),
		Status:          domain.ObligationStatusPending,
		OriginReference: req.OriginReference,
		Metadata:        domain.Metadata{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	admitted, err := s.obligations.InsertIfAccepting(ctx, ob)
	if err != nil {
		return nil, errors.Wrap(err, "failed to admit obligation")
	}
	if !admitted {
		return nil, errors.ErrWindowClosed
	}

	if ob.Late {
		s.logger.Warn("late obligation admitted during grace period", map[string]interface{}{
			"obligation_id": ob.ID.String(),
			"window_id":     w.ID.String(),
			"origin_ref":    ob.OriginReference,
		})
	}

	if s.cache != nil {
		_ = s.cache.Delete(ctx, "window:totals:"+w.ID.String())
	}

	return ob, nil
}

// AdvanceWindow drives time-based transitions for one window. Idempotent:
// advancing a window already in a later state is a no-op, not an error.
func (s *Service) AdvanceWindow(ctx context.Context, windowID uuid.UUID) (*domain.ClearingWindow, error) {
	w, err := s.repo.FindByID(ctx, windowID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()

	for {
		var next domain.WindowStatus
		switch w.Status {
		case domain.WindowStatusScheduled:
			if now.Before(w.StartAt) {
				return w, nil
			}
			next = domain.WindowStatusOpen
		case domain.WindowStatusOpen:
			if now.Before(w.CutoffAt) {
				return w, nil
			}
			next = domain.WindowStatusClosing
		case domain.WindowStatusClosing:
			// Immediate automatic transition into the grace period.
			next = domain.WindowStatusGracePeriod
		case domain.WindowStatusGracePeriod:
			if now.Before(w.CutoffAt.Add(w.GracePeriod)) {
				return w, nil
			}
			next = domain.WindowStatusProcessing
		default:
			// Processing and beyond are driven by the orchestrator.
			return w, nil
		}

		updated, err := s.transition(ctx, w, next)
		if err != nil {
			return nil, err
		}
		if !updated {
			// Lost the race to another advancer; reload and re-evaluate.
			w, err = s.repo.FindByID(ctx, windowID)
			if err != nil {
				return nil, err
			}
			continue
		}
		w.Status = next
	}
}

// Transition performs a single validated state change, used by the
// orchestrator for Settling -> Completed. Requesting a state the window has
// already reached is a no-op.
func (s *Service) Transition(ctx context.Context, windowID uuid.UUID, to domain.WindowStatus) (*domain.ClearingWindow, error) {
	w, err := s.repo.FindByID(ctx, windowID)
	if err != nil {
		return nil, err
	}
	if w.Status == to || Reached(w.Status, to) {
		return w, nil
	}
	if !CanTransition(w.Status, to) {
		return nil, errors.Wrap(errors.ErrInvalidWindowState,
			fmt.Sprintf("cannot transition %s from %s to %s", windowID, w.Status, to))
	}
	updated, err := s.transition(ctx, w, to)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, errors.Wrap(errors.ErrInvalidWindowState,
			fmt.Sprintf("window %s moved concurrently during transition to %s", windowID, to))
	}
	w.Status = to
	return w, nil
}

// MarkSettling moves a Processing window to Settling inside the caller's
// transaction, so the status change commits atomically with the cycle's
// persisted results. A window whose results are committed is therefore always
// observed in Settling; a crash can never strand committed results under a
// Processing status.
func (s *Service) MarkSettling(ctx context.Context, tx *sqlx.Tx, windowID uuid.UUID) error {
	updated, err := s.repo.UpdateStatusTx(ctx, tx, windowID,
		domain.WindowStatusProcessing, domain.WindowStatusSettling)
	if err != nil {
		return errors.Wrap(err, "failed to mark window settling")
	}
	if !updated {
		return errors.Wrap(errors.ErrInvalidWindowState,
			fmt.Sprintf("window %s left processing during persistence", windowID))
	}
	return nil
}

// FailWindow forces a window to the terminal Failed state (operator action or
// retry exhaustion) and requeues its pending obligations into the region's
// next open window.
func (s *Service) FailWindow(ctx context.Context, windowID uuid.UUID, reason string) error {
	w, err := s.repo.FindByID(ctx, windowID)
	if err != nil {
		return err
	}
	if w.Terminal() {
		if w.Status == domain.WindowStatusFailed {
			return nil
		}
		return errors.Wrap(errors.ErrInvalidWindowState, "window already completed")
	}

	updated, err := s.repo.UpdateStatus(ctx, w.ID, w.Status, domain.WindowStatusFailed, reason)
	if err != nil {
		return errors.Wrap(err, "failed to fail window")
	}
	if !updated {
		return errors.Wrap(errors.ErrInvalidWindowState, "window moved concurrently while failing")
	}

	s.logger.Error("window failed", map[string]interface{}{
		"window_id": windowID.String(),
		"region":    w.Region,
		"reason":    reason,
	})

	next, err := s.OpenNextWindow(ctx, w.Region)
	if err != nil {
		return errors.Wrap(err, "failed to open requeue window")
	}

	moved, err := s.obligations.RequeueWindow(ctx, w.ID, next.ID)
	if err != nil {
		return errors.Wrap(err, "failed to requeue obligations")
	}
	if moved > 0 {
		s.logger.Info("requeued obligations from failed window", map[string]interface{}{
			"from_window": w.ID.String(),
			"to_window":   next.ID.String(),
			"count":       moved,
		})
	}
	return nil
}

// RecordMetrics persists a completed cycle's aggregates onto the window row.
func (s *Service) RecordMetrics(ctx context.Context, windowID uuid.UUID, metrics domain.WindowMetrics) error {
	return s.repo.UpdateMetrics(ctx, windowID, metrics)
}

// WindowsInStatus lists a region's windows in one lifecycle state.
func (s *Service) WindowsInStatus(ctx context.Context, region string, status domain.WindowStatus) ([]*domain.ClearingWindow, error) {
	return s.repo.FindByStatus(ctx, region, status)
}

// Get returns one window by id.
func (s *Service) Get(ctx context.Context, windowID uuid.UUID) (*domain.ClearingWindow, error) {
	return s.repo.FindByID(ctx, windowID)
}

func (s *Service) transition(ctx context.Context, w *domain.ClearingWindow, to domain.WindowStatus) (bool, error) {
	if !CanTransition(w.Status, to) {
		return false, errors.Wrap(errors.ErrInvalidWindowState,
			fmt.Sprintf("transition %s -> %s not allowed", w.Status, to))
	}
	updated, err := s.repo.UpdateStatus(ctx, w.ID, w.Status, to, "")
	if err != nil {
		return false, errors.Wrap(err, "failed to update window status")
	}
	if updated {
		s.logger.Info("window transitioned", map[string]interface{}{
			"window_id": w.ID.String(),
			"region":    w.Region,
			"from":      string(w.Status),
			"to":        string(to),
		})
	}
	return updated, nil
}

// SetClock overrides the service clock, for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}
