// ==============================================================================
// CLEARING ORCHESTRATOR - internal/clearing/orchestrator.go
// ==============================================================================
// Drives one complete clearing cycle for a window as a checkpointed atomic
// operation: load obligations, build per-currency graphs, eliminate debt
// cycles, calculate net positions, persist results, generate settlement
// instructions and hand them to the settlement collaborator.
// ==============================================================================

package clearing

import (
	"context"
	"sync"
	"time"

	"railnet/internal/domain"
	"railnet/internal/events"
	"railnet/internal/graph"
	"railnet/internal/netting"
	"railnet/pkg/errors"
	"railnet/pkg/logger"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// WindowService is the slice of the window manager the orchestrator drives.
type WindowService interface {
	Get(ctx context.Context, windowID uuid.UUID) (*domain.ClearingWindow, error)
	Transition(ctx context.Context, windowID uuid.UUID, to domain.WindowStatus) (*domain.ClearingWindow, error)
	// MarkSettling moves the window from Processing to Settling inside the
	// caller's transaction.
	MarkSettling(ctx context.Context, tx *sqlx.Tx, windowID uuid.UUID) error
	FailWindow(ctx context.Context, windowID uuid.UUID, reason string) error
	RecordMetrics(ctx context.Context, windowID uuid.UUID, metrics domain.WindowMetrics) error
}

// ObligationStore loads and transitions a window's obligations.
type ObligationStore interface {
	FindPendingByWindow(ctx context.Context, windowID uuid.UUID) ([]domain.Obligation, error)
	MarkNetted(ctx context.Context, tx *sqlx.Tx, windowID uuid.UUID, ids []uuid.UUID) (int64, error)
}

// PositionStore persists net positions.
type PositionStore interface {
	CreateBatch(ctx context.Context, tx *sqlx.Tx, positions []domain.NetPosition) error
	FindByWindow(ctx context.Context, windowID uuid.UUID) ([]domain.NetPosition, error)
	DeleteByWindow(ctx context.Context, tx *sqlx.Tx, windowID uuid.UUID) error
}

// InstructionStore persists settlement instructions.
type InstructionStore interface {
	CreateBatch(ctx context.Context, instructions []domain.SettlementInstruction) error
	FindByWindow(ctx context.Context, windowID uuid.UUID) ([]domain.SettlementInstruction, error)
	MarkSent(ctx context.Context, windowID uuid.UUID) (int64, error)
}

// TxRunner runs the atomic persistence step.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
}

// Lease guards at-most-one-active-orchestrator per window. TTL-bounded so a
// crashed processor cannot permanently stall a window.
type Lease interface {
	AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, holder string) error
}

// Config carries the orchestrator's tunables.
type Config struct {
	DustThreshold      decimal.Decimal
	MaxAmount          decimal.Decimal
	SettlementDeadline time.Duration
	PersistRetries     int
	PersistBackoff     time.Duration
	LeaseTTL           time.Duration
	Workers            int
}

type checkpoint int

const (
	checkpointNone checkpoint = iota
	checkpointObligationsLoaded
	checkpointGraphsBuilt
	checkpointCyclesOptimized
	checkpointPositionsCalculated
	checkpointPersisted
	checkpointInstructionsCreated
)

// cycleState captures everything needed to resume a cycle from its last
// checkpoint without re-running completed steps. Netting is deterministic, so
// a fresh process recomputes from scratch and reaches the same numbers.
type cycleState struct {
	checkpoint   checkpoint
	obligations  []domain.Obligation
	pre          map[domain.Currency]*graph.Graph
	post         map[domain.Currency]*graph.Graph
	cyclesFound  int
	eliminated   decimal.Decimal
	positions    []domain.NetPosition
	metrics      domain.WindowMetrics
	instructions []domain.SettlementInstruction
}

type Orchestrator struct {
	windows      WindowService
	obligations  ObligationStore
	positions    PositionStore
	instructions InstructionStore
	tx           TxRunner
	lease        Lease
	dispatcher   events.SettlementDispatcher
	publisher    events.Publisher
	builder      *graph.Builder
	optimizer    *graph.Optimizer
	calculator   *netting.Calculator
	cfg          Config
	logger       logger.Logger

	mu     sync.Mutex
	cycles map[uuid.UUID]*cycleState
}

func NewOrchestrator(
	windows WindowService,
	obligations ObligationStore,
	positions PositionStore,
	instructions InstructionStore,
	tx TxRunner,
	lease Lease,
	dispatcher events.SettlementDispatcher,
	publisher events.Publisher,
	cfg Config,
	log logger.Logger,
) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Orchestrator{
		windows:      windows,
		obligations:  obligations,
		positions:    positions,
		instructions: instructions,
		tx:           tx,
		lease:        lease,
		dispatcher:   dispatcher,
		publisher:    publisher,
		builder:      graph.NewBuilder(cfg.MaxAmount, log),
		optimizer:    graph.NewOptimizer(cfg.DustThreshold, log),
		calculator:   netting.NewCalculator(log),
		cfg:          cfg,
		logger:       log,
		cycles:       make(map[uuid.UUID]*cycleState),
	}
}

// ProcessWindow runs (or resumes) the clearing cycle for one window. The
// window must be in Processing, or in Settling when resuming a cycle that
// already persisted its results.
func (o *Orchestrator) ProcessWindow(ctx context.Context, windowID uuid.UUID) error {
	holder := uuid.NewString()
	leaseKey := "clearing:window:" + windowID.String()

	acquired, err := o.lease.AcquireLease(ctx, leaseKey, holder, o.cfg.LeaseTTL)
	if err != nil {
		return errors.Wrap(err, "failed to acquire window lease")
	}
	if !acquired {
		return errors.ErrWindowLeaseHeld
	}
	defer func() {
		_ = o.lease.ReleaseLease(context.Background(), leaseKey, holder)
	}()

	w, err := o.windows.Get(ctx, windowID)
	if err != nil {
		return err
	}
	switch w.Status {
	case domain.WindowStatusProcessing, domain.WindowStatusSettling:
	default:
		return errors.Wrap(errors.ErrInvalidWindowState,
			"window "+windowID.String()+" is "+string(w.Status))
	}

	o.mu.Lock()
	state, ok := o.cycles[windowID]
	if !ok {
		state = &cycleState{eliminated: decimal.Zero}
		o.cycles[windowID] = state
	}
	o.mu.Unlock()

	if !ok && w.Status == domain.WindowStatusSettling {
		// Persistence completed before a crash of the handoff steps. Reload
		// the committed results and resume from the final checkpoint.
		if err := o.reloadSettling(ctx, windowID, state); err != nil {
			o.clearState(windowID)
			return err
		}
	}

	if err := o.runCycle(ctx, w, state); err != nil {
		if errors.Is(err, errors.ErrCycleCancelled) {
			// Cancelled before persistence: obligations stay pending, no
			// partial writes survive, the cycle state is discarded.
			if state.checkpoint < checkpointPersisted {
				o.clearState(windowID)
			}
			return err
		}
		return err
	}

	o.clearState(windowID)
	return nil
}

// reloadSettling rebuilds enough cycle state from the store to finish a
// window whose results were persisted by a previous process. Settling is
// entered inside the persistence transaction, so the committed positions are
// always present here; the instructions may not be if the previous process
// died before writing them, in which case the cycle resumes one checkpoint
// earlier and regenerates them.
func (o *Orchestrator) reloadSettling(ctx context.Context, windowID uuid.UUID, state *cycleState) error {
	positions, err := o.positions.FindByWindow(ctx, windowID)
	if err != nil {
		return errors.Wrap(err, "failed to reload net positions")
	}
	instructions, err := o.instructions.FindByWindow(ctx, windowID)
	if err != nil {
		return errors.Wrap(err, "failed to reload settlement instructions")
	}
	state.positions = positions
	state.instructions = instructions
	state.metrics = domain.WindowMetrics{WindowID: windowID}
	for _, p := range positions {
		state.metrics.GrossTotal = state.metrics.GrossTotal.Add(p.GrossAToB).Add(p.GrossBToA)
		state.metrics.NetTotal = state.metrics.NetTotal.Add(p.NetAmount)
		state.metrics.AmountSaved = state.metrics.AmountSaved.Add(p.AmountSaved)
		state.metrics.ObligationCount += p.ObligationCount
	}
	state.metrics.PositionCount = len(positions)
	if len(positions) > 0 && len(instructions) == 0 {
		state.checkpoint = checkpointPersisted
	} else {
		state.checkpoint = checkpointInstructionsCreated
	}
	return nil
}

func (o *Orchestrator) runCycle(ctx context.Context, w *domain.ClearingWindow, state *cycleState) error {
	windowID := w.ID

	// Step: load pending obligations.
	if state.checkpoint < checkpointObligationsLoaded {
		if err := cancelled(ctx); err != nil {
			return err
		}
		obligations, err := o.obligations.FindPendingByWindow(ctx, windowID)
		if err != nil {
			return errors.Wrap(err, "failed to load obligations")
		}
		state.obligations = obligations
		state.checkpoint = checkpointObligationsLoaded
		o.logger.Info("obligations loaded", map[string]interface{}{
			"window_id": windowID.String(),
			"count":     len(obligations),
		})
	}

	// Step: build one graph per currency.
	if state.checkpoint < checkpointGraphsBuilt {
		if err := cancelled(ctx); err != nil {
			return err
		}
		pre, err := o.builder.BuildGraphs(state.obligations)
		if err != nil {
			return o.abortWindow(ctx, windowID, err, "graph construction failed")
		}
		state.pre = pre
		state.checkpoint = checkpointGraphsBuilt
	}

	// Step: eliminate debt cycles, currencies in parallel. Currency graphs
	// share no state, so one worker per currency is safe.
	if state.checkpoint < checkpointCyclesOptimized {
		if err := cancelled(ctx); err != nil {
			return err
		}
		post, cyclesFound, eliminated, err := o.optimizeAll(state.pre)
		if err != nil {
			return o.abortWindow(ctx, windowID, err, "cycle optimization failed")
		}
		state.post = post
		state.cyclesFound = cyclesFound
		state.eliminated = eliminated
		state.checkpoint = checkpointCyclesOptimized
	}

	// Step: bilateral net positions and savings.
	if state.checkpoint < checkpointPositionsCalculated {
		if err := cancelled(ctx); err != nil {
			return err
		}
		result, err := o.calculator.Calculate(windowID, state.pre, state.post)
		if err != nil {
			return o.abortWindow(ctx, windowID, err, "net position calculation failed")
		}
		state.positions = result.Positions
		state.metrics = result.Metrics
		state.metrics.CyclesFound = state.cyclesFound
		state.metrics.CycleEliminated = state.eliminated
		state.checkpoint = checkpointPositionsCalculated
	}

	// Step: persist positions, mark obligations netted and move the window to
	// Settling, all in one transaction with bounded backoff. The status change
	// commits with the results, so the persisted state itself is the durable
	// checkpoint: any window observed in Settling has its results on disk, and
	// a window still in Processing has none. A failure here rolls back to
	// positions-calculated and retries persistence only; netting is never
	// re-run with different intermediate state.
	if state.checkpoint < checkpointPersisted {
		if err := cancelled(ctx); err != nil {
			return err
		}
		if err := o.persistWithRetry(ctx, windowID, state); err != nil {
			return err
		}
		state.checkpoint = checkpointPersisted
	}

	// Step: derive settlement instructions from net positions. The window is
	// already Settling here; a crash before the instructions land is recovered
	// by regenerating them from the committed positions.
	if state.checkpoint < checkpointInstructionsCreated {
		state.instructions = o.buildInstructions(windowID, state.positions)
		if err := o.instructions.CreateBatch(ctx, state.instructions); err != nil {
			return errors.Wrap(err, "failed to persist settlement instructions")
		}
		state.checkpoint = checkpointInstructionsCreated
	}

	// Step: hand off to the settlement collaborator and complete.
	return o.finishCycle(ctx, w, state)
}

func (o *Orchestrator) finishCycle(ctx context.Context, w *domain.ClearingWindow, state *cycleState) error {
	windowID := w.ID

	if err := o.dispatcher.DispatchPositions(ctx, state.positions); err != nil {
		return errors.Wrap(err, "failed to dispatch net positions")
	}
	if err := o.dispatcher.DispatchInstructions(ctx, state.instructions); err != nil {
		return errors.Wrap(err, "failed to dispatch settlement instructions")
	}
	if _, err := o.instructions.MarkSent(ctx, windowID); err != nil {
		return err
	}

	metrics := state.metrics
	_ = o.publisher.Publish(ctx, events.Event{
		Type:      events.TypeWindowCompleted,
		WindowID:  windowID,
		Region:    w.Region,
		Status:    domain.WindowStatusCompleted,
		Metrics:   &metrics,
		Timestamp: time.Now().UTC(),
	})

	if _, err := o.windows.Transition(ctx, windowID, domain.WindowStatusCompleted); err != nil {
		return err
	}

	o.logger.Info("clearing cycle completed", map[string]interface{}{
		"window_id":    windowID.String(),
		"region":       w.Region,
		"obligations":  metrics.ObligationCount,
		"positions":    metrics.PositionCount,
		"instructions": len(state.instructions),
		"gross":        metrics.GrossTotal.String(),
		"net":          metrics.NetTotal.String(),
		"saved":        metrics.AmountSaved.String(),
		"efficiency":   metrics.EfficiencyPct.String(),
		"cycles":       metrics.CyclesFound,
	})
	return nil
}

// optimizeAll clones each pre-optimization graph and reduces the clones,
// one worker per currency.
func (o *Orchestrator) optimizeAll(pre map[domain.Currency]*graph.Graph) (map[domain.Currency]*graph.Graph, int, decimal.Decimal, error) {
	post := make(map[domain.Currency]*graph.Graph, len(pre))

	type outcome struct {
		currency domain.Currency
		graph    *graph.Graph
		stats    *graph.Stats
		err      error
	}

	sem := make(chan struct{}, o.cfg.Workers)
	results := make(chan outcome, len(pre))
	var wg sync.WaitGroup

	for currency, g := range pre {
		wg.Add(1)
		go func(currency domain.Currency, g *graph.Graph) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			clone := g.Clone()
			stats, err := o.optimizer.Optimize(clone)
			results <- outcome{currency: currency, graph: clone, stats: stats, err: err}
		}(currency, g)
	}

	wg.Wait()
	close(results)

	cyclesFound := 0
	eliminated := decimal.Zero
	for r := range results {
		if r.err != nil {
			return nil, 0, decimal.Zero, errors.Wrap(r.err, "currency "+string(r.currency))
		}
		post[r.currency] = r.graph
		cyclesFound += r.stats.CyclesFound
		eliminated = eliminated.Add(r.stats.AmountEliminated)
	}
	return post, cyclesFound, eliminated, nil
}

// persistWithRetry writes positions and marks obligations netted in one
// transaction, retrying with doubling backoff. Exhaustion fails the window.
func (o *Orchestrator) persistWithRetry(ctx context.Context, windowID uuid.UUID, state *cycleState) error {
	ids := make([]uuid.UUID, len(state.obligations))
	for i := range state.obligations {
		ids[i] = state.obligations[i].ID
	}

	backoff := o.cfg.PersistBackoff
	var lastErr error

	for attempt := 1; attempt <= o.cfg.PersistRetries; attempt++ {
		err := o.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
			// Clear any rows from a previously interrupted attempt so the
			// retried transaction starts clean.
			if err := o.positions.DeleteByWindow(ctx, tx, windowID); err != nil {
				return err
			}
			if err := o.positions.CreateBatch(ctx, tx, state.positions); err != nil {
				return err
			}
			marked, err := o.obligations.MarkNetted(ctx, tx, windowID, ids)
			if err != nil {
				return err
			}
			if marked != int64(len(ids)) {
				// An obligation left Pending since the window entered
				// Processing: a different cycle touched it. Never retry.
				return errors.ErrDoubleCountedObligation
			}
			// Settling commits atomically with the results above.
			return o.windows.MarkSettling(ctx, tx, windowID)
		})
		if err == nil {
			if err := o.windows.RecordMetrics(ctx, windowID, state.metrics); err != nil {
				o.logger.Warn("failed to record window metrics", map[string]interface{}{
					"window_id": windowID.String(),
					"error":     err.Error(),
				})
			}
			return nil
		}
		if errors.Is(err, errors.ErrDoubleCountedObligation) {
			return o.abortWindow(ctx, windowID, err, "obligation set changed during processing")
		}
		if errors.Is(err, errors.ErrInvalidWindowState) {
			// The window left Processing under us; retrying reproduces the
			// same refusal.
			return o.abortWindow(ctx, windowID, err, "window state changed during persistence")
		}

		lastErr = err
		o.logger.Warn("persistence attempt failed", map[string]interface{}{
			"window_id": windowID.String(),
			"attempt":   attempt,
			"error":     err.Error(),
		})

		if attempt < o.cfg.PersistRetries {
			select {
			case <-ctx.Done():
				return errors.ErrCycleCancelled
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	wrapped := errors.Wrap(errors.ErrPersistenceExhausted, lastErr.Error())
	if failErr := o.windows.FailWindow(ctx, windowID, wrapped.Error()); failErr != nil {
		o.logger.Error("failed to fail window after retry exhaustion", map[string]interface{}{
			"window_id": windowID.String(),
			"error":     failErr.Error(),
		})
	}
	o.publishFailure(ctx, windowID, wrapped.Error())
	o.clearState(windowID)
	return wrapped
}

// buildInstructions derives one instruction per net-paying position. A pair
// that netted to zero produces no instruction; an unmatched single obligation
// flows through as a position whose net equals its gross.
func (o *Orchestrator) buildInstructions(windowID uuid.UUID, positions []domain.NetPosition) []domain.SettlementInstruction {
	now := time.Now().UTC()
	deadline := now.Add(o.cfg.SettlementDeadline)

	var instructions []domain.SettlementInstruction
	for i := range positions {
		p := positions[i]
		if p.NetAmount.Sign() <= 0 || p.NetPayer == "" {
			continue
		}
		payee := p.ParticipantA
		if p.NetPayer == p.ParticipantA {
			payee = p.ParticipantB
		}
		positionID := p.ID
		instructions = append(instructions, domain.SettlementInstruction{
			ID:            uuid.New(),
			WindowID:      windowID,
			NetPositionID: &positionID,
			PayerID:       p.NetPayer,
			PayeeID:       payee,
			Amount:        p.NetAmount,
			Currency:      p.Currency,
			Status:        domain.InstructionStatusPending,
			Deadline:      deadline,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	return instructions
}

// abortWindow handles deterministic failures (overflow, invariant
// violations): retrying would reproduce the same result, so the window fails
// immediately with operator visibility.
func (o *Orchestrator) abortWindow(ctx context.Context, windowID uuid.UUID, cause error, msg string) error {
	wrapped := errors.Wrap(cause, msg)
	o.logger.Error("clearing cycle aborted", map[string]interface{}{
		"window_id": windowID.String(),
		"error":     wrapped.Error(),
	})
	if err := o.windows.FailWindow(ctx, windowID, wrapped.Error()); err != nil {
		o.logger.Error("failed to fail window", map[string]interface{}{
			"window_id": windowID.String(),
			"error":     err.Error(),
		})
	}
	o.publishFailure(ctx, windowID, wrapped.Error())
	o.clearState(windowID)
	return wrapped
}

func (o *Orchestrator) publishFailure(ctx context.Context, windowID uuid.UUID, reason string) {
	_ = o.publisher.Publish(ctx, events.Event{
		Type:      events.TypeWindowFailed,
		WindowID:  windowID,
		Status:    domain.WindowStatusFailed,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

func (o *Orchestrator) clearState(windowID uuid.UUID) {
	o.mu.Lock()
	delete(o.cycles, windowID)
	o.mu.Unlock()
}

func cancelled(ctx context.Context) error {
	if ctx.Err() != nil {
		return errors.ErrCycleCancelled
	}
	return nil
}
