package clearing

import (
	"context"
	"errors"
	"testing"
	"time"

	"railnet/internal/domain"
	"railnet/internal/events"
	apperrors "railnet/pkg/errors"
	"railnet/pkg/logger"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mocks

type MockWindows struct {
	mock.Mock
}

func (m *MockWindows) Get(ctx context.Context, windowID uuid.UUID) (*domain.ClearingWindow, error) {
	args := m.Called(ctx, windowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ClearingWindow), args.Error(1)
}

func (m *MockWindows) Transition(ctx context.Context, windowID uuid.UUID, to domain.WindowStatus) (*domain.ClearingWindow, error) {
	args := m.Called(ctx, windowID, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ClearingWindow), args.Error(1)
}

func (m *MockWindows) MarkSettling(ctx context.Context, tx *sqlx.Tx, windowID uuid.UUID) error {
	args := m.Called(ctx, tx, windowID)
	return args.Error(0)
}

func (m *MockWindows) FailWindow(ctx context.Context, windowID uuid.UUID, reason string) error {
	args := m.Called(ctx, windowID, reason)
	return args.Error(0)
}

func (m *MockWindows) RecordMetrics(ctx context.Context, windowID uuid.UUID, metrics domain.WindowMetrics) error {
	args := m.Called(ctx, windowID, metrics)
	return args.Error(0)
}

type MockObligations struct {
	mock.Mock
}

func (m *MockObligations) FindPendingByWindow(ctx context.Context, windowID uuid.UUID) ([]domain.Obligation, error) {
	args := m.Called(ctx, windowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Obligation), args.Error(1)
}

func (m *MockObligations) MarkNetted(ctx context.Context, tx *sqlx.Tx, windowID uuid.UUID, ids []uuid.UUID) (int64, error) {
	args := m.Called(ctx, tx, windowID, ids)
	return args.Get(0).(int64), args.Error(1)
}

type MockPositions struct {
	mock.Mock
}

func (m *MockPositions) CreateBatch(ctx context.Context, tx *sqlx.Tx, positions []domain.NetPosition) error {
	args := m.Called(ctx, tx, positions)
	return args.Error(0)
}

func (m *MockPositions) FindByWindow(ctx context.Context, windowID uuid.UUID) ([]domain.NetPosition, error) {
	args := m.Called(ctx, windowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.NetPosition), args.Error(1)
}

func (m *MockPositions) DeleteByWindow(ctx context.Context, tx *sqlx.Tx, windowID uuid.UUID) error {
	args := m.Called(ctx, tx, windowID)
	return args.Error(0)
}

type MockInstructions struct {
	mock.Mock
}

func (m *MockInstructions) CreateBatch(ctx context.Context, instructions []domain.SettlementInstruction) error {
	args := m.Called(ctx, instructions)
	return args.Error(0)
}

func (m *MockInstructions) FindByWindow(ctx context.Context, windowID uuid.UUID) ([]domain.SettlementInstruction, error) {
	args := m.Called(ctx, windowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.SettlementInstruction), args.Error(1)
}

func (m *MockInstructions) MarkSent(ctx context.Context, windowID uuid.UUID) (int64, error) {
	args := m.Called(ctx, windowID)
	return args.Get(0).(int64), args.Error(1)
}

// MockTx runs the transaction body with a nil tx when no error is staged.
type MockTx struct {
	mock.Mock
}

func (m *MockTx) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	args := m.Called(ctx, fn)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	return fn(nil)
}

type MockLease struct {
	mock.Mock
}

func (m *MockLease) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, holder, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockLease) ReleaseLease(ctx context.Context, key, holder string) error {
	args := m.Called(ctx, key, holder)
	return args.Error(0)
}

type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) DispatchPositions(ctx context.Context, positions []domain.NetPosition) error {
	args := m.Called(ctx, positions)
	return args.Error(0)
}

func (m *MockDispatcher) DispatchInstructions(ctx context.Context, instructions []domain.SettlementInstruction) error {
	args := m.Called(ctx, instructions)
	return args.Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event events.Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// Helpers

type fixture struct {
	windows      *MockWindows
	obligations  *MockObligations
	positions    *MockPositions
	instructions *MockInstructions
	tx           *MockTx
	lease        *MockLease
	dispatcher   *MockDispatcher
	publisher    *MockPublisher
	orchestrator *Orchestrator
}

func newFixture() *fixture {
	f := &fixture{
		windows:      new(MockWindows),
		obligations:  new(MockObligations),
		positions:    new(MockPositions),
		instructions: new(MockInstructions),
		tx:           new(MockTx),
		lease:        new(MockLease),
		dispatcher:   new(MockDispatcher),
		publisher:    new(MockPublisher),
	}
	dust, _ := decimal.NewFromString("0.00000001")
	f.orchestrator = NewOrchestrator(
		f.windows, f.obligations, f.positions, f.instructions,
		f.tx, f.lease, f.dispatcher, f.publisher,
		Config{
			DustThreshold:      dust,
			MaxAmount:          decimal.Zero,
			SettlementDeadline: 24 * time.Hour,
			PersistRetries:     3,
			PersistBackoff:     time.Millisecond,
			LeaseTTL:           time.Minute,
			Workers:            2,
		},
		logger.NewNop(),
	)
	return f
}

func (f *fixture) grantLease() {
	f.lease.On("AcquireLease", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	f.lease.On("ReleaseLease", mock.Anything, mock.Anything, mock.Anything).Return(nil)
}

func processingWindow() *domain.ClearingWindow {
	return &domain.ClearingWindow{
		ID:     uuid.New(),
		Region: "emea",
		Status: domain.WindowStatusProcessing,
	}
}

func pendingObligation(windowID uuid.UUID, payer, payee, amount string) domain.Obligation {
	a, _ := decimal.NewFromString(amount)
	return domain.Obligation{
		ID:       uuid.New(),
		WindowID: windowID,
		PayerID:  payer,
		PayeeID:  payee,
		Currency: domain.USD,
		Amount:   a,
		Status:   domain.ObligationStatusPending,
	}
}

// Tests

func TestProcessWindowHappyPath(t *testing.T) {
	f := newFixture()
	f.grantLease()

	w := processingWindow()
	obligations := []domain.Obligation{
		pendingObligation(w.ID, "BANKA", "BANKB", "1000000"),
		pendingObligation(w.ID, "BANKB", "BANKC", "500000"),
		pendingObligation(w.ID, "BANKC", "BANKA", "750000"),
	}

	f.windows.On("Get", mock.Anything, w.ID).Return(w, nil)
	f.obligations.On("FindPendingByWindow", mock.Anything, w.ID).Return(obligations, nil)

	f.tx.On("WithTx", mock.Anything, mock.Anything).Return(nil)
	f.positions.On("DeleteByWindow", mock.Anything, mock.Anything, w.ID).Return(nil)
	f.positions.On("CreateBatch", mock.Anything, mock.Anything, mock.MatchedBy(func(positions []domain.NetPosition) bool {
		return len(positions) == 3
	})).Return(nil)
	f.obligations.On("MarkNetted", mock.Anything, mock.Anything, w.ID, mock.MatchedBy(func(ids []uuid.UUID) bool {
		return len(ids) == 3
	})).Return(int64(3), nil)
	f.windows.On("MarkSettling", mock.Anything, mock.Anything, w.ID).Return(nil)
	f.windows.On("RecordMetrics", mock.Anything, w.ID, mock.MatchedBy(func(m domain.WindowMetrics) bool {
		return m.CyclesFound == 1 && m.GrossTotal.Equal(decimal.NewFromInt(2250000))
	})).Return(nil)

	// Two pairs settle to a payable net, one netted to zero.
	f.instructions.On("CreateBatch", mock.Anything, mock.MatchedBy(func(ins []domain.SettlementInstruction) bool {
		return len(ins) == 2
	})).Return(nil)

	f.dispatcher.On("DispatchPositions", mock.Anything, mock.Anything).Return(nil)
	f.dispatcher.On("DispatchInstructions", mock.Anything, mock.Anything).Return(nil)
	f.instructions.On("MarkSent", mock.Anything, w.ID).Return(int64(2), nil)
	f.publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e events.Event) bool {
		return e.Type == events.TypeWindowCompleted && e.WindowID == w.ID
	})).Return(nil)
	f.windows.On("Transition", mock.Anything, w.ID, domain.WindowStatusCompleted).Return(w, nil)

	err := f.orchestrator.ProcessWindow(context.Background(), w.ID)
	require.NoError(t, err)

	// Settling is entered inside the persistence transaction, never through
	// the standalone transition path.
	f.windows.AssertNotCalled(t, "Transition", mock.Anything, w.ID, domain.WindowStatusSettling)
	f.windows.AssertExpectations(t)
	f.obligations.AssertExpectations(t)
	f.positions.AssertExpectations(t)
	f.instructions.AssertExpectations(t)
	f.dispatcher.AssertExpectations(t)
	f.publisher.AssertExpectations(t)
}

func TestProcessWindowEmptyWindow(t *testing.T) {
	f := newFixture()
	f.grantLease()

	w := processingWindow()
	f.windows.On("Get", mock.Anything, w.ID).Return(w, nil)
	f.obligations.On("FindPendingByWindow", mock.Anything, w.ID).Return([]domain.Obligation{}, nil)

	f.tx.On("WithTx", mock.Anything, mock.Anything).Return(nil)
	f.positions.On("DeleteByWindow", mock.Anything, mock.Anything, w.ID).Return(nil)
	f.positions.On("CreateBatch", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.obligations.On("MarkNetted", mock.Anything, mock.Anything, w.ID, mock.Anything).Return(int64(0), nil)
	f.windows.On("MarkSettling", mock.Anything, mock.Anything, w.ID).Return(nil)
	f.windows.On("RecordMetrics", mock.Anything, w.ID, mock.Anything).Return(nil)

	f.instructions.On("CreateBatch", mock.Anything, mock.Anything).Return(nil)
	f.dispatcher.On("DispatchPositions", mock.Anything, mock.Anything).Return(nil)
	f.dispatcher.On("DispatchInstructions", mock.Anything, mock.Anything).Return(nil)
	f.instructions.On("MarkSent", mock.Anything, w.ID).Return(int64(0), nil)
	f.publisher.On("Publish", mock.Anything, mock.Anything).Return(nil)
	f.windows.On("Transition", mock.Anything, w.ID, domain.WindowStatusCompleted).Return(w, nil)

	assert.NoError(t, f.orchestrator.ProcessWindow(context.Background(), w.ID))
}

func TestProcessWindowWrongState(t *testing.T) {
	f := newFixture()
	f.grantLease()

	w := processingWindow()
	w.Status = domain.WindowStatusOpen
	f.windows.On("Get", mock.Anything, w.ID).Return(w, nil)

	err := f.orchestrator.ProcessWindow(context.Background(), w.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidWindowState)
	f.obligations.AssertNotCalled(t, "FindPendingByWindow", mock.Anything, mock.Anything)
}

func TestProcessWindowLeaseHeld(t *testing.T) {
	f := newFixture()
	f.lease.On("AcquireLease", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(false, nil)

	err := f.orchestrator.ProcessWindow(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrWindowLeaseHeld)
	f.windows.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestProcessWindowPersistenceRetryThenSuccess(t *testing.T) {
	f := newFixture()
	f.grantLease()

	w := processingWindow()
	obligations := []domain.Obligation{pendingObligation(w.ID, "BANKA", "BANKB", "100")}

	f.windows.On("Get", mock.Anything, w.ID).Return(w, nil)
	f.obligations.On("FindPendingByWindow", mock.Anything, w.ID).Return(obligations, nil)

	// First transaction attempt fails transiently, second goes through.
	f.tx.On("WithTx", mock.Anything, mock.Anything).Return(errors.New("deadlock detected")).Once()
	f.tx.On("WithTx", mock.Anything, mock.Anything).Return(nil)
	f.positions.On("DeleteByWindow", mock.Anything, mock.Anything, w.ID).Return(nil)
	f.positions.On("CreateBatch", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.obligations.On("MarkNetted", mock.Anything, mock.Anything, w.ID, mock.Anything).Return(int64(1), nil)
	f.windows.On("MarkSettling", mock.Anything, mock.Anything, w.ID).Return(nil)
	f.windows.On("RecordMetrics", mock.Anything, w.ID, mock.Anything).Return(nil)

	f.instructions.On("CreateBatch", mock.Anything, mock.Anything).Return(nil)
	f.dispatcher.On("DispatchPositions", mock.Anything, mock.Anything).Return(nil)
	f.dispatcher.On("DispatchInstructions", mock.Anything, mock.Anything).Return(nil)
	f.instructions.On("MarkSent", mock.Anything, w.ID).Return(int64(1), nil)
	f.publisher.On("Publish", mock.Anything, mock.Anything).Return(nil)
	f.windows.On("Transition", mock.Anything, w.ID, domain.WindowStatusCompleted).Return(w, nil)

	require.NoError(t, f.orchestrator.ProcessWindow(context.Background(), w.ID))
	f.tx.AssertNumberOfCalls(t, "WithTx", 2)
	f.windows.AssertNotCalled(t, "FailWindow", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessWindowPersistenceExhaustionFailsWindow(t *testing.T) {
	f := newFixture()
	f.grantLease()

	w := processingWindow()
	obligations := []domain.Obligation{pendingObligation(w.ID, "BANKA", "BANKB", "100")}

	f.windows.On("Get", mock.Anything, w.ID).Return(w, nil)
	f.obligations.On("FindPendingByWindow", mock.Anything, w.ID).Return(obligations, nil)
	f.tx.On("WithTx", mock.Anything, mock.Anything).Return(errors.New("database unavailable"))
	f.windows.On("FailWindow", mock.Anything, w.ID, mock.MatchedBy(func(reason string) bool {
		return reason != ""
	})).Return(nil)
	f.publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e events.Event) bool {
		return e.Type == events.TypeWindowFailed
	})).Return(nil)

	err := f.orchestrator.ProcessWindow(context.Background(), w.ID)
	assert.ErrorIs(t, err, apperrors.ErrPersistenceExhausted)
	f.tx.AssertNumberOfCalls(t, "WithTx", 3)
	f.windows.AssertExpectations(t)
	f.instructions.AssertNotCalled(t, "CreateBatch", mock.Anything, mock.Anything)
}

func TestProcessWindowObligationSetChangedNeverRetries(t *testing.T) {
	f := newFixture()
	f.grantLease()

	w := processingWindow()
	obligations := []domain.Obligation{
		pendingObligation(w.ID, "BANKA", "BANKB", "100"),
		pendingObligation(w.ID, "BANKB", "BANKC", "50"),
	}

	f.windows.On("Get", mock.Anything, w.ID).Return(w, nil)
	f.obligations.On("FindPendingByWindow", mock.Anything, w.ID).Return(obligations, nil)
	f.tx.On("WithTx", mock.Anything, mock.Anything).Return(nil)
	f.positions.On("DeleteByWindow", mock.Anything, mock.Anything, w.ID).Return(nil)
	f.positions.On("CreateBatch", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	// One of the two obligations is no longer pending.
	f.obligations.On("MarkNetted", mock.Anything, mock.Anything, w.ID, mock.Anything).Return(int64(1), nil)
	f.windows.On("FailWindow", mock.Anything, w.ID, mock.Anything).Return(nil)
	f.publisher.On("Publish", mock.Anything, mock.Anything).Return(nil)

	err := f.orchestrator.ProcessWindow(context.Background(), w.ID)
	assert.ErrorIs(t, err, apperrors.ErrDoubleCountedObligation)
	f.tx.AssertNumberOfCalls(t, "WithTx", 1)
}

func TestProcessWindowCancelledBeforePersistence(t *testing.T) {
	f := newFixture()
	f.grantLease()

	w := processingWindow()
	f.windows.On("Get", mock.Anything, w.ID).Return(w, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.orchestrator.ProcessWindow(ctx, w.ID)
	assert.ErrorIs(t, err, apperrors.ErrCycleCancelled)

	// Obligations stay pending: nothing was loaded, persisted, or failed.
	f.obligations.AssertNotCalled(t, "FindPendingByWindow", mock.Anything, mock.Anything)
	f.tx.AssertNotCalled(t, "WithTx", mock.Anything, mock.Anything)
	f.windows.AssertNotCalled(t, "FailWindow", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessWindowInvalidObligationAbortsWindow(t *testing.T) {
	f := newFixture()
	f.grantLease()

	w := processingWindow()
	bad := pendingObligation(w.ID, "BANKA", "BANKA", "100")

	f.windows.On("Get", mock.Anything, w.ID).Return(w, nil)
	f.obligations.On("FindPendingByWindow", mock.Anything, w.ID).Return([]domain.Obligation{bad}, nil)
	f.windows.On("FailWindow", mock.Anything, w.ID, mock.Anything).Return(nil)
	f.publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e events.Event) bool {
		return e.Type == events.TypeWindowFailed
	})).Return(nil)

	err := f.orchestrator.ProcessWindow(context.Background(), w.ID)
	assert.ErrorIs(t, err, apperrors.ErrSelfObligation)
	f.tx.AssertNotCalled(t, "WithTx", mock.Anything, mock.Anything)
	f.windows.AssertExpectations(t)
}

func TestProcessWindowResumesFromSettling(t *testing.T) {
	f := newFixture()
	f.grantLease()

	// A crash after persistence left the window in Settling; the resumed run
	// skips netting and only performs the handoff steps.
	w := processingWindow()
	w.Status = domain.WindowStatusSettling

	positionID := uuid.New()
	persisted := []domain.NetPosition{{
		ID:           positionID,
		WindowID:     w.ID,
		Currency:     domain.USD,
		ParticipantA: "BANKA",
		ParticipantB: "BANKB",
		GrossAToB:    decimal.NewFromInt(100),
		NetAmount:    decimal.NewFromInt(100),
		NetPayer:     "BANKA",
	}}
	sent := []domain.SettlementInstruction{{
		ID:            uuid.New(),
		WindowID:      w.ID,
		NetPositionID: &positionID,
		PayerID:       "BANKA",
		PayeeID:       "BANKB",
		Amount:        decimal.NewFromInt(100),
		Currency:      domain.USD,
		Status:        domain.InstructionStatusPending,
	}}

	f.windows.On("Get", mock.Anything, w.ID).Return(w, nil)
	f.positions.On("FindByWindow", mock.Anything, w.ID).Return(persisted, nil)
	f.instructions.On("FindByWindow", mock.Anything, w.ID).Return(sent, nil)
	f.dispatcher.On("DispatchPositions", mock.Anything, persisted).Return(nil)
	f.dispatcher.On("DispatchInstructions", mock.Anything, sent).Return(nil)
	f.instructions.On("MarkSent", mock.Anything, w.ID).Return(int64(1), nil)
	f.publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e events.Event) bool {
		return e.Type == events.TypeWindowCompleted
	})).Return(nil)
	f.windows.On("Transition", mock.Anything, w.ID, domain.WindowStatusCompleted).Return(w, nil)

	require.NoError(t, f.orchestrator.ProcessWindow(context.Background(), w.ID))
	f.obligations.AssertNotCalled(t, "FindPendingByWindow", mock.Anything, mock.Anything)
	f.tx.AssertNotCalled(t, "WithTx", mock.Anything, mock.Anything)
	f.instructions.AssertNotCalled(t, "CreateBatch", mock.Anything, mock.Anything)
}

func TestProcessWindowRecoversSettlingWithoutInstructions(t *testing.T) {
	f := newFixture()
	f.grantLease()

	// The previous process died after the settling commit but before writing
	// instructions. The recovery run must regenerate instructions from the
	// committed positions and never touch, recompute or delete them.
	w := processingWindow()
	w.Status = domain.WindowStatusSettling

	persisted := []domain.NetPosition{{
		ID:           uuid.New(),
		WindowID:     w.ID,
		Currency:     domain.USD,
		ParticipantA: "BANKA",
		ParticipantB: "BANKB",
		GrossAToB:    decimal.NewFromInt(100),
		NetAmount:    decimal.NewFromInt(100),
		NetPayer:     "BANKA",
	}}

	f.windows.On("Get", mock.Anything, w.ID).Return(w, nil)
	f.positions.On("FindByWindow", mock.Anything, w.ID).Return(persisted, nil)
	f.instructions.On("FindByWindow", mock.Anything, w.ID).Return([]domain.SettlementInstruction{}, nil)

	f.instructions.On("CreateBatch", mock.Anything, mock.MatchedBy(func(ins []domain.SettlementInstruction) bool {
		return len(ins) == 1 && ins[0].PayerID == "BANKA" && ins[0].PayeeID == "BANKB" &&
			ins[0].Amount.Equal(decimal.NewFromInt(100))
	})).Return(nil)
	f.dispatcher.On("DispatchPositions", mock.Anything, persisted).Return(nil)
	f.dispatcher.On("DispatchInstructions", mock.Anything, mock.Anything).Return(nil)
	f.instructions.On("MarkSent", mock.Anything, w.ID).Return(int64(1), nil)
	f.publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e events.Event) bool {
		return e.Type == events.TypeWindowCompleted
	})).Return(nil)
	f.windows.On("Transition", mock.Anything, w.ID, domain.WindowStatusCompleted).Return(w, nil)

	require.NoError(t, f.orchestrator.ProcessWindow(context.Background(), w.ID))
	f.instructions.AssertExpectations(t)
	f.obligations.AssertNotCalled(t, "FindPendingByWindow", mock.Anything, mock.Anything)
	f.tx.AssertNotCalled(t, "WithTx", mock.Anything, mock.Anything)
	f.positions.AssertNotCalled(t, "DeleteByWindow", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessWindowSettlingRaceAbortsWithoutRetry(t *testing.T) {
	f := newFixture()
	f.grantLease()

	w := processingWindow()
	obligations := []domain.Obligation{pendingObligation(w.ID, "BANKA", "BANKB", "100")}

	f.windows.On("Get", mock.Anything, w.ID).Return(w, nil)
	f.obligations.On("FindPendingByWindow", mock.Anything, w.ID).Return(obligations, nil)
	f.tx.On("WithTx", mock.Anything, mock.Anything).Return(nil)
	f.positions.On("DeleteByWindow", mock.Anything, mock.Anything, w.ID).Return(nil)
	f.positions.On("CreateBatch", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.obligations.On("MarkNetted", mock.Anything, mock.Anything, w.ID, mock.Anything).Return(int64(1), nil)
	// The window was moved out of Processing by someone else mid-cycle.
	f.windows.On("MarkSettling", mock.Anything, mock.Anything, w.ID).
		Return(apperrors.Wrap(apperrors.ErrInvalidWindowState, "window left processing during persistence"))
	f.windows.On("FailWindow", mock.Anything, w.ID, mock.Anything).Return(nil)
	f.publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e events.Event) bool {
		return e.Type == events.TypeWindowFailed
	})).Return(nil)

	err := f.orchestrator.ProcessWindow(context.Background(), w.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidWindowState)
	f.tx.AssertNumberOfCalls(t, "WithTx", 1)
	f.instructions.AssertNotCalled(t, "CreateBatch", mock.Anything, mock.Anything)
}
