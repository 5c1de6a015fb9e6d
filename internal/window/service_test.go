package window

import (
	"context"
	"errors"
	"testing"
	"time"

	"railnet/internal/domain"
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

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Create(ctx context.Context, w *domain.ClearingWindow) error {
	args := m.Called(ctx, w)
	return args.Error(0)
}

func (m *MockRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.ClearingWindow, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ClearingWindow), args.Error(1)
}

func (m *MockRepository) FindAccepting(ctx context.Context, region string) (*domain.ClearingWindow, error) {
	args := m.Called(ctx, region)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ClearingWindow), args.Error(1)
}

func (m *MockRepository) FindByStatus(ctx context.Context, region string, status domain.WindowStatus) ([]*domain.ClearingWindow, error) {
	args := m.Called(ctx, region, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.ClearingWindow), args.Error(1)
}

func (m *MockRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.WindowStatus, reason string) (bool, error) {
	args := m.Called(ctx, id, from, to, reason)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) UpdateStatusTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, from, to domain.WindowStatus) (bool, error) {
	args := m.Called(ctx, tx, id, from, to)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) UpdateMetrics(ctx context.Context, id uuid.UUID, metrics domain.WindowMetrics) error {
	args := m.Called(ctx, id, metrics)
	return args.Error(0)
}

func (m *MockRepository) NextSequence(ctx context.Context, region string) (int64, error) {
	args := m.Called(ctx, region)
	return args.Get(0).(int64), args.Error(1)
}

type MockObligationRepository struct {
	mock.Mock
}

func (m *MockObligationRepository) InsertIfAccepting(ctx context.Context, ob *domain.Obligation) (bool, error) {
	args := m.Called(ctx, ob)
	return args.Bool(0), args.Error(1)
}

func (m *MockObligationRepository) WindowTotals(ctx context.Context, windowID uuid.UUID) (int, decimal.Decimal, error) {
	args := m.Called(ctx, windowID)
	return args.Int(0), args.Get(1).(decimal.Decimal), args.Error(2)
}

func (m *MockObligationRepository) RequeueWindow(ctx context.Context, from, to uuid.UUID) (int64, error) {
	args := m.Called(ctx, from, to)
	return args.Get(0).(int64), args.Error(1)
}

// Helpers

func testConfig() RegionConfig {
	return RegionConfig{
		WindowDuration: 6 * time.Hour,
		GracePeriod:    30 * time.Minute,
	}
}

func newTestService(repo *MockRepository, obligations *MockObligationRepository) *Service {
	return NewService(repo, obligations, nil, testConfig(), logger.NewNop())
}

func openWindow(region string, start time.Time) *domain.ClearingWindow {
	return &domain.ClearingWindow{
		ID:          uuid.New(),
		Sequence:    1,
		Region:      region,
		StartAt:     start,
		CutoffAt:    start.Add(6 * time.Hour),
		EndAt:       start.Add(6*time.Hour + 30*time.Minute),
		GracePeriod: 30 * time.Minute,
		Status:      domain.WindowStatusOpen,
	}
}

func submitRequest() *SubmitObligationRequest {
	return &SubmitObligationRequest{
		PayerID:         "BANKA",
		PayeeID:         "BANKB",
		Currency:        domain.USD,
		Amount:          decimal.NewFromInt(1000),
		OriginReference: "PAY-123",
	}
}

// Tests

func TestOpenNextWindowReturnsExisting(t *testing.T) {
	repo := new(MockRepository)
	obligations := new(MockObligationRepository)
	service := newTestService(repo, obligations)

	existing := openWindow("emea", time.Now().UTC())
	repo.On("FindAccepting", mock.Anything, "emea").Return(existing, nil)

	w, err := service.OpenNextWindow(context.Background(), "emea")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, w.ID)

	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestOpenNextWindowCreatesAlignedWindow(t *testing.T) {
	repo := new(MockRepository)
	obligations := new(MockObligationRepository)
	service := newTestService(repo, obligations)

	now := time.Date(2026, 3, 14, 10, 17, 33, 0, time.UTC)
	service.SetClock(func() time.Time { return now })

	repo.On("FindAccepting", mock.Anything, "apac").Return(nil, apperrors.ErrWindowNotFound)
	repo.On("NextSequence", mock.Anything, "apac").Return(int64(7), nil)
	repo.On("Create", mock.Anything, mock.MatchedBy(func(w *domain.ClearingWindow) bool {
		return w.Region == "apac" &&
			w.Status == domain.WindowStatusOpen &&
			w.StartAt.Equal(time.Date(2026, 3, 14, 6, 0, 0, 0, time.UTC)) &&
			w.CutoffAt.Equal(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)) &&
			w.EndAt.Equal(time.Date(2026, 3, 14, 12, 30, 0, 0, time.UTC)) &&
			w.Sequence == 7
	})).Return(nil)

	w, err := service.OpenNextWindow(context.Background(), "apac")
	require.NoError(t, err)
	assert.Equal(t, "apac-20260314T0600-0007", w.Name)
	repo.AssertExpectations(t)
}

func TestAdmitObligationIntoOpenWindow(t *testing.T) {
	repo := new(MockRepository)
	obligations := new(MockObligationRepository)
	service := newTestService(repo, obligations)

	w := openWindow("emea", time.Now().UTC().Add(-time.Hour))
	repo.On("FindAccepting", mock.Anything, "emea").Return(w, nil)
	obligations.On("InsertIfAccepting", mock.Anything, mock.MatchedBy(func(ob *domain.Obligation) bool {
		return ob.WindowID == w.ID &&
			ob.PayerID == "BANKA" &&
			ob.Status == domain.ObligationStatusPending &&
			ob.Amount.Equal(decimal.NewFromInt(1000))
	})).Return(true, nil)

	ob, err := service.AdmitObligation(context.Background(), "emea", submitRequest())
	require.NoError(t, err)
	assert.False(t, ob.Late)
	obligations.AssertExpectations(t)
}

func TestAdmitObligationLateDuringGracePeriod(t *testing.T) {
	repo := new(MockRepository)
	obligations := new(MockObligationRepository)
	service := newTestService(repo, obligations)

	w := openWindow("emea", time.Now().UTC().Add(-7*time.Hour))
	w.Status = domain.WindowStatusGracePeriod
	repo.On("FindAccepting", mock.Anything, "emea").Return(w, nil)
	obligations.On("InsertIfAccepting", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			args.Get(1).(*domain.Obligation).Late = true
		}).
		Return(true, nil)

	ob, err := service.AdmitObligation(context.Background(), "emea", submitRequest())
	require.NoError(t, err)
	assert.True(t, ob.Late)
}

func TestAdmitObligationNoAcceptingWindow(t *testing.T) {
	repo := new(MockRepository)
	obligations := new(MockObligationRepository)
	service := newTestService(repo, obligations)

	repo.On("FindAccepting", mock.Anything, "emea").Return(nil, apperrors.ErrWindowNotFound)

	_, err := service.AdmitObligation(context.Background(), "emea", submitRequest())
	assert.ErrorIs(t, err, apperrors.ErrWindowClosed)
}

func TestAdmitObligationLosesRaceWithCutoff(t *testing.T) {
	repo := new(MockRepository)
	obligations := new(MockObligationRepository)
	service := newTestService(repo, obligations)

	w := openWindow("emea", time.Now().UTC())
	repo.On("FindAccepting", mock.Anything, "emea").Return(w, nil)
	// Window stopped accepting between the read and the insert.
	obligations.On("InsertIfAccepting", mock.Anything, mock.Anything).Return(false, nil)

	_, err := service.AdmitObligation(context.Background(), "emea", submitRequest())
	assert.ErrorIs(t, err, apperrors.ErrWindowClosed)
}

func TestAdmitObligationRejectsSelfPayment(t *testing.T) {
	service := newTestService(new(MockRepository), new(MockObligationRepository))

	req := submitRequest()
	req.PayeeID = req.PayerID

	_, err := service.AdmitObligation(context.Background(), "emea", req)
	assert.ErrorIs(t, err, apperrors.ErrSelfObligation)
}

func TestAdmitObligationRejectsNonPositiveAmount(t *testing.T) {
	service := newTestService(new(MockRepository), new(MockObligationRepository))

	req := submitRequest()
	req.Amount = decimal.Zero

	_, err := service.AdmitObligation(context.Background(), "emea", req)
	assert.ErrorIs(t, err, apperrors.ErrNonPositiveAmount)
}

func TestAdvanceWindowBeforeCutoffIsNoop(t *testing.T) {
	repo := new(MockRepository)
	service := newTestService(repo, new(MockObligationRepository))

	w := openWindow("emea", time.Now().UTC().Add(-time.Hour))
	repo.On("FindByID", mock.Anything, w.ID).Return(w, nil)

	got, err := service.AdvanceWindow(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WindowStatusOpen, got.Status)
	repo.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAdvanceWindowPastCutoffReachesGracePeriod(t *testing.T) {
	repo := new(MockRepository)
	service := newTestService(repo, new(MockObligationRepository))

	// Past cutoff but still inside the grace period.
	w := openWindow("emea", time.Now().UTC().Add(-6*time.Hour-5*time.Minute))
	repo.On("FindByID", mock.Anything, w.ID).Return(w, nil)
	repo.On("UpdateStatus", mock.Anything, w.ID, domain.WindowStatusOpen, domain.WindowStatusClosing, "").Return(true, nil)
	repo.On("UpdateStatus", mock.Anything, w.ID, domain.WindowStatusClosing, domain.WindowStatusGracePeriod, "").Return(true, nil)

	got, err := service.AdvanceWindow(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WindowStatusGracePeriod, got.Status)
	repo.AssertExpectations(t)
}

func TestAdvanceWindowPastGracePeriodReachesProcessing(t *testing.T) {
	repo := new(MockRepository)
	service := newTestService(repo, new(MockObligationRepository))

	w := openWindow("emea", time.Now().UTC().Add(-8*time.Hour))
	repo.On("FindByID", mock.Anything, w.ID).Return(w, nil)
	repo.On("UpdateStatus", mock.Anything, w.ID, domain.WindowStatusOpen, domain.WindowStatusClosing, "").Return(true, nil)
	repo.On("UpdateStatus", mock.Anything, w.ID, domain.WindowStatusClosing, domain.WindowStatusGracePeriod, "").Return(true, nil)
	repo.On("UpdateStatus", mock.Anything, w.ID, domain.WindowStatusGracePeriod, domain.WindowStatusProcessing, "").Return(true, nil)

	got, err := service.AdvanceWindow(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WindowStatusProcessing, got.Status)
}

func TestAdvanceWindowReloadsAfterLostRace(t *testing.T) {
	repo := new(MockRepository)
	service := newTestService(repo, new(MockObligationRepository))

	stale := openWindow("emea", time.Now().UTC().Add(-8*time.Hour))
	current := *stale
	current.Status = domain.WindowStatusProcessing

	repo.On("FindByID", mock.Anything, stale.ID).Return(stale, nil).Once()
	repo.On("UpdateStatus", mock.Anything, stale.ID, domain.WindowStatusOpen, domain.WindowStatusClosing, "").Return(false, nil)
	repo.On("FindByID", mock.Anything, stale.ID).Return(&current, nil)

	got, err := service.AdvanceWindow(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WindowStatusProcessing, got.Status)
}

func TestAdvanceWindowOpensScheduledWindowAtStart(t *testing.T) {
	repo := new(MockRepository)
	service := newTestService(repo, new(MockObligationRepository))

	// An operator-provisioned future window sits in Scheduled until its start
	// boundary passes, then AdvanceWindow opens it.
	start := time.Date(2026, 3, 14, 6, 0, 0, 0, time.UTC)
	w := openWindow("emea", start)
	w.Status = domain.WindowStatusScheduled
	service.SetClock(func() time.Time { return start.Add(time.Minute) })

	repo.On("FindByID", mock.Anything, w.ID).Return(w, nil)
	repo.On("UpdateStatus", mock.Anything, w.ID,
		domain.WindowStatusScheduled, domain.WindowStatusOpen, "").Return(true, nil)

	got, err := service.AdvanceWindow(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WindowStatusOpen, got.Status)
	repo.AssertExpectations(t)
}

func TestTransitionAlreadyReachedIsNoop(t *testing.T) {
	repo := new(MockRepository)
	service := newTestService(repo, new(MockObligationRepository))

	w := openWindow("emea", time.Now().UTC())
	w.Status = domain.WindowStatusCompleted
	repo.On("FindByID", mock.Anything, w.ID).Return(w, nil)

	got, err := service.Transition(context.Background(), w.ID, domain.WindowStatusSettling)
	require.NoError(t, err)
	assert.Equal(t, domain.WindowStatusCompleted, got.Status)
	repo.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestTransitionRejectsIllegalJump(t *testing.T) {
	repo := new(MockRepository)
	service := newTestService(repo, new(MockObligationRepository))

	w := openWindow("emea", time.Now().UTC())
	repo.On("FindByID", mock.Anything, w.ID).Return(w, nil)

	_, err := service.Transition(context.Background(), w.ID, domain.WindowStatusSettling)
	assert.ErrorIs(t, err, apperrors.ErrInvalidWindowState)
}

func TestMarkSettlingUsesCallersTransaction(t *testing.T) {
	repo := new(MockRepository)
	service := newTestService(repo, new(MockObligationRepository))

	windowID := uuid.New()
	repo.On("UpdateStatusTx", mock.Anything, mock.Anything, windowID,
		domain.WindowStatusProcessing, domain.WindowStatusSettling).Return(true, nil)

	require.NoError(t, service.MarkSettling(context.Background(), nil, windowID))
	repo.AssertExpectations(t)
}

func TestMarkSettlingRejectsWindowNotProcessing(t *testing.T) {
	repo := new(MockRepository)
	service := newTestService(repo, new(MockObligationRepository))

	windowID := uuid.New()
	repo.On("UpdateStatusTx", mock.Anything, mock.Anything, windowID,
		domain.WindowStatusProcessing, domain.WindowStatusSettling).Return(false, nil)

	err := service.MarkSettling(context.Background(), nil, windowID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidWindowState)
}

func TestFailWindowRequeuesPendingObligations(t *testing.T) {
	repo := new(MockRepository)
	obligations := new(MockObligationRepository)
	service := newTestService(repo, obligations)

	w := openWindow("emea", time.Now().UTC())
	w.Status = domain.WindowStatusProcessing
	next := openWindow("emea", time.Now().UTC().Add(6*time.Hour))

	repo.On("FindByID", mock.Anything, w.ID).Return(w, nil)
	repo.On("UpdateStatus", mock.Anything, w.ID, domain.WindowStatusProcessing, domain.WindowStatusFailed, "storage outage").Return(true, nil)
	repo.On("FindAccepting", mock.Anything, "emea").Return(next, nil)
	obligations.On("RequeueWindow", mock.Anything, w.ID, next.ID).Return(int64(12), nil)

	err := service.FailWindow(context.Background(), w.ID, "storage outage")
	require.NoError(t, err)
	repo.AssertExpectations(t)
	obligations.AssertExpectations(t)
}

func TestFailWindowAlreadyFailedIsNoop(t *testing.T) {
	repo := new(MockRepository)
	service := newTestService(repo, new(MockObligationRepository))

	w := openWindow("emea", time.Now().UTC())
	w.Status = domain.WindowStatusFailed
	repo.On("FindByID", mock.Anything, w.ID).Return(w, nil)

	assert.NoError(t, service.FailWindow(context.Background(), w.ID, "again"))
	repo.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestFailWindowRejectsCompleted(t *testing.T) {
	repo := new(MockRepository)
	service := newTestService(repo, new(MockObligationRepository))

	w := openWindow("emea", time.Now().UTC())
	w.Status = domain.WindowStatusCompleted
	repo.On("FindByID", mock.Anything, w.ID).Return(w, nil)

	err := service.FailWindow(context.Background(), w.ID, "nope")
	assert.ErrorIs(t, err, apperrors.ErrInvalidWindowState)
}

func TestCurrentWindowLoadsTotals(t *testing.T) {
	repo := new(MockRepository)
	obligations := new(MockObligationRepository)
	service := newTestService(repo, obligations)

	w := openWindow("emea", time.Now().UTC())
	repo.On("FindAccepting", mock.Anything, "emea").Return(w, nil)
	obligations.On("WindowTotals", mock.Anything, w.ID).Return(42, decimal.NewFromInt(123456), nil)

	snapshot, err := service.CurrentWindow(context.Background(), "emea")
	require.NoError(t, err)
	assert.Equal(t, 42, snapshot.ObligationCount)
	assert.True(t, snapshot.GrossValue.Equal(decimal.NewFromInt(123456)))
}

func TestCurrentWindowNoAcceptingWindow(t *testing.T) {
	repo := new(MockRepository)
	service := newTestService(repo, new(MockObligationRepository))

	repo.On("FindAccepting", mock.Anything, "emea").Return(nil, apperrors.ErrWindowNotFound)

	_, err := service.CurrentWindow(context.Background(), "emea")
	assert.ErrorIs(t, err, apperrors.ErrNoOpenWindow)
}

func TestFailWindowSurfacesRepoError(t *testing.T) {
	repo := new(MockRepository)
	service := newTestService(repo, new(MockObligationRepository))

	boom := errors.New("connection reset")
	repo.On("FindByID", mock.Anything, mock.Anything).Return(nil, boom)

	err := service.FailWindow(context.Background(), uuid.New(), "reason")
	assert.ErrorIs(t, err, boom)
}
