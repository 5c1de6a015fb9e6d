// ==============================================================================
// WINDOW REPOSITORY - internal/repository/postgres/window.go
// ==============================================================================
package postgres

import (
	"context"
	"database/sql"
	"time"

	"railnet/internal/domain"
	"railnet/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type WindowRepository struct {
	db *sqlx.DB
}

func NewWindowRepository(db *sqlx.DB) *WindowRepository {
	return &WindowRepository{db: db}
}

func (r *WindowRepository) Create(ctx context.Context, w *domain.ClearingWindow) error {
	query := `
		INSERT INTO clearing_windows (
			id, sequence, name, region, start_at, cutoff_at, end_at,
			grace_period_seconds, status, obligation_count, gross_value,
			net_value, saved_value, efficiency_pct, failure_reason,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)
	`

	_, err := r.db.ExecContext(ctx, query,
		w.ID, w.Sequence, w.Name, w.Region, w.StartAt, w.CutoffAt, w.EndAt,
		int64(w.GracePeriod.Seconds()), w.Status, w.ObligationCount,
		w.GrossValue, w.NetValue, w.SavedValue, w.EfficiencyPct,
		w.FailureReason, w.CreatedAt, w.UpdatedAt,
	)

	return errors.Wrap(err, "failed to create clearing window")
}

func (r *WindowRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.ClearingWindow, error) {
	query := `SELECT * FROM clearing_windows WHERE id = $1`

	var row windowRow
	err := r.db.GetContext(ctx, &row, query, id)
	if err == sql.ErrNoRows {
		return nil, errors.ErrWindowNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find clearing window")
	}

	return row.toDomain(), nil
}

// FindAccepting returns the region's single window that still admits
// obligations; the partial unique index on (region) for accepting statuses
// guarantees at most one row.
func (r *WindowRepository) FindAccepting(ctx context.Context, region string) (*domain.ClearingWindow, error) {
	query := `
		SELECT * FROM clearing_windows
		WHERE region = $1 AND status IN ('open', 'closing', 'grace_period')
		ORDER BY sequence DESC
		LIMIT 1
	`

	var row windowRow
	err := r.db.GetContext(ctx, &row, query, region)
	if err == sql.ErrNoRows {
		return nil, errors.ErrWindowNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find accepting window")
	}

	return row.toDomain(), nil
}

func (r *WindowRepository) FindByStatus(ctx context.Context, region string, status domain.WindowStatus) ([]*domain.ClearingWindow, error) {
	query := `
		SELECT * FROM clearing_windows
		WHERE region = $1 AND status = $2
		ORDER BY sequence ASC
	`

	var rows []windowRow
	if err := r.db.SelectContext(ctx, &rows, query, region, status); err != nil {
		return nil, errors.Wrap(err, "failed to list windows by status")
	}

	windows := make([]*domain.ClearingWindow, len(rows))
	for i := range rows {
		windows[i] = rows[i].toDomain()
	}
	return windows, nil
}

// UpdateStatus is a compare-and-set: the row only moves if it is still in
// the expected state, which serializes concurrent advancers.
func (r *WindowRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.WindowStatus, reason string) (bool, error) {
	query := `
		UPDATE clearing_windows
		SET status = $1, failure_reason = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`

	result, err := r.db.ExecContext(ctx, query, to, reason, id, from)
	if err != nil {
		return false, errors.Wrap(err, "failed to update window status")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	return rows == 1, nil
}

// UpdateStatusTx is the compare-and-set transition executed inside the
// caller's transaction, letting a status change commit atomically with the
// rows it describes.
func (r *WindowRepository) UpdateStatusTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, from, to domain.WindowStatus) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE clearing_windows
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return false, errors.Wrap(err, "failed to update window status")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	return rows == 1, nil
}

func (r *WindowRepository) UpdateMetrics(ctx context.Context, id uuid.UUID, metrics domain.WindowMetrics) error {
	query := `
		UPDATE clearing_windows
		SET obligation_count = $1, gross_value = $2, net_value = $3,
			saved_value = $4, efficiency_pct = $5, updated_at = NOW()
		WHERE id = $6
	`

	_, err := r.db.ExecContext(ctx, query,
		metrics.ObligationCount, metrics.GrossTotal, metrics.NetTotal,
		metrics.AmountSaved, metrics.EfficiencyPct, id,
	)

	return errors.Wrap(err, "failed to update window metrics")
}

func (r *WindowRepository) NextSequence(ctx context.Context, region string) (int64, error) {
	var sequence int64
	err := r.db.GetContext(ctx, &sequence,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM clearing_windows WHERE region = $1`,
		region,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to allocate window sequence")
	}
	return sequence, nil
}

// secondsToDuration converts a stored integer interval back to a Duration.
func secondsToDuration(seconds int64) time.Duration {
	return time.Duration(seconds) * time.Second
}

// windowRow maps the grace period through its integer column.
type windowRow struct {
	domain.ClearingWindow
	GracePeriodSeconds int64 `db:"grace_period_seconds"`
}

func (row *windowRow) toDomain() *domain.ClearingWindow {
	w := row.ClearingWindow
	w.GracePeriod = secondsToDuration(row.GracePeriodSeconds)
	return &w
}
