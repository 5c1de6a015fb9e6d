// ==============================================================================
// OBLIGATION REPOSITORY - internal/repository/postgres/obligation.go
// ==============================================================================
package postgres

import (
	"context"
	"database/sql"

	"railnet/internal/domain"
	"railnet/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

type ObligationRepository struct {
	db *sqlx.DB
}

func NewObligationRepository(db *sqlx.DB) *ObligationRepository {
	return &ObligationRepository{db: db}
}

// InsertIfAccepting inserts the obligation only while its window still admits
// obligations. The status check and insert are one statement, so an
// obligation can never slip into a window that a concurrent scheduler tick
// has already moved past the grace period. The late flag is computed from the
// window's status inside the same statement.
func (r *ObligationRepository) InsertIfAccepting(ctx context.Context, ob *domain.Obligation) (bool, error) {
	query := `
		INSERT INTO obligations (
			id, window_id, payer_id, payee_id, currency, amount, status,
			late, origin_reference, metadata, created_at, updated_at
		)
		SELECT
			$1, w.id, $2, $3, $4, $5, $6,
			w.status IN ('closing', 'grace_period'), $7, $8, $9, $10
		FROM clearing_windows w
		WHERE w.id = $11 AND w.status IN ('open', 'closing', 'grace_period')
		RETURNING late
	`

	err := r.db.QueryRowxContext(ctx, query,
		ob.ID, ob.PayerID, ob.PayeeID, ob.Currency, ob.Amount, ob.Status,
		ob.OriginReference, ob.Metadata, ob.CreatedAt, ob.UpdatedAt,
		ob.WindowID,
	).Scan(&ob.Late)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to insert obligation")
	}
	return true, nil
}

func (r *ObligationRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Obligation, error) {
	var ob domain.Obligation
	err := r.db.GetContext(ctx, &ob, `SELECT * FROM obligations WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, errors.ErrObligationNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find obligation")
	}
	return &ob, nil
}

// FindPendingByWindow loads the window's pending obligations in insertion
// order, which keeps the clearing computation deterministic across re-runs.
func (r *ObligationRepository) FindPendingByWindow(ctx context.Context, windowID uuid.UUID) ([]domain.Obligation, error) {
	query := `
		SELECT * FROM obligations
		WHERE window_id = $1 AND status = 'pending'
		ORDER BY created_at ASC, id ASC
	`

	var obligations []domain.Obligation
	if err := r.db.SelectContext(ctx, &obligations, query, windowID); err != nil {
		return nil, errors.Wrap(err, "failed to load pending obligations")
	}
	return obligations, nil
}

// MarkNetted transitions obligations to netted inside the caller's
// transaction. Only pending rows move; the affected count lets the caller
// detect an obligation that was touched twice.
func (r *ObligationRepository) MarkNetted(ctx context.Context, tx *sqlx.Tx, windowID uuid.UUID, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In(`
		UPDATE obligations
		SET status = 'netted', updated_at = NOW()
		WHERE window_id = ? AND status = 'pending' AND id IN (?)
	`, windowID, ids)
	if err != nil {
		return 0, errors.Wrap(err, "failed to build netted update")
	}

	result, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return 0, errors.Wrap(err, "failed to mark obligations netted")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read affected rows")
	}
	return rows, nil
}

func (r *ObligationRepository) WindowTotals(ctx context.Context, windowID uuid.UUID) (int, decimal.Decimal, error) {
	var row struct {
		Count int             `db:"count"`
		Gross decimal.Decimal `db:"gross"`
	}
	query := `
		SELECT COUNT(*) AS count, COALESCE(SUM(amount), 0) AS gross
		FROM obligations
		WHERE window_id = $1 AND status = 'pending'
	`
	if err := r.db.GetContext(ctx, &row, query, windowID); err != nil {
		return 0, decimal.Zero, errors.Wrap(err, "failed to load window totals")
	}
	return row.Count, row.Gross, nil
}

// RequeueWindow moves a failed window's pending obligations into the next
// window so they are cleared in a later cycle.
func (r *ObligationRepository) RequeueWindow(ctx context.Context, from, to uuid.UUID) (int64, error) {
	query := `
		UPDATE obligations
		SET window_id = $1, updated_at = NOW()
		WHERE window_id = $2 AND status = 'pending'
	`

	result, err := r.db.ExecContext(ctx, query, to, from)
	if err != nil {
		return 0, errors.Wrap(err, "failed to requeue obligations")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read affected rows")
	}
	return rows, nil
}
