// ==============================================================================
// NET POSITION REPOSITORY - internal/repository/postgres/netposition.go
// ==============================================================================
package postgres

import (
	"context"

	"railnet/internal/domain"
	"railnet/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type NetPositionRepository struct {
	db *sqlx.DB
}

func NewNetPositionRepository(db *sqlx.DB) *NetPositionRepository {
	return &NetPositionRepository{db: db}
}

// CreateBatch inserts all of a window's net positions inside the caller's
// transaction so the persistence step stays atomic with marking obligations
// netted.
func (r *NetPositionRepository) CreateBatch(ctx context.Context, tx *sqlx.Tx, positions []domain.NetPosition) error {
	if len(positions) == 0 {
		return nil
	}

	query := `
		INSERT INTO net_positions (
			id, window_id, currency, participant_a, participant_b,
			gross_a_to_b, gross_b_to_a, net_amount, net_payer,
			obligation_count, netting_ratio, amount_saved, created_at
		) VALUES (
			:id, :window_id, :currency, :participant_a, :participant_b,
			:gross_a_to_b, :gross_b_to_a, :net_amount, :net_payer,
			:obligation_count, :netting_ratio, :amount_saved, :created_at
		)
	`

	if _, err := tx.NamedExecContext(ctx, query, positions); err != nil {
		return errors.Wrap(err, "failed to insert net positions")
	}
	return nil
}

func (r *NetPositionRepository) FindByWindow(ctx context.Context, windowID uuid.UUID) ([]domain.NetPosition, error) {
	query := `
		SELECT * FROM net_positions
		WHERE window_id = $1
		ORDER BY currency ASC, participant_a ASC, participant_b ASC
	`

	var positions []domain.NetPosition
	if err := r.db.SelectContext(ctx, &positions, query, windowID); err != nil {
		return nil, errors.Wrap(err, "failed to load net positions")
	}
	return positions, nil
}

// DeleteByWindow removes positions from an aborted cycle so a retried window
// never carries partial rows.
func (r *NetPositionRepository) DeleteByWindow(ctx context.Context, tx *sqlx.Tx, windowID uuid.UUID) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM net_positions WHERE window_id = $1`, windowID)
	return errors.Wrap(err, "failed to delete net positions")
}
