// ==============================================================================
// SETTLEMENT INSTRUCTION REPOSITORY - internal/repository/postgres/instruction.go
// ==============================================================================
package postgres

import (
	"context"
	"database/sql"

	"railnet/internal/domain"
	"railnet/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type InstructionRepository struct {
	db *sqlx.DB
}

func NewInstructionRepository(db *sqlx.DB) *InstructionRepository {
	return &InstructionRepository{db: db}
}

func (r *InstructionRepository) CreateBatch(ctx context.Context, instructions []domain.SettlementInstruction) error {
	if len(instructions) == 0 {
		return nil
	}

	query := `
		INSERT INTO settlement_instructions (
			id, window_id, net_position_id, payer_id, payee_id, amount,
			currency, status, deadline, created_at, updated_at
		) VALUES (
			:id, :window_id, :net_position_id, :payer_id, :payee_id, :amount,
			:currency, :status, :deadline, :created_at, :updated_at
		)
		ON CONFLICT (id) DO NOTHING
	`

	if _, err := r.db.NamedExecContext(ctx, query, instructions); err != nil {
		return errors.Wrap(err, "failed to insert settlement instructions")
	}
	return nil
}

func (r *InstructionRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.SettlementInstruction, error) {
	var instruction domain.SettlementInstruction
	err := r.db.GetContext(ctx, &instruction,
		`SELECT * FROM settlement_instructions WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, errors.ErrInstructionNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find settlement instruction")
	}
	return &instruction, nil
}

func (r *InstructionRepository) FindByWindow(ctx context.Context, windowID uuid.UUID) ([]domain.SettlementInstruction, error) {
	query := `
		SELECT * FROM settlement_instructions
		WHERE window_id = $1
		ORDER BY currency ASC, payer_id ASC, payee_id ASC
	`

	var instructions []domain.SettlementInstruction
	if err := r.db.SelectContext(ctx, &instructions, query, windowID); err != nil {
		return nil, errors.Wrap(err, "failed to load settlement instructions")
	}
	return instructions, nil
}

// MarkSent flips a window's pending instructions to sent after handoff to the
// settlement collaborator.
func (r *InstructionRepository) MarkSent(ctx context.Context, windowID uuid.UUID) (int64, error) {
	query := `
		UPDATE settlement_instructions
		SET status = 'sent', updated_at = NOW()
		WHERE window_id = $1 AND status = 'pending'
	`

	result, err := r.db.ExecContext(ctx, query, windowID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to mark instructions sent")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read affected rows")
	}
	return rows, nil
}

// UpdateStatus records the settlement collaborator's asynchronous outcome.
func (r *InstructionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.InstructionStatus) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE settlement_instructions
		SET status = $1, updated_at = NOW()
		WHERE id = $2
	`, status, id)
	if err != nil {
		return errors.Wrap(err, "failed to update instruction status")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if rows == 0 {
		return errors.ErrInstructionNotFound
	}
	return nil
}
