// Package postgres implements the clearing engine's repositories over sqlx.
package postgres

import (
	"context"
	"database/sql"

	"railnet/pkg/errors"

	"github.com/jmoiron/sqlx"
)

// Store bundles the connection and exposes a transaction runner for the
// orchestrator's atomic persistence step.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// WithTx runs fn inside a serializable transaction, rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}
