package events

import (
	"context"

	"railnet/internal/domain"
	"railnet/pkg/logger"
)

// SettlementDispatcher is the boundary to the external liquidity/settlement
// collaborator: it receives net position batches and the actionable
// instructions derived from them. Acceptance means accepted for execution,
// not paid.
type SettlementDispatcher interface {
	DispatchPositions(ctx context.Context, positions []domain.NetPosition) error
	DispatchInstructions(ctx context.Context, instructions []domain.SettlementInstruction) error
}

// LogDispatcher is the default collaborator stub: it records every handoff in
// the structured log. Deployments replace it with a transport-backed
// implementation.
type LogDispatcher struct {
	logger logger.Logger
}

func NewLogDispatcher(log logger.Logger) *LogDispatcher {
	return &LogDispatcher{logger: log}
}

func (d *LogDispatcher) DispatchPositions(ctx context.Context, positions []domain.NetPosition) error {
	for _, p := range positions {
		d.logger.Info("net position dispatched", map[string]interface{}{
			"position_id":   p.ID.String(),
			"window_id":     p.WindowID.String(),
			"currency":      string(p.Currency),
			"participant_a": p.ParticipantA,
			"participant_b": p.ParticipantB,
			"net_amount":    p.NetAmount.String(),
			"net_payer":     p.NetPayer,
			"amount_saved":  p.AmountSaved.String(),
		})
	}
	return nil
}

func (d *LogDispatcher) DispatchInstructions(ctx context.Context, instructions []domain.SettlementInstruction) error {
	for _, instruction := range instructions {
		d.logger.Info("settlement instruction dispatched", map[string]interface{}{
			"instruction_id": instruction.ID.String(),
			"window_id":      instruction.WindowID.String(),
			"payer_id":       instruction.PayerID,
			"payee_id":       instruction.PayeeID,
			"amount":         instruction.Amount.String(),
			"currency":       string(instruction.Currency),
			"deadline":       instruction.Deadline,
		})
	}
	return nil
}
