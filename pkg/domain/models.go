// ==============================================================================
// CLEARING DOMAIN MODELS - pkg/domain/models.go
// ==============================================================================
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Currency represents ISO 4217 currency codes
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	JPY Currency = "JPY"
	CNY Currency = "CNY"
)

// AmountPrecision is the number of fractional digits carried on every amount.
const AmountPrecision = 8

// Obligation represents one participant owing another a fixed amount in one
// currency, originating from a single external payment. Immutable once created
// except for status transitions driven by the clearing engine.
type Obligation struct {
	ID              uuid.UUID        `json:"id" db:"id"`
	WindowID        uuid.UUID        `json:"window_id" db:"window_id"`
	PayerID         string           `json:"payer_id" db:"payer_id"`
	PayeeID         string           `json:"payee_id" db:"payee_id"`
	Currency        Currency         `json:"currency" db:"currency"`
	Amount          decimal.Decimal  `json:"amount" db:"amount"`
	Status          ObligationStatus `json:"status" db:"status"`
	Late            bool             `json:"late" db:"late"`
	OriginReference string           `json:"origin_reference" db:"origin_reference"`
	Metadata        Metadata         `json:"metadata" db:"metadata"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at" db:"updated_at"`
}

type ObligationStatus string

const (
	ObligationStatusPending ObligationStatus = "pending"
	ObligationStatusNetted  ObligationStatus = "netted"
	ObligationStatusSettled ObligationStatus = "settled"
	ObligationStatusFailed  ObligationStatus = "failed"
)

// ClearingWindow is a time-boxed accumulation period for obligations.
// Invariant: StartAt < CutoffAt <= EndAt; status transitions are monotonic and
// at most one window per region is open at a time.
type ClearingWindow struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	Sequence        int64           `json:"sequence" db:"sequence"`
	Name            string          `json:"name" db:"name"`
	Region          string          `json:"region" db:"region"`
	StartAt         time.Time       `json:"start_at" db:"start_at"`
	CutoffAt        time.Time       `json:"cutoff_at" db:"cutoff_at"`
	EndAt           time.Time       `json:"end_at" db:"end_at"`
	GracePeriod     time.Duration   `json:"grace_period" db:"grace_period"`
	Status          WindowStatus    `json:"status" db:"status"`
	ObligationCount int             `json:"obligation_count" db:"obligation_count"`
	GrossValue      decimal.Decimal `json:"gross_value" db:"gross_value"`
	NetValue        decimal.Decimal `json:"net_value" db:"net_value"`
	SavedValue      decimal.Decimal `json:"saved_value" db:"saved_value"`
	EfficiencyPct   decimal.Decimal `json:"efficiency_pct" db:"efficiency_pct"`
	FailureReason   string          `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

type WindowStatus string

const (
	WindowStatusScheduled   WindowStatus = "scheduled"
	WindowStatusOpen        WindowStatus = "open"
	WindowStatusClosing     WindowStatus = "closing"
	WindowStatusGracePeriod WindowStatus = "grace_period"
	WindowStatusProcessing  WindowStatus = "processing"
	WindowStatusSettling    WindowStatus = "settling"
	WindowStatusCompleted   WindowStatus = "completed"
	WindowStatusFailed      WindowStatus = "failed"
)

// Accepting reports whether the window still admits obligations.
func (w *ClearingWindow) Accepting() bool {
	return w.Status == WindowStatusOpen || w.Status == WindowStatusClosing ||
		w.Status == WindowStatusGracePeriod
}

// Terminal reports whether the window has reached a final state.
func (w *ClearingWindow) Terminal() bool {
	return w.Status == WindowStatusCompleted || w.Status == WindowStatusFailed
}

// NetPosition is the bilateral netting result for one unordered participant
// pair in one currency within one window. ParticipantA sorts before
// ParticipantB so each pair is recorded exactly once.
type NetPosition struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	WindowID        uuid.UUID       `json:"window_id" db:"window_id"`
	Currency        Currency        `json:"currency" db:"currency"`
	ParticipantA    string          `json:"participant_a" db:"participant_a"`
	ParticipantB    string          `json:"participant_b" db:"participant_b"`
	GrossAToB       decimal.Decimal `json:"gross_a_to_b" db:"gross_a_to_b"`
	GrossBToA       decimal.Decimal `json:"gross_b_to_a" db:"gross_b_to_a"`
	NetAmount       decimal.Decimal `json:"net_amount" db:"net_amount"`
	NetPayer        string          `json:"net_payer" db:"net_payer"`
	ObligationCount int             `json:"obligation_count" db:"obligation_count"`
	NettingRatio    decimal.Decimal `json:"netting_ratio" db:"netting_ratio"`
	AmountSaved     decimal.Decimal `json:"amount_saved" db:"amount_saved"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// SettlementInstruction is one actionable payment order derived from a
// NetPosition, handed to the external settlement collaborator.
type SettlementInstruction struct {
	ID            uuid.UUID         `json:"id" db:"id"`
	WindowID      uuid.UUID         `json:"window_id" db:"window_id"`
	NetPositionID *uuid.UUID        `json:"net_position_id,omitempty" db:"net_position_id"`
	PayerID       string            `json:"payer_id" db:"payer_id"`
	PayeeID       string            `json:"payee_id" db:"payee_id"`
	Amount        decimal.Decimal   `json:"amount" db:"amount"`
	Currency      Currency          `json:"currency" db:"currency"`
	Status        InstructionStatus `json:"status" db:"status"`
	Deadline      time.Time         `json:"deadline" db:"deadline"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" db:"updated_at"`
}

type InstructionStatus string

const (
	InstructionStatusPending   InstructionStatus = "pending"
	InstructionStatusSent      InstructionStatus = "sent"
	InstructionStatusConfirmed InstructionStatus = "confirmed"
	InstructionStatusFailed    InstructionStatus = "failed"
)

// WindowMetrics aggregates the outcome of one clearing cycle.
type WindowMetrics struct {
	WindowID        uuid.UUID       `json:"window_id"`
	ObligationCount int             `json:"obligation_count"`
	PositionCount   int             `json:"position_count"`
	GrossTotal      decimal.Decimal `json:"gross_total"`
	NetTotal        decimal.Decimal `json:"net_total"`
	AmountSaved     decimal.Decimal `json:"amount_saved"`
	EfficiencyPct   decimal.Decimal `json:"efficiency_pct"`
	CyclesFound     int             `json:"cycles_found"`
	CycleEliminated decimal.Decimal `json:"cycle_eliminated"`
}

// Metadata is a JSON-compatible map
type Metadata map[string]interface{}

func (m Metadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *Metadata) Scan(value interface{}) error {
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, &m)
}
