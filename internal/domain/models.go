// Package domain re-exports core domain types so internal code can import
// `railnet/internal/domain` while using definitions from `railnet/pkg/domain`.
package domain

import pkg "railnet/pkg/domain"

// Currency represents a currency code.
type Currency = pkg.Currency

// Obligation represents a recorded debt between two participants.
type Obligation = pkg.Obligation

// ObligationStatus represents obligation lifecycle states.
type ObligationStatus = pkg.ObligationStatus

// ClearingWindow represents a time-boxed clearing period.
type ClearingWindow = pkg.ClearingWindow

// WindowStatus represents window lifecycle states.
type WindowStatus = pkg.WindowStatus

// NetPosition represents a bilateral netting result.
type NetPosition = pkg.NetPosition

// SettlementInstruction represents an actionable payment order.
type SettlementInstruction = pkg.SettlementInstruction

// InstructionStatus represents instruction lifecycle states.
type InstructionStatus = pkg.InstructionStatus

// WindowMetrics aggregates the outcome of one clearing cycle.
type WindowMetrics = pkg.WindowMetrics

// Metadata holds arbitrary key-value metadata.
type Metadata = pkg.Metadata

// AmountPrecision is the fixed number of fractional digits on amounts.
const AmountPrecision = pkg.AmountPrecision

// Re-exported currency codes.
const (
	USD = pkg.USD
	EUR = pkg.EUR
	GBP = pkg.GBP
	JPY = pkg.JPY
	CNY = pkg.CNY
)

// Re-exported obligation statuses.
const (
	ObligationStatusPending = pkg.ObligationStatusPending
	ObligationStatusNetted  = pkg.ObligationStatusNetted
	ObligationStatusSettled = pkg.ObligationStatusSettled
	ObligationStatusFailed  = pkg.ObligationStatusFailed
)

// Re-exported window statuses.
const (
	WindowStatusScheduled   = pkg.WindowStatusScheduled
	WindowStatusOpen        = pkg.WindowStatusOpen
	WindowStatusClosing     = pkg.WindowStatusClosing
	WindowStatusGracePeriod = pkg.WindowStatusGracePeriod
	WindowStatusProcessing  = pkg.WindowStatusProcessing
	WindowStatusSettling    = pkg.WindowStatusSettling
	WindowStatusCompleted   = pkg.WindowStatusCompleted
	WindowStatusFailed      = pkg.WindowStatusFailed
)

// Re-exported instruction statuses.
const (
	InstructionStatusPending   = pkg.InstructionStatusPending
	InstructionStatusSent      = pkg.InstructionStatusSent
	InstructionStatusConfirmed = pkg.InstructionStatusConfirmed
	InstructionStatusFailed    = pkg.InstructionStatusFailed
)
