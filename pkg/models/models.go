package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryKind classifies a ledger entry by the operation that produced it
type EntryKind string

const (
	EntryDeposit    EntryKind = "deposit"
	EntryWithdraw   EntryKind = "withdraw"
	EntryTrade      EntryKind = "trade"
	EntryFee        EntryKind = "fee"
	EntryAdjustment EntryKind = "adjustment"
	EntryReferral   EntryKind = "referral"
)

// Valid reports whether k is one of the known entry kinds
func (k EntryKind) Valid() bool {
	switch k {
	case EntryDeposit, EntryWithdraw, EntryTrade, EntryFee, EntryAdjustment, EntryReferral:
		return true
	}
	return false
}

// LedgerEntry is one immutable balance-changing event. The ledger is
// append-only: corrections are new entries, never updates. Sequence is
// the global insertion order; Ordinal is the per-(user, currency)
// position and carries the unique index that serializes writers.
type LedgerEntry struct {
	Sequence         int64           `json:"sequence" gorm:"primaryKey;autoIncrement"`
	ID               uuid.UUID       `json:"id" gorm:"type:uuid;uniqueIndex" validate:"required,uuid"`
	UserID           uuid.UUID       `json:"user_id" gorm:"type:uuid;index;uniqueIndex:idx_ledger_pair_ordinal,priority:1" validate:"required,uuid"`
	Currency         string          `json:"currency" gorm:"size:10;uniqueIndex:idx_ledger_pair_ordinal,priority:2" validate:"required,uppercase,min=2,max=10"`
	Ordinal          int64           `json:"ordinal" gorm:"uniqueIndex:idx_ledger_pair_ordinal,priority:3" validate:"gt=0"`
	Kind             EntryKind       `json:"kind" gorm:"size:16;index" validate:"required,oneof=deposit withdraw trade fee adjustment referral"`
	Subtype          string          `json:"subtype,omitempty" gorm:"size:32" validate:"omitempty,max=32"`
	Amount           decimal.Decimal `json:"amount" gorm:"type:decimal(32,16)"`
	ResultingBalance decimal.Decimal `json:"resulting_balance" gorm:"type:decimal(32,16)"`
	Reference        string          `json:"reference,omitempty" gorm:"size:64;index" validate:"omitempty,max=64"`
	Note             string          `json:"note,omitempty" gorm:"size:500" validate:"omitempty,max=500"`
	Metadata         string          `json:"metadata,omitempty" gorm:"type:text" validate:"omitempty,json"`
	CreatedAt        time.Time       `json:"created_at"`
}

// RequestStatus is the review state of a deposit/withdraw request
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// DepositRequest is a user-submitted deposit awaiting admin review
type DepositRequest struct {
	ID         uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	UserID     uuid.UUID       `json:"user_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Currency   string          `json:"currency" gorm:"size:10" validate:"required,uppercase,min=2,max=10"`
	Amount     decimal.Decimal `json:"amount" gorm:"type:decimal(32,16)"`
	Address    string          `json:"address,omitempty" gorm:"size:128" validate:"omitempty,max=128"`
	Status     RequestStatus   `json:"status" gorm:"size:16;index;default:pending" validate:"required,oneof=pending approved rejected"`
	Note       string          `json:"note,omitempty" gorm:"size:500" validate:"omitempty,max=500"`
	ReviewedBy *uuid.UUID      `json:"reviewed_by,omitempty" gorm:"type:uuid" validate:"omitempty,uuid"`
	ReviewedAt *time.Time      `json:"reviewed_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// WithdrawRequest is a user-submitted withdrawal awaiting admin review.
// Address is required here: it is the destination of the simulated send.
type WithdrawRequest struct {
	ID         uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	UserID     uuid.UUID       `json:"user_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Currency   string          `json:"currency" gorm:"size:10" validate:"required,uppercase,min=2,max=10"`
	Amount     decimal.Decimal `json:"amount" gorm:"type:decimal(32,16)"`
	Address    string          `json:"address" gorm:"size:128" validate:"required,max=128"`
	Status     RequestStatus   `json:"status" gorm:"size:16;index;default:pending" validate:"required,oneof=pending approved rejected"`
	Note       string          `json:"note,omitempty" gorm:"size:500" validate:"omitempty,max=500"`
	ReviewedBy *uuid.UUID      `json:"reviewed_by,omitempty" gorm:"type:uuid" validate:"omitempty,uuid"`
	ReviewedAt *time.Time      `json:"reviewed_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Trade records a simulated market fill. The balance effects live in
// the ledger (two entries referencing this trade); this row is the
// presentation record.
type Trade struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	UserID    uuid.UUID       `json:"user_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Pair      string          `json:"pair" gorm:"size:21;index" validate:"required"`
	Side      string          `json:"side" gorm:"size:4" validate:"required,oneof=buy sell"`
	Size      decimal.Decimal `json:"size" gorm:"type:decimal(32,16)"`
	Price     decimal.Decimal `json:"price" gorm:"type:decimal(32,16)"`
	Status    string          `json:"status" gorm:"size:16;default:filled"`
	CreatedAt time.Time       `json:"created_at"`
	FilledAt  *time.Time      `json:"filled_at,omitempty"`
}

// AuditRecord is a best-effort operational trail row. Audit writes are
// fire-and-forget and must never fail a ledger operation.
type AuditRecord struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Action    string    `json:"action" gorm:"size:64;index"`
	ActorID   uuid.UUID `json:"actor_id" gorm:"type:uuid;index"`
	Details   string    `json:"details,omitempty" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`
}
