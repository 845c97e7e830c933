package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BalanceEvent announces that a ledger entry changed a balance.
// Delivery is at-least-once; consumers must tolerate duplicates.
type BalanceEvent struct {
	EntryID    uuid.UUID       `json:"entry_id"`
	UserID     uuid.UUID       `json:"user_id"`
	Currency   string          `json:"currency"`
	Kind       string          `json:"kind"`
	Amount     decimal.Decimal `json:"amount"`
	NewBalance decimal.Decimal `json:"new_balance"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Publisher is the outbound balance-change sink. Implementations must
// not block ledger operations; failures are logged and swallowed by
// the caller.
type Publisher interface {
	PublishBalanceChange(ctx context.Context, ev BalanceEvent) error
	Close() error
}

// NopPublisher discards all events. Used when no broker is configured
// and in tests.
type NopPublisher struct{}

func (NopPublisher) PublishBalanceChange(ctx context.Context, ev BalanceEvent) error { return nil }
func (NopPublisher) Close() error                                                    { return nil }
