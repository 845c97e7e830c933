// Package trading simulates market fills. There is no matching engine:
// an order fills immediately at the submitted price, and its balance
// effects are the two atomic ledger legs.
package trading

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bitvex/bitvex/internal/audit"
	"github.com/bitvex/bitvex/internal/ledger"
	errs "github.com/bitvex/bitvex/pkg/errors"
	"github.com/bitvex/bitvex/pkg/models"
)

// Service places simulated trades against the ledger
type Service struct {
	db     *gorm.DB
	ledger *ledger.Service
	audit  audit.Sink
	logger *zap.Logger
}

// NewService creates the trading service
func NewService(db *gorm.DB, ledgerSvc *ledger.Service, sink audit.Sink, logger *zap.Logger) *Service {
	return &Service{db: db, ledger: ledgerSvc, audit: sink, logger: logger}
}

// Place executes a market fill: debit the spent currency, credit the
// received one (both or neither), then record the trade row. The trade
// row is presentation data; the ledger legs reference it by id.
func (s *Service) Place(ctx context.Context, userID uuid.UUID, pair, side string, size, price decimal.Decimal) (*models.Trade, error) {
	base, quote, err := ledger.SplitPair(pair)
	if err != nil {
		return nil, err
	}
	tradeID := uuid.New()

	_, err = s.ledger.ExecuteTrade(ctx, ledger.TradeParams{
		UserID:    userID,
		Pair:      pair,
		Side:      side,
		Size:      size,
		Price:     price,
		Reference: tradeID.String(),
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	trade := &models.Trade{
		ID:        tradeID,
		UserID:    userID,
		Pair:      base + "/" + quote,
		Side:      side,
		Size:      size,
		Price:     price,
		Status:    "filled",
		CreatedAt: now,
		FilledAt:  &now,
	}
	if err := s.db.WithContext(ctx).Create(trade).Error; err != nil {
		// The fill is already committed in the ledger; surface the
		// storage failure but do not touch the entries.
		return nil, errs.Wrap(errs.KindStorage, err, "failed to record trade")
	}

	s.audit.Record("trade:place", userID, map[string]interface{}{
		"trade_id": tradeID.String(), "pair": trade.Pair, "side": side,
		"size": size.String(), "price": price.String(),
	})
	return trade, nil
}

// ListByUser returns the user's trades newest first
func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Trade, int64, error) {
	if limit <= 0 {
		limit = 20
	}
	query := s.db.WithContext(ctx).Model(&models.Trade{}).Where("user_id = ?", userID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errs.Wrap(errs.KindStorage, err, "failed to count trades")
	}
	var trades []*models.Trade
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&trades).Error; err != nil {
		return nil, 0, errs.Wrap(errs.KindStorage, err, "failed to list trades")
	}
	return trades, total, nil
}
