// Package balance is the read side: wallet aggregation and transaction
// history projections. Nothing here ever writes a balance.
package balance

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bitvex/bitvex/internal/ledger"
	errs "github.com/bitvex/bitvex/pkg/errors"
	"github.com/bitvex/bitvex/pkg/models"
)

// HistoryFilter narrows the merged transaction history
type HistoryFilter struct {
	Currency string
	Kind     string // "deposit", "withdraw" or "trade"
}

// HistoryItem is one row of the merged deposit/withdraw/trade
// projection. Amounts keep their source sign conventions; the
// canonical balance effect lives in the ledger, not here.
type HistoryItem struct {
	ID          uuid.UUID       `json:"id"`
	Currency    string          `json:"currency"`
	Kind        string          `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	Description string          `json:"description,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// View aggregates per-user balances for presentation. An optional
// redis cache fronts WalletOf; cached wallets are derived data with a
// short TTL, rebuilt from the ledger and never written independently.
type View struct {
	db     *gorm.DB
	ledger *ledger.Service
	cache  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewView creates the read-side view. cache may be nil to disable
// wallet caching.
func NewView(db *gorm.DB, ledgerSvc *ledger.Service, cache *redis.Client, ttl time.Duration, logger *zap.Logger) *View {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &View{db: db, ledger: ledgerSvc, cache: cache, ttl: ttl, logger: logger}
}

// WalletOf returns the user's balance in every currency they have
// transacted in.
func (v *View) WalletOf(ctx context.Context, userID uuid.UUID) (map[string]decimal.Decimal, error) {
	if wallet, ok := v.cachedWallet(ctx, userID); ok {
		return wallet, nil
	}

	currencies, err := v.ledger.Currencies(ctx, userID)
	if err != nil {
		return nil, err
	}

	wallet := make(map[string]decimal.Decimal, len(currencies))
	for _, currency := range currencies {
		bal, err := v.ledger.GetBalance(ctx, userID, currency)
		if err != nil {
			return nil, err
		}
		wallet[currency] = bal
	}

	v.storeWallet(ctx, userID, wallet)
	return wallet, nil
}

// TransactionHistory merges the user's deposit requests, withdraw
// requests and trades into one descending-by-time page.
func (v *View) TransactionHistory(ctx context.Context, userID uuid.UUID, filter HistoryFilter, limit, offset int) ([]HistoryItem, int64, error) {
	if limit <= 0 {
		limit = 20
	}
	if filter.Currency != "" {
		normalized, err := ledger.NormalizeCurrency(filter.Currency)
		if err != nil {
			return nil, 0, err
		}
		filter.Currency = normalized
	}

	var items []HistoryItem

	if filter.Kind == "" || filter.Kind == "deposit" {
		var deposits []models.DepositRequest
		q := v.db.WithContext(ctx).Where("user_id = ?", userID)
		if filter.Currency != "" {
			q = q.Where("currency = ?", filter.Currency)
		}
		if err := q.Find(&deposits).Error; err != nil {
			return nil, 0, errs.Wrap(errs.KindStorage, err, "failed to load deposit history")
		}
		for _, d := range deposits {
			items = append(items, HistoryItem{
				ID: d.ID, Currency: d.Currency, Kind: "deposit",
				Amount: d.Amount, Status: string(d.Status),
				Description: d.Note, Timestamp: d.CreatedAt,
			})
		}
	}

	if filter.Kind == "" || filter.Kind == "withdraw" {
		var withdrawals []models.WithdrawRequest
		q := v.db.WithContext(ctx).Where("user_id = ?", userID)
		if filter.Currency != "" {
			q = q.Where("currency = ?", filter.Currency)
		}
		if err := q.Find(&withdrawals).Error; err != nil {
			return nil, 0, errs.Wrap(errs.KindStorage, err, "failed to load withdraw history")
		}
		for _, w := range withdrawals {
			items = append(items, HistoryItem{
				ID: w.ID, Currency: w.Currency, Kind: "withdraw",
				Amount: w.Amount, Status: string(w.Status),
				Description: w.Note, Timestamp: w.CreatedAt,
			})
		}
	}

	if filter.Kind == "" || filter.Kind == "trade" {
		var trades []models.Trade
		q := v.db.WithContext(ctx).Where("user_id = ?", userID)
		if err := q.Find(&trades).Error; err != nil {
			return nil, 0, errs.Wrap(errs.KindStorage, err, "failed to load trade history")
		}
		for _, t := range trades {
			// Trades are attributed to the base currency for both
			// sides; Amount is the base size.
			base, _, err := ledger.SplitPair(t.Pair)
			if err != nil {
				continue
			}
			if filter.Currency != "" && base != filter.Currency {
				continue
			}
			items = append(items, HistoryItem{
				ID: t.ID, Currency: base, Kind: "trade",
				Amount: t.Size, Status: t.Status,
				Description: t.Side + " " + t.Pair, Timestamp: t.CreatedAt,
			})
		}
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].Timestamp.After(items[j].Timestamp)
	})

	total := int64(len(items))
	if offset >= len(items) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end], total, nil
}

// LedgerHistory exposes the raw per-pair entry stream for audit display
func (v *View) LedgerHistory(ctx context.Context, userID uuid.UUID, currency string, limit, offset int) ([]*models.LedgerEntry, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	return v.ledger.History(ctx, userID, currency, limit, offset)
}

func walletCacheKey(userID uuid.UUID) string {
	return "wallet:" + userID.String()
}

func (v *View) cachedWallet(ctx context.Context, userID uuid.UUID) (map[string]decimal.Decimal, bool) {
	if v.cache == nil {
		return nil, false
	}
	raw, err := v.cache.Get(ctx, walletCacheKey(userID)).Result()
	if err != nil {
		if err != redis.Nil {
			v.logger.Warn("Wallet cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var wallet map[string]decimal.Decimal
	if err := json.Unmarshal([]byte(raw), &wallet); err != nil {
		v.logger.Warn("Wallet cache entry corrupt, ignoring", zap.Error(err))
		return nil, false
	}
	return wallet, true
}

func (v *View) storeWallet(ctx context.Context, userID uuid.UUID, wallet map[string]decimal.Decimal) {
	if v.cache == nil {
		return
	}
	raw, err := json.Marshal(wallet)
	if err != nil {
		return
	}
	if err := v.cache.Set(ctx, walletCacheKey(userID), raw, v.ttl).Err(); err != nil {
		v.logger.Warn("Wallet cache write failed", zap.Error(err))
	}
}
