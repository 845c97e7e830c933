package balance

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/bitvex/bitvex/internal/audit"
	"github.com/bitvex/bitvex/internal/config"
	"github.com/bitvex/bitvex/internal/ledger"
	"github.com/bitvex/bitvex/internal/messaging"
	"github.com/bitvex/bitvex/pkg/models"
)

func newTestView(t *testing.T) (*View, *ledger.Service, *gorm.DB) {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.LedgerEntry{}, &models.DepositRequest{}, &models.WithdrawRequest{}, &models.Trade{}))

	logger := zap.NewNop()
	ledgerSvc := ledger.NewService(ledger.NewStore(db), logger, audit.NopSink{}, messaging.NopPublisher{}, config.LedgerConfig{})
	return NewView(db, ledgerSvc, nil, 0, logger), ledgerSvc, db
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestWalletOfAggregatesAllCurrencies(t *testing.T) {
	view, ledgerSvc, _ := newTestView(t)
	ctx := context.Background()
	user := uuid.New()

	_, err := ledgerSvc.Post(ctx, user, models.EntryDeposit, "BTC", dec("1.5"), ledger.PostOpts{})
	require.NoError(t, err)
	_, err = ledgerSvc.Post(ctx, user, models.EntryDeposit, "USDT", dec("1000"), ledger.PostOpts{})
	require.NoError(t, err)
	_, err = ledgerSvc.Post(ctx, user, models.EntryWithdraw, "USDT", dec("-400"), ledger.PostOpts{})
	require.NoError(t, err)

	wallet, err := view.WalletOf(ctx, user)
	require.NoError(t, err)
	require.Len(t, wallet, 2)
	require.True(t, wallet["BTC"].Equal(dec("1.5")))
	require.True(t, wallet["USDT"].Equal(dec("600")))
}

func TestWalletOfEmptyUser(t *testing.T) {
	view, _, _ := newTestView(t)

	wallet, err := view.WalletOf(context.Background(), uuid.New())
	require.NoError(t, err)
	require.Empty(t, wallet)
}

func seedHistory(t *testing.T, db *gorm.DB, user uuid.UUID) {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	require.NoError(t, db.Create(&models.DepositRequest{
		ID: uuid.New(), UserID: user, Currency: "USDT", Amount: dec("100"),
		Status: models.RequestApproved, CreatedAt: base,
	}).Error)
	require.NoError(t, db.Create(&models.WithdrawRequest{
		ID: uuid.New(), UserID: user, Currency: "BTC", Amount: dec("0.5"),
		Address: "bc1qaddr", Status: models.RequestPending, CreatedAt: base.Add(10 * time.Minute),
	}).Error)
	require.NoError(t, db.Create(&models.Trade{
		ID: uuid.New(), UserID: user, Pair: "BTC/USDT", Side: "buy",
		Size: dec("0.25"), Price: dec("50000"), Status: "filled",
		CreatedAt: base.Add(20 * time.Minute),
	}).Error)
}

func TestTransactionHistoryMergesSources(t *testing.T) {
	view, _, db := newTestView(t)
	ctx := context.Background()
	user := uuid.New()
	seedHistory(t, db, user)

	// A different user's rows must not leak in.
	seedHistory(t, db, uuid.New())

	items, total, err := view.TransactionHistory(ctx, user, HistoryFilter{}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, int64(3), total)
	require.Len(t, items, 3)

	// Newest first: trade, withdraw, deposit.
	require.Equal(t, "trade", items[0].Kind)
	require.Equal(t, "withdraw", items[1].Kind)
	require.Equal(t, "deposit", items[2].Kind)
	for i := 1; i < len(items); i++ {
		require.False(t, items[i].Timestamp.After(items[i-1].Timestamp))
	}
}

func TestTransactionHistoryFilters(t *testing.T) {
	view, _, db := newTestView(t)
	ctx := context.Background()
	user := uuid.New()
	seedHistory(t, db, user)

	deposits, total, err := view.TransactionHistory(ctx, user, HistoryFilter{Kind: "deposit"}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, "deposit", deposits[0].Kind)

	usdt, total, err := view.TransactionHistory(ctx, user, HistoryFilter{Currency: "USDT"}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, "USDT", usdt[0].Currency)

	// Lowercase input normalizes to the stored code.
	lower, total, err := view.TransactionHistory(ctx, user, HistoryFilter{Currency: "usdt"}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, "USDT", lower[0].Currency)

	_, _, err = view.TransactionHistory(ctx, user, HistoryFilter{Currency: "not a coin"}, 10, 0)
	require.Error(t, err)
}

func TestTransactionHistoryTradeAttribution(t *testing.T) {
	view, _, db := newTestView(t)
	ctx := context.Background()
	user := uuid.New()

	// A sell is still a base-currency row: "sell 1 BTC @ 50000" shows
	// 1 BTC, never 1 USDT.
	require.NoError(t, db.Create(&models.Trade{
		ID: uuid.New(), UserID: user, Pair: "BTC/USDT", Side: "sell",
		Size: dec("1"), Price: dec("50000"), Status: "filled",
		CreatedAt: time.Now(),
	}).Error)

	items, total, err := view.TransactionHistory(ctx, user, HistoryFilter{Kind: "trade"}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, "BTC", items[0].Currency)
	require.True(t, items[0].Amount.Equal(dec("1")))

	byBase, total, err := view.TransactionHistory(ctx, user, HistoryFilter{Currency: "btc"}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, "trade", byBase[0].Kind)

	_, total, err = view.TransactionHistory(ctx, user, HistoryFilter{Currency: "USDT"}, 10, 0)
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestTransactionHistoryPagination(t *testing.T) {
	view, _, db := newTestView(t)
	ctx := context.Background()
	user := uuid.New()
	seedHistory(t, db, user)

	page, total, err := view.TransactionHistory(ctx, user, HistoryFilter{}, 2, 0)
	require.NoError(t, err)
	require.Equal(t, int64(3), total)
	require.Len(t, page, 2)

	rest, total, err := view.TransactionHistory(ctx, user, HistoryFilter{}, 2, 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), total)
	require.Len(t, rest, 1)

	none, total, err := view.TransactionHistory(ctx, user, HistoryFilter{}, 2, 10)
	require.NoError(t, err)
	require.Equal(t, int64(3), total)
	require.Empty(t, none)
}

func TestLedgerHistoryPassThrough(t *testing.T) {
	view, ledgerSvc, _ := newTestView(t)
	ctx := context.Background()
	user := uuid.New()

	_, err := ledgerSvc.Post(ctx, user, models.EntryDeposit, "ETH", dec("2"), ledger.PostOpts{})
	require.NoError(t, err)
	_, err = ledgerSvc.Post(ctx, user, models.EntryWithdraw, "ETH", dec("-1"), ledger.PostOpts{})
	require.NoError(t, err)

	entries, total, err := view.LedgerHistory(ctx, user, "ETH", 0, 0)
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
	require.Len(t, entries, 2)
	require.True(t, entries[0].ResultingBalance.Equal(dec("1")))
}
