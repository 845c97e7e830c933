package ledger

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/bitvex/bitvex/internal/audit"
	"github.com/bitvex/bitvex/internal/config"
	"github.com/bitvex/bitvex/internal/messaging"
	errs "github.com/bitvex/bitvex/pkg/errors"
	"github.com/bitvex/bitvex/pkg/metrics"
	"github.com/bitvex/bitvex/pkg/models"
)

var currencyPattern = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)

// NormalizeCurrency uppercases and validates a currency code
func NormalizeCurrency(currency string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(currency))
	if !currencyPattern.MatchString(c) {
		return "", errs.New(errs.KindValidation, "malformed currency code %q", currency)
	}
	return c, nil
}

// PostOpts carries the descriptive fields of an entry. The ledger
// stores them verbatim and never interprets them.
type PostOpts struct {
	Subtype   string
	Reference string
	Note      string
	Metadata  string
}

// PostResult is a successful post: the appended entry and the balance
// it produced.
type PostResult struct {
	Entry      *models.LedgerEntry
	NewBalance decimal.Decimal
}

// TradeParams describes a simulated market fill to be applied as two
// ledger legs.
type TradeParams struct {
	UserID    uuid.UUID
	Pair      string // "BASE/QUOTE"
	Side      string // "buy" or "sell"
	Size      decimal.Decimal
	Price     decimal.Decimal
	Reference string
}

// TradeResult holds both posted legs
type TradeResult struct {
	Debit  *PostResult
	Credit *PostResult
}

// Service is the only writer path into the ledger. Each post is
// "read latest, validate, append" executed as one atomic unit per
// (user, currency): a striped mutex serializes in-process writers and
// the store's ordinal CAS catches everything the mutex cannot see,
// with a bounded retry before giving up with a conflict error.
type Service struct {
	store      Store
	locks      keyLocks
	logger     *zap.Logger
	audit      audit.Sink
	events     messaging.Publisher
	maxRetries int
	backoff    time.Duration
}

// NewService creates the ledger service. sink and events must be
// non-nil; use audit.NopSink / messaging.NopPublisher to disable.
func NewService(store Store, logger *zap.Logger, sink audit.Sink, events messaging.Publisher, cfg config.LedgerConfig) *Service {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 20 * time.Millisecond
	}
	return &Service{
		store:      store,
		logger:     logger,
		audit:      sink,
		events:     events,
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

// Post appends one balance-changing entry. Amount is signed: positive
// credits, negative debits. A debit that would drive the balance
// negative fails with an insufficient-funds error and appends nothing.
func (s *Service) Post(ctx context.Context, userID uuid.UUID, kind models.EntryKind, currency string, amount decimal.Decimal, opts PostOpts) (*PostResult, error) {
	started := time.Now()
	currency, err := s.validatePost(userID, kind, currency, amount)
	if err != nil {
		metrics.LedgerPosts.WithLabelValues(string(kind), "validation").Inc()
		return nil, err
	}

	unlock := s.locks.lock(userID, currency)
	defer unlock()

	res, err := s.postWithRetry(ctx, s.store, userID, kind, currency, amount, opts)
	if err != nil {
		metrics.LedgerPosts.WithLabelValues(string(kind), outcomeOf(err)).Inc()
		return nil, err
	}

	metrics.LedgerPosts.WithLabelValues(string(kind), "ok").Inc()
	metrics.LedgerPostLatency.Observe(time.Since(started).Seconds())
	s.NotifyPosted(ctx, res)
	return res, nil
}

// GetBalance returns the current balance for the pair, zero if the
// pair has never transacted. Never blocks on a writer's lock.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID, currency string) (decimal.Decimal, error) {
	currency, err := NormalizeCurrency(currency)
	if err != nil {
		return decimal.Zero, err
	}
	last, err := s.store.Latest(ctx, userID, currency)
	if err != nil {
		return decimal.Zero, err
	}
	if last == nil {
		return decimal.Zero, nil
	}
	return last.ResultingBalance, nil
}

// Currencies lists every currency the user has transacted in
func (s *Service) Currencies(ctx context.Context, userID uuid.UUID) ([]string, error) {
	return s.store.Currencies(ctx, userID)
}

// History returns the pair's entries newest first
func (s *Service) History(ctx context.Context, userID uuid.UUID, currency string, limit, offset int) ([]*models.LedgerEntry, int64, error) {
	currency, err := NormalizeCurrency(currency)
	if err != nil {
		return nil, 0, err
	}
	return s.store.History(ctx, userID, currency, limit, offset)
}

// ExecuteTrade applies a fill as a debit of the spent currency and a
// credit of the received one. Both legs commit in a single storage
// transaction: no observer ever sees one leg without the other.
func (s *Service) ExecuteTrade(ctx context.Context, p TradeParams) (*TradeResult, error) {
	base, quote, err := SplitPair(p.Pair)
	if err != nil {
		return nil, err
	}
	if p.Side != "buy" && p.Side != "sell" {
		return nil, errs.New(errs.KindValidation, "side must be buy or sell, got %q", p.Side)
	}
	if !p.Size.IsPositive() {
		return nil, errs.New(errs.KindValidation, "trade size must be positive")
	}
	if !p.Price.IsPositive() {
		return nil, errs.New(errs.KindValidation, "trade price must be positive")
	}

	var spend, receive string
	var cost, received decimal.Decimal
	if p.Side == "buy" {
		spend, receive = quote, base
		cost, received = p.Size.Mul(p.Price), p.Size
	} else {
		spend, receive = base, quote
		cost, received = p.Size, p.Size.Mul(p.Price)
	}

	note := p.Side + " " + p.Size.String() + " " + p.Pair + " @ " + p.Price.String()
	unlock := s.locks.lockPair(p.UserID, spend, receive)
	defer unlock()

	var result *TradeResult
	err = s.retry(ctx, func() error {
		return s.store.RunInTx(ctx, func(tx Store) error {
			debit, err := s.postOn(ctx, tx, p.UserID, models.EntryTrade, spend, cost.Neg(), PostOpts{
				Subtype: p.Side, Reference: p.Reference, Note: note,
			})
			if err != nil {
				return err
			}
			credit, err := s.postOn(ctx, tx, p.UserID, models.EntryTrade, receive, received, PostOpts{
				Subtype: p.Side, Reference: p.Reference, Note: note,
			})
			if err != nil {
				return err
			}
			result = &TradeResult{Debit: debit, Credit: credit}
			return nil
		})
	})
	if err != nil {
		metrics.LedgerPosts.WithLabelValues(string(models.EntryTrade), outcomeOf(err)).Inc()
		return nil, err
	}

	metrics.LedgerPosts.WithLabelValues(string(models.EntryTrade), "ok").Add(2)
	s.NotifyPosted(ctx, result.Debit)
	s.NotifyPosted(ctx, result.Credit)
	return result, nil
}

// AdjustTo posts an adjustment entry that moves the pair's balance to
// target. This is the only sanctioned way to "set" a balance: the
// correction is itself an auditable entry, never a field write.
func (s *Service) AdjustTo(ctx context.Context, actorID, userID uuid.UUID, currency string, target decimal.Decimal, note string) (*PostResult, error) {
	currency, err := NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	if target.IsNegative() {
		return nil, errs.New(errs.KindValidation, "target balance cannot be negative")
	}

	unlock := s.locks.lock(userID, currency)
	defer unlock()

	var res *PostResult
	var appended bool
	err = s.retry(ctx, func() error {
		last, err := s.store.Latest(ctx, userID, currency)
		if err != nil {
			return err
		}
		current := decimal.Zero
		if last != nil {
			current = last.ResultingBalance
		}
		delta := target.Sub(current)
		if delta.IsZero() {
			res = &PostResult{Entry: last, NewBalance: current}
			return nil
		}
		res, err = s.postOn(ctx, s.store, userID, models.EntryAdjustment, currency, delta, PostOpts{
			Subtype: "admin", Note: note,
		})
		appended = err == nil
		return err
	})
	if err != nil {
		metrics.LedgerPosts.WithLabelValues(string(models.EntryAdjustment), outcomeOf(err)).Inc()
		return nil, err
	}
	if appended {
		metrics.LedgerPosts.WithLabelValues(string(models.EntryAdjustment), "ok").Inc()
		s.audit.Record("ledger:adjust", actorID, map[string]interface{}{
			"user_id": userID.String(), "currency": currency, "target": target.String(),
		})
		s.notifyEvent(ctx, res)
	}
	return res, nil
}

// PostWithin appends an entry through st, which the caller has bound
// to its own storage transaction. No side effects are emitted: the
// caller invokes NotifyPosted after its transaction commits.
//
// The pair mutex is deliberately not taken here. The caller already
// holds a pool connection for its transaction, and a direct Post on
// the same shard holds the mutex while waiting for a connection;
// taking the mutex from inside the transaction would invert that
// order and wedge both sides on a saturated pool. Races with direct
// posts surface as ordinal conflicts, which the caller retries.
func (s *Service) PostWithin(ctx context.Context, st Store, userID uuid.UUID, kind models.EntryKind, currency string, amount decimal.Decimal, opts PostOpts) (*PostResult, error) {
	currency, err := s.validatePost(userID, kind, currency, amount)
	if err != nil {
		return nil, err
	}
	return s.postOn(ctx, st, userID, kind, currency, amount, opts)
}

// NotifyPosted emits the audit record and balance event for a
// committed post. Both sinks are fire-and-forget.
func (s *Service) NotifyPosted(ctx context.Context, res *PostResult) {
	s.audit.Record("ledger:post", res.Entry.UserID, map[string]interface{}{
		"entry_id": res.Entry.ID.String(),
		"kind":     string(res.Entry.Kind),
		"currency": res.Entry.Currency,
		"amount":   res.Entry.Amount.String(),
	})
	s.notifyEvent(ctx, res)
}

func (s *Service) notifyEvent(ctx context.Context, res *PostResult) {
	ev := messaging.BalanceEvent{
		EntryID:    res.Entry.ID,
		UserID:     res.Entry.UserID,
		Currency:   res.Entry.Currency,
		Kind:       string(res.Entry.Kind),
		Amount:     res.Entry.Amount,
		NewBalance: res.NewBalance,
		OccurredAt: res.Entry.CreatedAt,
	}
	if err := s.events.PublishBalanceChange(ctx, ev); err != nil {
		s.logger.Warn("Failed to publish balance event",
			zap.String("entry_id", ev.EntryID.String()), zap.Error(err))
	}
}

func (s *Service) validatePost(userID uuid.UUID, kind models.EntryKind, currency string, amount decimal.Decimal) (string, error) {
	if userID == uuid.Nil {
		return "", errs.New(errs.KindValidation, "user id required")
	}
	if !kind.Valid() {
		return "", errs.New(errs.KindValidation, "unknown entry kind %q", kind)
	}
	normalized, err := NormalizeCurrency(currency)
	if err != nil {
		return "", err
	}
	if amount.IsZero() {
		return "", errs.New(errs.KindValidation, "amount must be nonzero")
	}
	return normalized, nil
}

// postWithRetry runs the read-validate-append cycle, retrying on
// ordinal conflicts caused by writers outside this process.
func (s *Service) postWithRetry(ctx context.Context, st Store, userID uuid.UUID, kind models.EntryKind, currency string, amount decimal.Decimal, opts PostOpts) (*PostResult, error) {
	var res *PostResult
	err := s.retry(ctx, func() error {
		var err error
		res, err = s.postOn(ctx, st, userID, kind, currency, amount, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// retry re-runs fn on conflict errors up to the configured bound
func (s *Service) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.LedgerConflictRetries.Inc()
			select {
			case <-ctx.Done():
				return errs.Wrap(errs.KindConflict, ctx.Err(), "canceled while retrying ledger write")
			case <-time.After(s.backoff * time.Duration(attempt)):
			}
		}
		err = fn()
		if err == nil || !errs.Is(err, errs.ErrConflict) {
			return err
		}
	}
	return errs.Wrap(errs.KindConflict, err, "ledger write contention persisted after %d retries", s.maxRetries)
}

// postOn is the single-pair atomic unit: read latest, compute, check
// non-negativity, append with the next ordinal. Callers hold the pair
// lock or a storage transaction.
func (s *Service) postOn(ctx context.Context, st Store, userID uuid.UUID, kind models.EntryKind, currency string, amount decimal.Decimal, opts PostOpts) (*PostResult, error) {
	last, err := st.Latest(ctx, userID, currency)
	if err != nil {
		return nil, err
	}

	prev := decimal.Zero
	ordinal := int64(1)
	if last != nil {
		prev = last.ResultingBalance
		ordinal = last.Ordinal + 1
	}

	newBalance := prev.Add(amount)
	if newBalance.IsNegative() {
		return nil, errs.New(errs.KindInsufficientFunds, "insufficient %s balance: have %s, need %s",
			currency, prev.String(), amount.Abs().String())
	}

	entry := &models.LedgerEntry{
		ID:               uuid.New(),
		UserID:           userID,
		Currency:         currency,
		Ordinal:          ordinal,
		Kind:             kind,
		Subtype:          opts.Subtype,
		Amount:           amount,
		ResultingBalance: newBalance,
		Reference:        opts.Reference,
		Note:             opts.Note,
		Metadata:         opts.Metadata,
		CreatedAt:        time.Now().UTC(),
	}
	if err := st.Append(ctx, entry); err != nil {
		return nil, err
	}
	return &PostResult{Entry: entry, NewBalance: newBalance}, nil
}

// SplitPair parses "BASE/QUOTE" into its two normalized currencies
func SplitPair(pair string) (base, quote string, err error) {
	parts := strings.Split(pair, "/")
	if len(parts) != 2 {
		return "", "", errs.New(errs.KindValidation, "invalid pair format %q", pair)
	}
	base, err = NormalizeCurrency(parts[0])
	if err != nil {
		return "", "", err
	}
	quote, err = NormalizeCurrency(parts[1])
	if err != nil {
		return "", "", err
	}
	if base == quote {
		return "", "", errs.New(errs.KindValidation, "pair sides must differ")
	}
	return base, quote, nil
}

func outcomeOf(err error) string {
	switch errs.KindOf(err) {
	case errs.KindInsufficientFunds:
		return "insufficient_funds"
	case errs.KindValidation:
		return "validation"
	case errs.KindConflict:
		return "conflict"
	case errs.KindStorage:
		return "storage"
	}
	return "error"
}
