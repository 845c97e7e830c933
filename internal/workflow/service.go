// Package workflow implements the deposit/withdraw request state
// machine: pending -> approved | rejected, terminal states final.
package workflow

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
	"github.com/bitvex/bitvex/pkg/metrics"
	"github.com/bitvex/bitvex/pkg/models"
)

const approveRetries = 3

// Service owns the request records and drives the ledger on approval.
// The pending -> terminal transition is a conditional update checked by
// RowsAffected, so two concurrent reviews of the same request cannot
// both win; the winning approval and its ledger entry share one
// storage transaction.
type Service struct {
	db     *gorm.DB
	ledger *ledger.Service
	audit  audit.Sink
	logger *zap.Logger
}

// NewService creates the request workflow service
func NewService(db *gorm.DB, ledgerSvc *ledger.Service, sink audit.Sink, logger *zap.Logger) *Service {
	return &Service{db: db, ledger: ledgerSvc, audit: sink, logger: logger}
}

// SubmitDeposit records a deposit request in pending state
func (s *Service) SubmitDeposit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, address string) (*models.DepositRequest, error) {
	currency, err := validateSubmission(userID, currency, amount)
	if err != nil {
		return nil, err
	}

	req := &models.DepositRequest{
		ID:       uuid.New(),
		UserID:   userID,
		Currency: currency,
		Amount:   amount,
		Address:  address,
		Status:   models.RequestPending,
	}
	if err := s.db.WithContext(ctx).Create(req).Error; err != nil {
		return nil, errs.Wrap(errs.KindStorage, err, "failed to create deposit request")
	}

	s.audit.Record("deposit:request", userID, map[string]interface{}{
		"request_id": req.ID.String(), "currency": currency, "amount": amount.String(),
	})
	return req, nil
}

// SubmitWithdraw records a withdrawal request in pending state. The
// balance check here is a fast-fail guard for the user; the
// authoritative check happens inside the ledger at approval time.
func (s *Service) SubmitWithdraw(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, address string) (*models.WithdrawRequest, error) {
	currency, err := validateSubmission(userID, currency, amount)
	if err != nil {
		return nil, err
	}
	if address == "" {
		return nil, errs.New(errs.KindValidation, "destination address required")
	}

	balance, err := s.ledger.GetBalance(ctx, userID, currency)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(amount) {
		return nil, errs.New(errs.KindInsufficientFunds, "insufficient %s balance: have %s, need %s",
			currency, balance.String(), amount.String())
	}

	req := &models.WithdrawRequest{
		ID:       uuid.New(),
		UserID:   userID,
		Currency: currency,
		Amount:   amount,
		Address:  address,
		Status:   models.RequestPending,
	}
	if err := s.db.WithContext(ctx).Create(req).Error; err != nil {
		return nil, errs.Wrap(errs.KindStorage, err, "failed to create withdraw request")
	}

	s.audit.Record("withdraw:request", userID, map[string]interface{}{
		"request_id": req.ID.String(), "currency": currency, "amount": amount.String(),
	})
	return req, nil
}

// ApproveDeposit flips the request to approved and credits the ledger.
// If the ledger post fails the flip rolls back and the request stays
// pending.
func (s *Service) ApproveDeposit(ctx context.Context, requestID, reviewerID uuid.UUID) (*models.DepositRequest, error) {
	var req models.DepositRequest
	var post *ledger.PostResult

	err := s.withConflictRetry(ctx, func() error {
		post = nil
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.claim(ctx, tx, &models.DepositRequest{}, requestID, reviewerID, models.RequestApproved, ""); err != nil {
				return err
			}
			if err := tx.First(&req, "id = ?", requestID).Error; err != nil {
				return errs.Wrap(errs.KindStorage, err, "failed to load deposit request")
			}
			var err error
			post, err = s.ledger.PostWithin(ctx, ledger.NewStore(tx), req.UserID, models.EntryDeposit, req.Currency, req.Amount, ledger.PostOpts{
				Reference: req.ID.String(),
				Note:      "Deposit approved",
			})
			return err
		})
	})
	if err != nil {
		metrics.WorkflowReviews.WithLabelValues("deposit", "approve", "error").Inc()
		return nil, err
	}

	metrics.WorkflowReviews.WithLabelValues("deposit", "approve", "ok").Inc()
	s.ledger.NotifyPosted(ctx, post)
	s.audit.Record("deposit:approve", reviewerID, map[string]interface{}{
		"request_id": req.ID.String(), "entry_id": post.Entry.ID.String(),
	})
	return &req, nil
}

// ApproveWithdraw flips the request to approved and debits the ledger.
// On insufficient funds the transaction rolls back and the request
// stays pending, so the admin can retry later or reject explicitly.
func (s *Service) ApproveWithdraw(ctx context.Context, requestID, reviewerID uuid.UUID) (*models.WithdrawRequest, error) {
	var req models.WithdrawRequest
	var post *ledger.PostResult

	err := s.withConflictRetry(ctx, func() error {
		post = nil
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.claim(ctx, tx, &models.WithdrawRequest{}, requestID, reviewerID, models.RequestApproved, ""); err != nil {
				return err
			}
			if err := tx.First(&req, "id = ?", requestID).Error; err != nil {
				return errs.Wrap(errs.KindStorage, err, "failed to load withdraw request")
			}
			var err error
			post, err = s.ledger.PostWithin(ctx, ledger.NewStore(tx), req.UserID, models.EntryWithdraw, req.Currency, req.Amount.Neg(), ledger.PostOpts{
				Reference: req.ID.String(),
				Note:      "Withdraw approved",
			})
			return err
		})
	})
	if err != nil {
		outcome := "error"
		if errs.Is(err, errs.ErrInsufficientFunds) {
			outcome = "insufficient_funds"
		}
		metrics.WorkflowReviews.WithLabelValues("withdraw", "approve", outcome).Inc()
		return nil, err
	}

	metrics.WorkflowReviews.WithLabelValues("withdraw", "approve", "ok").Inc()
	s.ledger.NotifyPosted(ctx, post)
	s.audit.Record("withdraw:approve", reviewerID, map[string]interface{}{
		"request_id": req.ID.String(), "entry_id": post.Entry.ID.String(),
	})
	return &req, nil
}

// RejectDeposit moves a pending deposit request to rejected. The
// ledger is never touched.
func (s *Service) RejectDeposit(ctx context.Context, requestID, reviewerID uuid.UUID, note string) (*models.DepositRequest, error) {
	if err := s.claim(ctx, s.db, &models.DepositRequest{}, requestID, reviewerID, models.RequestRejected, note); err != nil {
		metrics.WorkflowReviews.WithLabelValues("deposit", "reject", "error").Inc()
		return nil, err
	}
	var req models.DepositRequest
	if err := s.db.WithContext(ctx).First(&req, "id = ?", requestID).Error; err != nil {
		return nil, errs.Wrap(errs.KindStorage, err, "failed to load deposit request")
	}

	metrics.WorkflowReviews.WithLabelValues("deposit", "reject", "ok").Inc()
	s.audit.Record("deposit:reject", reviewerID, map[string]interface{}{
		"request_id": requestID.String(), "reason": note,
	})
	return &req, nil
}

// RejectWithdraw moves a pending withdraw request to rejected
func (s *Service) RejectWithdraw(ctx context.Context, requestID, reviewerID uuid.UUID, note string) (*models.WithdrawRequest, error) {
	if err := s.claim(ctx, s.db, &models.WithdrawRequest{}, requestID, reviewerID, models.RequestRejected, note); err != nil {
		metrics.WorkflowReviews.WithLabelValues("withdraw", "reject", "error").Inc()
		return nil, err
	}
	var req models.WithdrawRequest
	if err := s.db.WithContext(ctx).First(&req, "id = ?", requestID).Error; err != nil {
		return nil, errs.Wrap(errs.KindStorage, err, "failed to load withdraw request")
	}

	metrics.WorkflowReviews.WithLabelValues("withdraw", "reject", "ok").Inc()
	s.audit.Record("withdraw:reject", reviewerID, map[string]interface{}{
		"request_id": requestID.String(), "reason": note,
	})
	return &req, nil
}

// ListDeposits returns the user's deposit requests newest first.
// status filters when non-empty; a nil userID lists all (admin view).
func (s *Service) ListDeposits(ctx context.Context, userID uuid.UUID, status models.RequestStatus, limit, offset int) ([]*models.DepositRequest, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.DepositRequest{})
	if userID != uuid.Nil {
		query = query.Where("user_id = ?", userID)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errs.Wrap(errs.KindStorage, err, "failed to count deposit requests")
	}
	var reqs []*models.DepositRequest
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&reqs).Error; err != nil {
		return nil, 0, errs.Wrap(errs.KindStorage, err, "failed to list deposit requests")
	}
	return reqs, total, nil
}

// ListWithdrawals returns withdraw requests newest first, same
// filtering rules as ListDeposits.
func (s *Service) ListWithdrawals(ctx context.Context, userID uuid.UUID, status models.RequestStatus, limit, offset int) ([]*models.WithdrawRequest, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.WithdrawRequest{})
	if userID != uuid.Nil {
		query = query.Where("user_id = ?", userID)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errs.Wrap(errs.KindStorage, err, "failed to count withdraw requests")
	}
	var reqs []*models.WithdrawRequest
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&reqs).Error; err != nil {
		return nil, 0, errs.Wrap(errs.KindStorage, err, "failed to list withdraw requests")
	}
	return reqs, total, nil
}

// claim performs the atomic pending -> terminal transition. Zero rows
// affected means the request is gone or already reviewed.
func (s *Service) claim(ctx context.Context, db *gorm.DB, model interface{}, requestID, reviewerID uuid.UUID, to models.RequestStatus, note string) error {
	updates := map[string]interface{}{
		"status":      to,
		"reviewed_by": reviewerID,
		"reviewed_at": time.Now().UTC(),
	}
	if note != "" {
		updates["note"] = note
	}

	res := db.WithContext(ctx).Model(model).
		Where("id = ? AND status = ?", requestID, models.RequestPending).
		Updates(updates)
	if res.Error != nil {
		return errs.Wrap(errs.KindStorage, res.Error, "failed to update request status")
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := db.WithContext(ctx).Model(model).Where("id = ?", requestID).Count(&count).Error; err != nil {
			return errs.Wrap(errs.KindStorage, err, "failed to check request")
		}
		if count == 0 {
			return errs.New(errs.KindNotFound, "request %s not found", requestID)
		}
		return errs.New(errs.KindAlreadyReviewed, "request %s already reviewed", requestID)
	}
	return nil
}

// withConflictRetry re-runs an approval whose ledger append lost an
// ordinal race against a concurrent writer. Approval posts skip the
// pair mutex, so a direct post in this process races them too.
func (s *Service) withConflictRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= approveRetries; attempt++ {
		err = fn()
		if err == nil || !errs.Is(err, errs.ErrConflict) {
			return err
		}
		s.logger.Warn("Approval hit ledger write conflict, retrying", zap.Int("attempt", attempt+1))
	}
	return err
}

func validateSubmission(userID uuid.UUID, currency string, amount decimal.Decimal) (string, error) {
	if userID == uuid.Nil {
		return "", errs.New(errs.KindValidation, "user id required")
	}
	normalized, err := ledger.NormalizeCurrency(currency)
	if err != nil {
		return "", err
	}
	if !amount.IsPositive() {
		return "", errs.New(errs.KindValidation, "amount must be positive")
	}
	return normalized, nil
}
