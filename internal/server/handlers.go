package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/bitvex/bitvex/internal/balance"
	"github.com/bitvex/bitvex/internal/ledger"
	"github.com/bitvex/bitvex/internal/trading"
	"github.com/bitvex/bitvex/internal/workflow"
	errs "github.com/bitvex/bitvex/pkg/errors"
	"github.com/bitvex/bitvex/pkg/models"
)

const writeTimeout = 10 * time.Second

// Handler exposes the ledger operation surface over HTTP
type Handler struct {
	workflow *workflow.Service
	trading  *trading.Service
	balances *balance.View
	ledger   *ledger.Service
	logger   *zap.Logger
	validate *validator.Validate
}

// NewHandler creates the HTTP handler set
func NewHandler(workflowSvc *workflow.Service, tradingSvc *trading.Service, balances *balance.View, ledgerSvc *ledger.Service, logger *zap.Logger) *Handler {
	return &Handler{
		workflow: workflowSvc,
		trading:  tradingSvc,
		balances: balances,
		ledger:   ledgerSvc,
		logger:   logger,
		validate: validator.New(),
	}
}

// Health reports liveness
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type submitRequest struct {
	Currency string          `json:"currency" validate:"required,min=2,max=10"`
	Amount   decimal.Decimal `json:"amount"`
	Address  string          `json:"address" validate:"omitempty,max=128"`
}

// SubmitDeposit handles POST /v1/deposits
func (h *Handler) SubmitDeposit(c *gin.Context) {
	userID, ok := h.userFrom(c)
	if !ok {
		return
	}
	var req submitRequest
	if !h.bind(c, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), writeTimeout)
	defer cancel()
	doc, err := h.workflow.SubmitDeposit(ctx, userID, req.Currency, req.Amount, req.Address)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": doc})
}

// SubmitWithdraw handles POST /v1/withdrawals
func (h *Handler) SubmitWithdraw(c *gin.Context) {
	userID, ok := h.userFrom(c)
	if !ok {
		return
	}
	var req submitRequest
	if !h.bind(c, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), writeTimeout)
	defer cancel()
	doc, err := h.workflow.SubmitWithdraw(ctx, userID, req.Currency, req.Amount, req.Address)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": doc})
}

// ListDeposits handles GET /v1/deposits
func (h *Handler) ListDeposits(c *gin.Context) {
	userID, ok := h.userFrom(c)
	if !ok {
		return
	}
	limit, offset := pagination(c)
	reqs, total, err := h.workflow.ListDeposits(c.Request.Context(), userID, "", limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "total": total, "data": reqs})
}

// ListWithdrawals handles GET /v1/withdrawals
func (h *Handler) ListWithdrawals(c *gin.Context) {
	userID, ok := h.userFrom(c)
	if !ok {
		return
	}
	limit, offset := pagination(c)
	reqs, total, err := h.workflow.ListWithdrawals(c.Request.Context(), userID, "", limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "total": total, "data": reqs})
}

// ApproveDeposit handles POST /v1/admin/deposits/:id/approve
func (h *Handler) ApproveDeposit(c *gin.Context) {
	reviewerID, requestID, ok := h.reviewFrom(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), writeTimeout)
	defer cancel()
	doc, err := h.workflow.ApproveDeposit(ctx, requestID, reviewerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": doc})
}

// ApproveWithdraw handles POST /v1/admin/withdrawals/:id/approve
func (h *Handler) ApproveWithdraw(c *gin.Context) {
	reviewerID, requestID, ok := h.reviewFrom(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), writeTimeout)
	defer cancel()
	doc, err := h.workflow.ApproveWithdraw(ctx, requestID, reviewerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": doc})
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

// RejectDeposit handles POST /v1/admin/deposits/:id/reject
func (h *Handler) RejectDeposit(c *gin.Context) {
	reviewerID, requestID, ok := h.reviewFrom(c)
	if !ok {
		return
	}
	var req rejectRequest
	if !h.bind(c, &req) {
		return
	}
	note := req.Reason
	if note == "" {
		note = "Rejected by admin"
	}
	doc, err := h.workflow.RejectDeposit(c.Request.Context(), requestID, reviewerID, note)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": doc})
}

// RejectWithdraw handles POST /v1/admin/withdrawals/:id/reject
func (h *Handler) RejectWithdraw(c *gin.Context) {
	reviewerID, requestID, ok := h.reviewFrom(c)
	if !ok {
		return
	}
	var req rejectRequest
	if !h.bind(c, &req) {
		return
	}
	note := req.Reason
	if note == "" {
		note = "Rejected by admin"
	}
	doc, err := h.workflow.RejectWithdraw(c.Request.Context(), requestID, reviewerID, note)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": doc})
}

// AdminListDeposits handles GET /v1/admin/deposits
func (h *Handler) AdminListDeposits(c *gin.Context) {
	if _, ok := h.adminFrom(c); !ok {
		return
	}
	limit, offset := pagination(c)
	status := models.RequestStatus(c.Query("status"))
	reqs, total, err := h.workflow.ListDeposits(c.Request.Context(), uuid.Nil, status, limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "total": total, "data": reqs})
}

// AdminListWithdrawals handles GET /v1/admin/withdrawals
func (h *Handler) AdminListWithdrawals(c *gin.Context) {
	if _, ok := h.adminFrom(c); !ok {
		return
	}
	limit, offset := pagination(c)
	status := models.RequestStatus(c.Query("status"))
	reqs, total, err := h.workflow.ListWithdrawals(c.Request.Context(), uuid.Nil, status, limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "total": total, "data": reqs})
}

type adjustRequest struct {
	UserID   string          `json:"user_id" validate:"required,uuid"`
	Currency string          `json:"currency" validate:"required,min=2,max=10"`
	Balance  decimal.Decimal `json:"balance"`
	Note     string          `json:"note" validate:"omitempty,max=500"`
}

// AdjustBalance handles POST /v1/admin/adjustments. The target balance
// becomes an adjustment entry, never a direct field write.
func (h *Handler) AdjustBalance(c *gin.Context) {
	adminID, ok := h.adminFrom(c)
	if !ok {
		return
	}
	var req adjustRequest
	if !h.bind(c, &req) {
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.respondError(c, errs.New(errs.KindValidation, "invalid user id"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), writeTimeout)
	defer cancel()
	res, err := h.ledger.AdjustTo(ctx, adminID, userID, req.Currency, req.Balance, req.Note)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{
		"currency": req.Currency, "balance": res.NewBalance,
	}})
}

type tradeRequest struct {
	Pair  string          `json:"pair" validate:"required,max=21"`
	Side  string          `json:"side" validate:"required,oneof=buy sell"`
	Size  decimal.Decimal `json:"size"`
	Price decimal.Decimal `json:"price"`
}

// PlaceTrade handles POST /v1/trades
func (h *Handler) PlaceTrade(c *gin.Context) {
	userID, ok := h.userFrom(c)
	if !ok {
		return
	}
	var req tradeRequest
	if !h.bind(c, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), writeTimeout)
	defer cancel()
	trade, err := h.trading.Place(ctx, userID, req.Pair, req.Side, req.Size, req.Price)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": trade})
}

// ListTrades handles GET /v1/trades
func (h *Handler) ListTrades(c *gin.Context) {
	userID, ok := h.userFrom(c)
	if !ok {
		return
	}
	limit, offset := pagination(c)
	trades, total, err := h.trading.ListByUser(c.Request.Context(), userID, limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "total": total, "data": trades})
}

// GetWallet handles GET /v1/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	userID, ok := h.userFrom(c)
	if !ok {
		return
	}
	wallet, err := h.balances.WalletOf(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": wallet})
}

// GetTransactions handles GET /v1/wallet/transactions
func (h *Handler) GetTransactions(c *gin.Context) {
	userID, ok := h.userFrom(c)
	if !ok {
		return
	}
	limit, offset := pagination(c)
	filter := balance.HistoryFilter{
		Currency: c.Query("currency"),
		Kind:     c.Query("kind"),
	}
	items, total, err := h.balances.TransactionHistory(c.Request.Context(), userID, filter, limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "total": total, "data": items})
}

// GetLedgerHistory handles GET /v1/wallet/ledger/:currency
func (h *Handler) GetLedgerHistory(c *gin.Context) {
	userID, ok := h.userFrom(c)
	if !ok {
		return
	}
	limit, offset := pagination(c)
	entries, total, err := h.balances.LedgerHistory(c.Request.Context(), userID, c.Param("currency"), limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "total": total, "data": entries})
}

func (h *Handler) bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		h.respondError(c, errs.Wrap(errs.KindValidation, err, "malformed request body"))
		return false
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondError(c, errs.Wrap(errs.KindValidation, err, "invalid request"))
		return false
	}
	return true
}

func (h *Handler) userFrom(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.GetHeader("X-User-ID"))
	if err != nil || id == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "missing user identity"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) adminFrom(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.GetHeader("X-Admin-ID"))
	if err != nil || id == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "missing admin identity"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) reviewFrom(c *gin.Context) (reviewerID, requestID uuid.UUID, ok bool) {
	reviewerID, ok = h.adminFrom(c)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	requestID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.respondError(c, errs.New(errs.KindValidation, "invalid request id"))
		return uuid.Nil, uuid.Nil, false
	}
	return reviewerID, requestID, true
}

func (h *Handler) respondError(c *gin.Context, err error) {
	var e *errs.Error
	if !errs.As(err, &e) {
		e = errs.Wrap(errs.KindInternal, err, "unexpected failure")
	}
	msg := e.Message
	if !e.Public() {
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		msg = "Something went wrong, please try again."
	}
	c.JSON(e.HTTPStatus(), gin.H{"success": false, "error": msg})
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
